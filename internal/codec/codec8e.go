package codec

import (
	"fmt"
	"time"
)

// Decode decodifica un frame Codec 8 Extended ya separado por el framing.
// Si devuelve error no expone ningún record parcial.
func Decode(f Frame) (*Packet, error) {
	p, err := DecodeBody(f.Body, f.CRC)
	if err != nil {
		return nil, err
	}
	p.DataFieldLength = f.DataFieldLength
	return p, nil
}

// DecodeBody decodifica el body (codec id .. cantidad final) y verifica crc
// contra el CRC-16 calculado sobre ese mismo span.
//
// Layout:
//
//	codecId(1B=0x8E) qty1(1B) AVLRecord{qty1} qty2(1B)
func DecodeBody(body []byte, crc uint32) (*Packet, error) {
	r := newByteReader(body)

	codecID, err := r.u8()
	if err != nil {
		return nil, fmt.Errorf("codec id: %w", err)
	}
	if codecID != Codec8E {
		return nil, fmt.Errorf("%w: codec id 0x%02X (expected 0x%02X)", ErrProtocolMismatch, codecID, Codec8E)
	}

	qty1, err := r.u8()
	if err != nil {
		return nil, fmt.Errorf("record count: %w", err)
	}

	records := make([]AVLRecord, 0, qty1)
	for i := 0; i < int(qty1); i++ {
		rec, err := decodeRecord(r)
		if err != nil {
			return nil, fmt.Errorf("record %d/%d: %w", i+1, qty1, err)
		}
		records = append(records, rec)
	}

	qty2, err := r.u8()
	if err != nil {
		return nil, fmt.Errorf("trailing record count: %w", err)
	}
	if qty1 != qty2 {
		return nil, fmt.Errorf("%w: leading=%d trailing=%d", ErrCountMismatch, qty1, qty2)
	}
	if r.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTrailingBytes, r.remaining())
	}

	if calc := CRC16IBM(body); uint32(calc) != crc {
		return nil, fmt.Errorf("%w: calculated %08X, received %08X", ErrChecksumMismatch, calc, crc)
	}

	return &Packet{
		Preamble:          Preamble,
		DataFieldLength:   uint32(len(body)),
		CodecID:           codecID,
		RecordCount:       qty1,
		Records:           records,
		RecordCountRepeat: qty2,
		CRC:               crc,
	}, nil
}

func decodeRecord(r *byteReader) (AVLRecord, error) {
	var rec AVLRecord

	ts, err := r.u64()
	if err != nil {
		return rec, fmt.Errorf("timestamp: %w", err)
	}
	prio, err := r.u8()
	if err != nil {
		return rec, fmt.Errorf("priority: %w", err)
	}
	gps, err := decodeGPS(r)
	if err != nil {
		return rec, fmt.Errorf("gps: %w", err)
	}
	io, err := decodeIO(r)
	if err != nil {
		return rec, fmt.Errorf("io: %w", err)
	}

	rec.Timestamp = time.UnixMilli(int64(ts)).UTC()
	rec.TimestampMs = ts
	rec.Priority = prio
	rec.GPS = gps
	rec.IO = io
	rec.Telemetry = Interpret(io.Elements)
	return rec, nil
}

// GPS: lon(4B) lat(4B) alt(2B) angle(2B) sats(1B) speed(2B)
func decodeGPS(r *byteReader) (GPSFix, error) {
	b, err := r.read(15)
	if err != nil {
		return GPSFix{}, err
	}
	g := newByteReader(b)
	lon, _ := g.u32()
	lat, _ := g.u32()
	alt, _ := g.u16()
	angle, _ := g.u16()
	sats, _ := g.u8()
	speed, _ := g.u16()

	return NewGPSFix(int32(lon), int32(lat), int16(alt), angle, sats, speed), nil
}

// IO: eventId(2B) total(2B) y luego los grupos 1B, 2B, 4B, 8B y NX, cada uno
// con su propio contador de 2 bytes.
func decodeIO(r *byteReader) (IOPayload, error) {
	var p IOPayload

	eventID, err := r.u16()
	if err != nil {
		return p, fmt.Errorf("event id: %w", err)
	}
	total, err := r.u16()
	if err != nil {
		return p, fmt.Errorf("total count: %w", err)
	}
	p.EventID = eventID
	p.TotalCount = total

	// cada elemento ocupa al menos 3 bytes; no reservar más de lo que cabe.
	capHint := int(total)
	if limit := r.remaining() / 3; capHint > limit {
		capHint = limit
	}
	elems := make([]IOElement, 0, capHint)

	for _, w := range fixedWidths {
		n, err := r.u16()
		if err != nil {
			return p, fmt.Errorf("group %s count: %w", w, err)
		}
		for i := 0; i < int(n); i++ {
			id, err := r.u16()
			if err != nil {
				return p, fmt.Errorf("group %s id: %w", w, err)
			}
			v, err := r.uintN(w)
			if err != nil {
				return p, fmt.Errorf("group %s io %d: %w", w, id, err)
			}
			elems = append(elems, IOElement{ID: id, Width: w, Value: v})
		}
	}

	nx, err := r.u16()
	if err != nil {
		return p, fmt.Errorf("group NX count: %w", err)
	}
	for i := 0; i < int(nx); i++ {
		id, err := r.u16()
		if err != nil {
			return p, fmt.Errorf("group NX id: %w", err)
		}
		l, err := r.u16()
		if err != nil {
			return p, fmt.Errorf("group NX io %d length: %w", id, err)
		}
		b, err := r.read(int(l))
		if err != nil {
			return p, fmt.Errorf("group NX io %d: %w", id, err)
		}
		raw := make([]byte, len(b))
		copy(raw, b)
		elems = append(elems, IOElement{ID: id, Width: WidthVariable, Raw: raw})
	}

	if len(elems) != int(total) {
		return p, fmt.Errorf("%w: io total=%d, groups carried %d", ErrCountMismatch, total, len(elems))
	}
	p.Elements = elems
	return p, nil
}
