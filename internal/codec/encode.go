package codec

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Encode serializa records como un frame Codec 8 Extended completo
// (preamble, longitud, body y CRC). Se usa en tests y en el simulador;
// el equipo real es quien produce estos frames.
func Encode(records []AVLRecord) ([]byte, error) {
	body, err := EncodeBody(records)
	if err != nil {
		return nil, err
	}
	return wrapFrame(body), nil
}

// EncodeBody arma codecId .. qty2 sin el envoltorio de framing.
func EncodeBody(records []AVLRecord) ([]byte, error) {
	if len(records) > math.MaxUint8 {
		return nil, fmt.Errorf("codec: too many records: %d", len(records))
	}
	body := []byte{Codec8E, uint8(len(records))}
	for i := range records {
		var err error
		body, err = appendRecord(body, &records[i])
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i+1, err)
		}
	}
	return append(body, uint8(len(records))), nil
}

func wrapFrame(body []byte) []byte {
	out := make([]byte, 0, 4+4+len(body)+4)
	out = binary.BigEndian.AppendUint32(out, Preamble)
	out = binary.BigEndian.AppendUint32(out, uint32(len(body)))
	out = append(out, body...)
	out = binary.BigEndian.AppendUint32(out, uint32(CRC16IBM(body)))
	return out
}

func appendRecord(b []byte, rec *AVLRecord) ([]byte, error) {
	ts := rec.TimestampMs
	if ts == 0 && !rec.Timestamp.IsZero() {
		ts = uint64(rec.Timestamp.UnixMilli())
	}
	b = binary.BigEndian.AppendUint64(b, ts)
	b = append(b, rec.Priority)

	g := rec.GPS
	b = binary.BigEndian.AppendUint32(b, uint32(g.LongitudeRaw))
	b = binary.BigEndian.AppendUint32(b, uint32(g.LatitudeRaw))
	b = binary.BigEndian.AppendUint16(b, uint16(g.Altitude))
	b = binary.BigEndian.AppendUint16(b, g.Angle)
	b = append(b, g.Satellites)
	b = binary.BigEndian.AppendUint16(b, g.Speed)

	return appendIO(b, rec.IO)
}

func appendIO(b []byte, p IOPayload) ([]byte, error) {
	if len(p.Elements) > math.MaxUint16 {
		return nil, fmt.Errorf("codec: too many io elements: %d", len(p.Elements))
	}
	groups := make(map[Width][]IOElement, 5)
	for _, e := range p.Elements {
		switch e.Width {
		case Width1, Width2, Width4, Width8:
			if e.Width != Width8 && e.Value >= 1<<(8*uint(e.Width)) {
				return nil, fmt.Errorf("codec: io %d value %d overflows %s", e.ID, e.Value, e.Width)
			}
		case WidthVariable:
			if len(e.Raw) > math.MaxUint16 {
				return nil, fmt.Errorf("codec: io %d raw value too long: %d", e.ID, len(e.Raw))
			}
		default:
			return nil, fmt.Errorf("codec: io %d has invalid width %d", e.ID, e.Width)
		}
		groups[e.Width] = append(groups[e.Width], e)
	}

	b = binary.BigEndian.AppendUint16(b, p.EventID)
	b = binary.BigEndian.AppendUint16(b, uint16(len(p.Elements)))

	for _, w := range fixedWidths {
		g := groups[w]
		b = binary.BigEndian.AppendUint16(b, uint16(len(g)))
		for _, e := range g {
			b = binary.BigEndian.AppendUint16(b, e.ID)
			switch w {
			case Width1:
				b = append(b, uint8(e.Value))
			case Width2:
				b = binary.BigEndian.AppendUint16(b, uint16(e.Value))
			case Width4:
				b = binary.BigEndian.AppendUint32(b, uint32(e.Value))
			case Width8:
				b = binary.BigEndian.AppendUint64(b, e.Value)
			}
		}
	}

	nx := groups[WidthVariable]
	b = binary.BigEndian.AppendUint16(b, uint16(len(nx)))
	for _, e := range nx {
		b = binary.BigEndian.AppendUint16(b, e.ID)
		b = binary.BigEndian.AppendUint16(b, uint16(len(e.Raw)))
		b = append(b, e.Raw...)
	}
	return b, nil
}
