package dispatcher

import (
	"context"
	"encoding/binary"
	"strconv"
	"strings"

	"avl-svr/internal/codec/fmxxx"
	"avl-svr/internal/store"
)

const minICCIDLen = 18

// Cada parte es un uint64 cuyos 8 bytes big-endian son dígitos ASCII o padding.
// Ej: 4051327829469704249 → "89520209"
func decodeICCIDChunk(u uint64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], u)

	var sb strings.Builder
	for _, b := range buf {
		if b >= '0' && b <= '9' {
			sb.WriteByte(b)
		}
	}
	return sb.String()
}

func decodeICCIDFromUintParts(p1, p2, p3 uint64) string {
	return decodeICCIDChunk(p1) + decodeICCIDChunk(p2) + decodeICCIDChunk(p3)
}

// ParseICCID entiende las dos formas de respuesta:
//
//	getimeiccid: "IMEI: 356307042441013 ICCID: 8952020924380762238"
//	getparam:    "Param values: 219:4051327829469704249, 220:..., 221:..."
//
// Devuelve "" si no hay un ICCID completo.
func ParseICCID(text string) string {
	t := strings.TrimSpace(text)
	lt := strings.ToLower(t)

	if i := strings.Index(lt, "iccid:"); i >= 0 {
		fields := strings.Fields(t[i+len("iccid:"):])
		if len(fields) == 0 || len(fields[0]) < minICCIDLen {
			return ""
		}
		return fields[0]
	}

	if strings.Contains(lt, "param values") {
		m := parseParamValues(t)
		var parts [3]uint64
		for i, id := range []uint16{fmxxx.ICCID1, fmxxx.ICCID2, fmxxx.ICCID3} {
			s, ok := m[id]
			if !ok {
				return ""
			}
			u, err := strconv.ParseUint(s, 10, 64)
			if err != nil {
				return ""
			}
			parts[i] = u
		}
		if iccid := decodeICCIDFromUintParts(parts[0], parts[1], parts[2]); len(iccid) >= minICCIDLen {
			return iccid
		}
	}
	return ""
}

// parseParamValues devuelve map[id]valor decimal de la respuesta de getparam.
func parseParamValues(s string) map[uint16]string {
	out := map[uint16]string{}
	if idx := strings.Index(strings.ToLower(s), "param values:"); idx >= 0 {
		s = s[idx+len("param values:"):]
	}
	for _, c := range strings.Split(s, ",") {
		id, val, ok := strings.Cut(strings.TrimSpace(c), ":")
		if !ok {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSpace(id), 10, 16)
		if err != nil {
			continue
		}
		out[uint16(n)] = strings.TrimSpace(val)
	}
	return out
}

func (d *Dispatcher) handleICCID(ctx context.Context, imei, text string) bool {
	iccid := ParseICCID(text)
	if iccid == "" {
		d.logger.Warn("iccid response without iccid", "imei", imei, "text", text)
		return false
	}
	d.logger.Info("iccid stored", "imei", imei, "iccid", iccid)
	return d.save(ctx, store.DeviceKey(imei, "iccid"), iccid)
}
