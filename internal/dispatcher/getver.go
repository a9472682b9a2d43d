package dispatcher

import (
	"context"
	"regexp"
	"strings"

	"avl-svr/internal/store"
)

var (
	reVer  = regexp.MustCompile(`(?i)\bver:([^\s]+(?:\s+Rev:?\s*\d+)?)`)
	reHw   = regexp.MustCompile(`(?i)\bhw:([A-Za-z0-9_-]+)`)
	reIMEI = regexp.MustCompile(`(?i)\bimei:([0-9]{14,17})`)
)

type DeviceVersion struct {
	IMEI     string
	Model    string
	Firmware string
	Raw      string
}

// ParseGetVer extrae fw/modelo de la respuesta a getver. Si la respuesta
// trae su propio IMEI, manda ese.
func ParseGetVer(imei, text string) DeviceVersion {
	dv := DeviceVersion{IMEI: imei, Raw: text}
	if m := reVer.FindStringSubmatch(text); len(m) > 1 {
		dv.Firmware = strings.TrimSpace(m[1])
	}
	if m := reHw.FindStringSubmatch(text); len(m) > 1 {
		dv.Model = strings.TrimSpace(m[1])
	}
	if m := reIMEI.FindStringSubmatch(text); len(m) > 1 {
		dv.IMEI = strings.TrimSpace(m[1])
	}
	return dv
}

func (d *Dispatcher) handleGetVer(ctx context.Context, imei, text string) bool {
	dv := ParseGetVer(imei, text)
	d.logger.Info("getver", "imei", dv.IMEI, "model", dv.Model, "fw", dv.Firmware)

	changed := false
	if dv.Firmware != "" {
		changed = d.save(ctx, store.DeviceKey(dv.IMEI, "fw"), dv.Firmware) || changed
	}
	if dv.Model != "" {
		changed = d.save(ctx, store.DeviceKey(dv.IMEI, "model"), dv.Model) || changed
	}
	d.save(ctx, store.DeviceKey(dv.IMEI, "getver_raw"), dv.Raw)
	return changed
}
