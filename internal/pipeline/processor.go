package pipeline

import (
	"time"

	"avl-svr/internal/codec"
)

// liveWindow: un record más viejo que esto se considera del buffer del equipo.
const liveWindow = 120 * time.Second

func coordsValid(lat, lon float64) bool {
	if lat == 0 && lon == 0 {
		return false
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return false
	}
	return true
}

func CalcFix(gps codec.GPSFix) int {
	if gps.Valid && coordsValid(gps.Latitude, gps.Longitude) {
		return 1
	}
	return 0
}

func DecideMsgType(isBatch bool, ts, now time.Time) int {
	if isBatch {
		return 0
	}
	if !ts.IsZero() && now.Sub(ts) > liveWindow {
		return 0
	}
	return 1
}

// DeviceMeta es la info estática del equipo que acompaña cada tracking.
type DeviceMeta struct {
	Model string
	FWVer string
}

func BuildTracking(imei string, rec codec.AVLRecord, meta DeviceMeta, msgType int) *TrackingObject {
	return &TrackingObject{
		IMEI:     imei,
		Model:    meta.Model,
		FWVer:    meta.FWVer,
		Datetime: rec.Timestamp.UTC().Format(time.RFC3339),
		Lat:      rec.GPS.Latitude,
		Lon:      rec.GPS.Longitude,
		Alt:      int(rec.GPS.Altitude),
		Spd:      int(rec.GPS.Speed),
		Crs:      int(rec.GPS.Angle),
		Sats:     int(rec.GPS.Satellites),
		Priority: int(rec.Priority),
		EventID:  int(rec.IO.EventID),
		PermIO:   rec.Telemetry.Metrics(),
		MsgType:  msgType,
		Fix:      CalcFix(rec.GPS),
	}
}

// BuildBatch convierte un batch decodificado; un batch de más de un record
// viene del buffer del equipo.
func BuildBatch(imei string, records []codec.AVLRecord, meta DeviceMeta, now time.Time) []*TrackingObject {
	out := make([]*TrackingObject, 0, len(records))
	isBatch := len(records) > 1
	for _, rec := range records {
		out = append(out, BuildTracking(imei, rec, meta, DecideMsgType(isBatch, rec.Timestamp, now)))
	}
	return out
}
