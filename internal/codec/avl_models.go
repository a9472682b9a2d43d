package codec

import "time"

// Codec IDs que maneja el gateway.
const (
	Codec8E  uint8 = 0x8E
	Codec12  uint8 = 0x0C
	Preamble       = uint32(0)
)

// Width es el tamaño en bytes del valor de un IO element. WidthVariable
// corresponde al grupo NX (id + len + bytes).
type Width uint8

const (
	WidthVariable Width = 0
	Width1        Width = 1
	Width2        Width = 2
	Width4        Width = 4
	Width8        Width = 8
)

// fixedWidths en el orden exacto en que vienen los grupos en el frame.
var fixedWidths = [...]Width{Width1, Width2, Width4, Width8}

func (w Width) String() string {
	switch w {
	case Width1:
		return "1B"
	case Width2:
		return "2B"
	case Width4:
		return "4B"
	case Width8:
		return "8B"
	case WidthVariable:
		return "NX"
	default:
		return "invalid"
	}
}

// Frame es un frame TCP completo ya separado del stream:
// preamble(4B) | dataFieldLength(4B) | Body | crc(4B).
type Frame struct {
	DataFieldLength uint32
	Body            []byte
	CRC             uint32
}

// CodecID devuelve el primer byte del body, o 0 si está vacío.
func (f Frame) CodecID() uint8 {
	if len(f.Body) == 0 {
		return 0
	}
	return f.Body[0]
}

type IOElement struct {
	ID    uint16 `json:"id"`
	Width Width  `json:"width"`
	Value uint64 `json:"val,omitempty"`
	Raw   []byte `json:"raw,omitempty"` // solo para el grupo NX
}

type IOPayload struct {
	EventID    uint16      `json:"event_io_id"`
	TotalCount uint16      `json:"total_io"`
	Elements   []IOElement `json:"io"`
}

type GPSFix struct {
	Longitude    float64 `json:"longitude"`
	Latitude     float64 `json:"latitude"`
	LongitudeRaw int32   `json:"-"`
	LatitudeRaw  int32   `json:"-"`
	Altitude     int16   `json:"altitude"`
	Angle        uint16  `json:"angle"`
	Satellites   uint8   `json:"satellites"`
	Speed        uint16  `json:"speed"`
	Valid        bool    `json:"valid"`
}

// NewGPSFix arma el fix desde los enteros del wire y calcula Valid.
func NewGPSFix(lonRaw, latRaw int32, alt int16, angle uint16, sats uint8, speed uint16) GPSFix {
	return GPSFix{
		Longitude:    float64(lonRaw) / 1e7,
		Latitude:     float64(latRaw) / 1e7,
		LongitudeRaw: lonRaw,
		LatitudeRaw:  latRaw,
		Altitude:     alt,
		Angle:        angle,
		Satellites:   sats,
		Speed:        speed,
		Valid:        FixValid(sats, lonRaw, latRaw),
	}
}

// FixValid: al menos 3 satélites y ambas coordenadas distintas de cero.
func FixValid(sats uint8, lonRaw, latRaw int32) bool {
	return sats >= 3 && lonRaw != 0 && latRaw != 0
}

type AVLRecord struct {
	Timestamp   time.Time `json:"timestamp"`
	TimestampMs uint64    `json:"timestamp_ms"`
	Priority    uint8     `json:"priority"`
	GPS         GPSFix    `json:"gps"`
	IO          IOPayload `json:"io"`
	Telemetry   Telemetry `json:"telemetry"`
}

type Packet struct {
	Preamble          uint32      `json:"preamble"`
	DataFieldLength   uint32      `json:"data_len"`
	CodecID           uint8       `json:"codec_id"`
	RecordCount       uint8       `json:"qty1"`
	Records           []AVLRecord `json:"records"`
	RecordCountRepeat uint8       `json:"qty2"`
	CRC               uint32      `json:"crc"`
}
