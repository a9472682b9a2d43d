// Package fmxxx contiene los IDs de IO element de la familia FMxxx y sus
// nombres estables para métricas.
package fmxxx

import "strconv"

// IDs con semántica en el registro del codec.
const (
	DigitalInputs = 1 // bitfield DIN1..DIN4
	AIn1          = 9
	AIn2          = 10
	ExtVolt       = 66 // mV
	BatteryVolt   = 67 // mV
	DallasTemp1   = 72 // °C + 40
	DallasTemp2   = 73 // °C + 40
	FuelLevel     = 83 // %
	EngineRPM     = 84
)

// IDs frecuentes que viajan sin conversión.
const (
	GSMSignal    = 21
	VehicleSpeed = 24
	TotalOd      = 16
	GnssStatus   = 69
	DataMode     = 80
	BattLevel    = 113
	DOut1        = 179
	GnssPDOP     = 181
	GnssHDOP     = 182
	TripOdometer = 199
	SleepMode    = 200
	GsmCellId    = 205
	GsmAreCode   = 206
	NetworkType  = 237
	Ignition     = 239
	Movement     = 240
	ActiveGsmOPe = 241
	ICCID1       = 219
	ICCID2       = 220
	ICCID3       = 221
)

var names = map[uint16]string{
	DigitalInputs: "digital_inputs",
	AIn1:          "analog_input_1",
	AIn2:          "analog_input_2",
	ExtVolt:       "external_voltage",
	BatteryVolt:   "battery_voltage",
	DallasTemp1:   "temperature_1",
	DallasTemp2:   "temperature_2",
	FuelLevel:     "fuel_level",
	EngineRPM:     "engine_rpm",

	GSMSignal:    "gsm_signal",
	VehicleSpeed: "vehicle_speed",
	TotalOd:      "total_odometer",
	GnssStatus:   "gnss_status",
	DataMode:     "data_mode",
	BattLevel:    "battery_level",
	DOut1:        "digital_output_1",
	GnssPDOP:     "gnss_pdop",
	GnssHDOP:     "gnss_hdop",
	TripOdometer: "trip_odometer",
	SleepMode:    "sleep_mode",
	GsmCellId:    "gsm_cell_id",
	GsmAreCode:   "gsm_area_code",
	NetworkType:  "network_type",
	Ignition:     "ignition_status",
	Movement:     "movement",
	ActiveGsmOPe: "active_gsm_operator",
	ICCID1:       "iccid_part_1",
	ICCID2:       "iccid_part_2",
	ICCID3:       "iccid_part_3",
}

// Name devuelve el nombre estable del id, o "io_<id>" si no se conoce.
func Name(id uint16) string {
	if n, ok := names[id]; ok {
		return n
	}
	return "io_" + strconv.Itoa(int(id))
}

// Known indica si el id tiene nombre asignado.
func Known(id uint16) bool {
	_, ok := names[id]
	return ok
}
