package codec

import "avl-svr/internal/codec/fmxxx"

type DigitalInputs struct {
	Ignition bool `json:"ignition"`
	Input2   bool `json:"input2"`
	Input3   bool `json:"input3"`
	Input4   bool `json:"input4"`
}

// Telemetry es la vista semántica de un IOPayload. Los campos nil no venían
// en el record. Unknown conserva tal cual los ids sin entrada en el registro.
type Telemetry struct {
	DigitalInputs   *DigitalInputs `json:"digital_inputs,omitempty"`
	AnalogInput1    *uint64        `json:"analog_input_1,omitempty"`
	AnalogInput2    *uint64        `json:"analog_input_2,omitempty"`
	ExternalVoltage *float64       `json:"external_voltage,omitempty"`
	BatteryVoltage  *float64       `json:"battery_voltage,omitempty"`
	FuelLevel       *uint64        `json:"fuel_level,omitempty"`
	Temperature1    *float64       `json:"temperature_1,omitempty"`
	Temperature2    *float64       `json:"temperature_2,omitempty"`
	RPM             *uint64        `json:"engine_rpm,omitempty"`
	EngineRunning   bool           `json:"engine_running"`
	Unknown         []IOElement    `json:"unknown,omitempty"`
}

type accessor func(t *Telemetry, v uint64)

func millivolts(v uint64) *float64 {
	f := float64(v) / 1000
	return &f
}

func biasedCelsius(v uint64) *float64 {
	f := float64(v) - 40
	return &f
}

func uintPtr(v uint64) *uint64 { return &v }

// ioRegistry es de solo lectura después de init; lo comparten todas las sesiones.
var ioRegistry = map[uint16]accessor{
	fmxxx.DigitalInputs: func(t *Telemetry, v uint64) {
		t.DigitalInputs = &DigitalInputs{
			Ignition: v&0x01 != 0,
			Input2:   v&0x02 != 0,
			Input3:   v&0x04 != 0,
			Input4:   v&0x08 != 0,
		}
	},
	fmxxx.AIn1:        func(t *Telemetry, v uint64) { t.AnalogInput1 = uintPtr(v) },
	fmxxx.AIn2:        func(t *Telemetry, v uint64) { t.AnalogInput2 = uintPtr(v) },
	fmxxx.ExtVolt:     func(t *Telemetry, v uint64) { t.ExternalVoltage = millivolts(v) },
	fmxxx.BatteryVolt: func(t *Telemetry, v uint64) { t.BatteryVoltage = millivolts(v) },
	fmxxx.FuelLevel:   func(t *Telemetry, v uint64) { t.FuelLevel = uintPtr(v) },
	fmxxx.DallasTemp1: func(t *Telemetry, v uint64) { t.Temperature1 = biasedCelsius(v) },
	fmxxx.DallasTemp2: func(t *Telemetry, v uint64) { t.Temperature2 = biasedCelsius(v) },
	fmxxx.EngineRPM:   func(t *Telemetry, v uint64) { t.RPM = uintPtr(v) },
}

// Interpret resuelve cada elemento contra el registro. Un id conocido que
// llega en el grupo NX no tiene valor numérico y queda como desconocido.
func Interpret(elems []IOElement) Telemetry {
	var t Telemetry
	for _, e := range elems {
		if fn, ok := ioRegistry[e.ID]; ok && e.Width != WidthVariable {
			fn(&t, e.Value)
			continue
		}
		t.Unknown = append(t.Unknown, e)
	}
	t.EngineRunning = t.DigitalInputs != nil && t.DigitalInputs.Ignition &&
		t.RPM != nil && *t.RPM > 0
	return t
}

// Metrics aplana la telemetría a nombre → valor. Los desconocidos de ancho
// fijo se incluyen con su valor crudo; los NX se omiten.
func (t Telemetry) Metrics() map[string]float64 {
	out := make(map[string]float64, 12+len(t.Unknown))
	if d := t.DigitalInputs; d != nil {
		out["ignition"] = boolToFloat(d.Ignition)
		out["input2"] = boolToFloat(d.Input2)
		out["input3"] = boolToFloat(d.Input3)
		out["input4"] = boolToFloat(d.Input4)
	}
	putU := func(id uint16, v *uint64) {
		if v != nil {
			out[fmxxx.Name(id)] = float64(*v)
		}
	}
	putF := func(id uint16, v *float64) {
		if v != nil {
			out[fmxxx.Name(id)] = *v
		}
	}
	putU(fmxxx.AIn1, t.AnalogInput1)
	putU(fmxxx.AIn2, t.AnalogInput2)
	putF(fmxxx.ExtVolt, t.ExternalVoltage)
	putF(fmxxx.BatteryVolt, t.BatteryVoltage)
	putU(fmxxx.FuelLevel, t.FuelLevel)
	putF(fmxxx.DallasTemp1, t.Temperature1)
	putF(fmxxx.DallasTemp2, t.Temperature2)
	putU(fmxxx.EngineRPM, t.RPM)
	out["engine_running"] = boolToFloat(t.EngineRunning)

	for _, e := range t.Unknown {
		if e.Width == WidthVariable {
			continue
		}
		out[fmxxx.Name(e.ID)] = float64(e.Value)
	}
	return out
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
