package link

// DeviceState es el tipo de evento de presencia que se manda al proxy.
type DeviceState int

const (
	DeviceStateUnknown    DeviceState = iota
	DeviceStateConnect                // device_connect: true
	DeviceStateUpdate                 // device_update: true
	DeviceStateDisconnect             // device_disconnect: true
)

func (s DeviceState) String() string {
	switch s {
	case DeviceStateConnect:
		return "device_connect"
	case DeviceStateUpdate:
		return "device_update"
	case DeviceStateDisconnect:
		return "device_disconnect"
	default:
		return "unknown"
	}
}

// DeviceInfo es la vista "estática" del dispositivo que se envía al proxy.
type DeviceInfo struct {
	IMEI       string
	FWVer      string
	Model      string
	ICCID      string
	RemoteIP   string
	RemotePort int
	State      DeviceState
}

type presencePayload struct {
	DeviceConnect    bool   `json:"device_connect,omitempty"`
	DeviceUpdate     bool   `json:"device_update,omitempty"`
	DeviceDisconnect bool   `json:"device_disconnect,omitempty"`
	IMEI             string `json:"imei"`
	FWVer            string `json:"fw_ver,omitempty"`
	Model            string `json:"model,omitempty"`
	ICCID            string `json:"iccid,omitempty"`
	RemoteIP         string `json:"remote_ip,omitempty"`
	RemotePort       int    `json:"remote_port,omitempty"`
}

func (d DeviceInfo) payload() presencePayload {
	p := presencePayload{
		IMEI:       d.IMEI,
		FWVer:      d.FWVer,
		Model:      d.Model,
		ICCID:      d.ICCID,
		RemoteIP:   d.RemoteIP,
		RemotePort: d.RemotePort,
	}
	switch d.State {
	case DeviceStateConnect:
		p.DeviceConnect = true
	case DeviceStateUpdate:
		p.DeviceUpdate = true
		p.RemoteIP, p.RemotePort = "", 0
	case DeviceStateDisconnect:
		p.DeviceDisconnect = true
		p.FWVer, p.Model, p.ICCID = "", "", ""
	}
	return p
}
