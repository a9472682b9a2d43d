package pipeline

type TrackingObject struct {
	IMEI     string `json:"imei"`
	Model    string `json:"model,omitempty"`
	FWVer    string `json:"fw_ver,omitempty"`
	Datetime string `json:"dt"`

	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
	Alt  int     `json:"alt"`
	Spd  int     `json:"spd"`
	Crs  int     `json:"crs"`
	Sats int     `json:"sats"`

	Priority int `json:"priority"`
	EventID  int `json:"event_io_id"`

	PermIO map[string]float64 `json:"perm_io"`

	MsgType int `json:"msg_type"` // 1=live, 0=buffer
	Fix     int `json:"fix"`      // 1 si el fix es válido y las coords están en rango
}
