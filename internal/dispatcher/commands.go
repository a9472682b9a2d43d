package dispatcher

import (
	"context"
	"time"

	"avl-svr/internal/codec"
	"avl-svr/internal/store"
)

// Command es un comando Codec 12 que el server manda por su cuenta para
// completar los datos del equipo.
type Command struct {
	Name             string
	Text             string
	DailyLimit       int
	SessionLimit     int
	MinRetryInterval time.Duration
	// NeedsRun decide si el dato que el comando trae todavía falta.
	NeedsRun func(ctx context.Context, st Store, imei string) bool
}

func (c Command) frame() ([]byte, error) {
	return codec.EncodeCommand(codec.Command{Name: c.Name, Text: c.Text})
}

func missing(fields ...string) func(ctx context.Context, st Store, imei string) bool {
	return func(ctx context.Context, st Store, imei string) bool {
		for _, f := range fields {
			if st.GetString(ctx, store.DeviceKey(imei, f)) == "" {
				return true
			}
		}
		return false
	}
}

// DefaultCommands: getver primero; el ICCID por getimeiccid y, si el equipo
// no lo soporta, por getparam de los IO 219..221.
func DefaultCommands() []Command {
	return []Command{
		{
			Name:             "getver",
			Text:             "getver",
			DailyLimit:       3,
			SessionLimit:     1,
			MinRetryInterval: 10 * time.Minute,
			NeedsRun:         missing("fw", "model"),
		},
		{
			Name:             "iccid_primary",
			Text:             "getimeiccid",
			DailyLimit:       2,
			SessionLimit:     1,
			MinRetryInterval: 10 * time.Minute,
			NeedsRun:         missing("iccid"),
		},
		{
			Name:             "iccid_fallback",
			Text:             "getparam 219;220;221",
			DailyLimit:       2,
			SessionLimit:     1,
			MinRetryInterval: 10 * time.Minute,
			NeedsRun:         missing("iccid"),
		},
	}
}
