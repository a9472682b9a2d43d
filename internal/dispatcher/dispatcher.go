package dispatcher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"avl-svr/internal/codec"
	"avl-svr/internal/observability"
)

// Store es lo que el dispatcher necesita de redis.
type Store interface {
	GetString(ctx context.Context, key string) string
	SetString(ctx context.Context, key, val string) error
	IncDailyCmdCounter(ctx context.Context, imei, cmd string, limit int) (bool, int, error)
}

// UpdateFunc se llama cuando una respuesta cambió fw/model/iccid del equipo.
type UpdateFunc func(imei string)

type perCmdState struct {
	SessionCount int
	LastAttempt  time.Time
}

type Dispatcher struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time

	cmdMu    sync.RWMutex
	registry map[string]Command
	order    []string

	stateMu  sync.Mutex
	cmdState map[string]map[string]*perCmdState

	onUpdate UpdateFunc
}

func New(st Store, lg *slog.Logger, cmds ...Command) *Dispatcher {
	if lg == nil {
		lg = slog.Default()
	}
	d := &Dispatcher{
		store:    st,
		logger:   lg.With("component", "dispatcher"),
		now:      time.Now,
		registry: make(map[string]Command),
		cmdState: make(map[string]map[string]*perCmdState),
	}
	for _, c := range cmds {
		d.Register(c)
	}
	return d
}

// OnUpdate registra el aviso de cambio de metadatos (p. ej. device_update al proxy).
func (d *Dispatcher) OnUpdate(fn UpdateFunc) { d.onUpdate = fn }

func (d *Dispatcher) Register(c Command) {
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()
	if _, ok := d.registry[c.Name]; !ok {
		d.order = append(d.order, c.Name)
	}
	d.registry[c.Name] = c
}

func (d *Dispatcher) getCmd(name string) (Command, bool) {
	d.cmdMu.RLock()
	defer d.cmdMu.RUnlock()
	c, ok := d.registry[name]
	return c, ok
}

func (d *Dispatcher) getState(imei, cmd string) *perCmdState {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	if d.cmdState[imei] == nil {
		d.cmdState[imei] = make(map[string]*perCmdState)
	}
	st, ok := d.cmdState[imei][cmd]
	if !ok {
		st = &perCmdState{}
		d.cmdState[imei][cmd] = st
	}
	return st
}

// Forget descarta el estado por sesión del equipo al desconectarse.
func (d *Dispatcher) Forget(imei string) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	delete(d.cmdState, imei)
}

// ScheduleAll intenta cada comando registrado, en orden de registro.
func (d *Dispatcher) ScheduleAll(ctx context.Context, imei string, w io.Writer) int {
	d.cmdMu.RLock()
	names := append([]string(nil), d.order...)
	d.cmdMu.RUnlock()

	sent := 0
	for _, name := range names {
		if d.TrySchedule(ctx, imei, name, w) {
			sent++
		}
	}
	return sent
}

// TrySchedule manda el comando si hace falta y los límites lo permiten.
func (d *Dispatcher) TrySchedule(ctx context.Context, imei, name string, w io.Writer) bool {
	cmd, ok := d.getCmd(name)
	if !ok {
		d.logger.Warn("unknown command", "cmd", name)
		return false
	}
	if cmd.NeedsRun != nil && !cmd.NeedsRun(ctx, d.store, imei) {
		return false
	}

	st := d.getState(imei, name)
	now := d.now()
	count, prev, ok := d.reserve(st, cmd, now)
	if !ok {
		return false
	}

	// redis y el equipo se tocan sin stateMu
	allowed, daily, err := d.store.IncDailyCmdCounter(ctx, imei, name, cmd.DailyLimit)
	if err != nil {
		d.logger.Warn("daily counter failed", "cmd", name, "imei", imei, "err", err)
		d.release(st, prev)
		return false
	}
	if !allowed {
		d.release(st, prev)
		return false
	}

	frame, err := cmd.frame()
	if err != nil {
		d.logger.Error("command encode failed", "cmd", name, "err", err)
		d.release(st, prev)
		return false
	}
	if _, err := w.Write(frame); err != nil {
		d.logger.Error("command send failed", "cmd", name, "imei", imei, "err", err)
		d.release(st, prev)
		return false
	}

	observability.CommandsSent.WithLabelValues(name).Inc()
	d.logger.Info("command sent", "cmd", name, "imei", imei, "session", count, "daily", daily)
	return true
}

// reserve aplica los límites por sesión y reintento y aparta el envío.
func (d *Dispatcher) reserve(st *perCmdState, cmd Command, now time.Time) (int, time.Time, bool) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	if cmd.SessionLimit > 0 && st.SessionCount >= cmd.SessionLimit {
		return 0, time.Time{}, false
	}
	if !st.LastAttempt.IsZero() && now.Sub(st.LastAttempt) < cmd.MinRetryInterval {
		return 0, time.Time{}, false
	}
	prev := st.LastAttempt
	st.SessionCount++
	st.LastAttempt = now
	return st.SessionCount, prev, true
}

// release deshace reserve cuando el envío no salió.
func (d *Dispatcher) release(st *perCmdState, prev time.Time) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	st.SessionCount--
	st.LastAttempt = prev
}

// Send manda un comando libre (p. ej. pedido por el proxy) sin límites.
func (d *Dispatcher) Send(imei, text string, w io.Writer) error {
	frame, err := codec.EncodeCommand(codec.Command{Name: text, Text: text})
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("send %q to %s: %w", text, imei, err)
	}
	observability.CommandsSent.WithLabelValues("adhoc").Inc()
	return nil
}

// HandleResponse rutea la respuesta Codec 12 según su contenido.
func (d *Dispatcher) HandleResponse(imei string, resp codec.CommandResponse) {
	ctx := context.Background()
	text := resp.Text
	lower := strings.ToLower(text)

	var changed bool
	switch {
	case strings.Contains(lower, "ver:") || strings.Contains(lower, "hw:"):
		changed = d.handleGetVer(ctx, imei, text)
	case strings.Contains(lower, "iccid") || strings.Contains(lower, "param values"):
		changed = d.handleICCID(ctx, imei, text)
	default:
		d.logger.Info("command response", "imei", imei, "text", text)
	}
	if changed && d.onUpdate != nil {
		d.onUpdate(imei)
	}
}

func (d *Dispatcher) save(ctx context.Context, key, val string) bool {
	if err := d.store.SetString(ctx, key, val); err != nil {
		d.logger.Warn("store save failed", "key", key, "err", err)
		return false
	}
	return true
}
