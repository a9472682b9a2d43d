package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"avl-svr/internal/codec"
	"avl-svr/internal/observability"
)

// Sink es un destino de trackings (redis, gRPC, proxy).
type Sink interface {
	Name() string
	Publish(ctx context.Context, batch []*TrackingObject) error
}

// MetaSource resuelve modelo/firmware ya conocidos del equipo.
type MetaSource interface {
	DeviceMeta(ctx context.Context, imei string) DeviceMeta
}

type sinkEntry struct {
	sink     Sink
	required bool
}

// Fanout es el colaborador de ingesta de las sesiones: arma los trackings y
// los publica en cada sink. Si un sink requerido falla, Ingest devuelve
// error y la sesión no manda ACK; los opcionales solo se loguean.
type Fanout struct {
	sinks  []sinkEntry
	meta   MetaSource
	logger *slog.Logger
	now    func() time.Time
}

func NewFanout(meta MetaSource, lg *slog.Logger) *Fanout {
	if lg == nil {
		lg = slog.Default()
	}
	return &Fanout{meta: meta, logger: lg.With("component", "pipeline"), now: time.Now}
}

// Require agrega un sink cuyo fallo rechaza el batch.
func (f *Fanout) Require(s Sink) *Fanout {
	f.sinks = append(f.sinks, sinkEntry{sink: s, required: true})
	return f
}

// BestEffort agrega un sink cuyo fallo no afecta el ACK.
func (f *Fanout) BestEffort(s Sink) *Fanout {
	f.sinks = append(f.sinks, sinkEntry{sink: s})
	return f
}

func (f *Fanout) Ingest(ctx context.Context, imei string, records []codec.AVLRecord) error {
	if len(records) == 0 {
		return nil
	}
	var meta DeviceMeta
	if f.meta != nil {
		meta = f.meta.DeviceMeta(ctx, imei)
	}
	batch := BuildBatch(imei, records, meta, f.now())

	var errs []error
	for _, e := range f.sinks {
		if err := e.sink.Publish(ctx, batch); err != nil {
			observability.SinkErrors.WithLabelValues(e.sink.Name()).Inc()
			if e.required {
				errs = append(errs, fmt.Errorf("%s: %w", e.sink.Name(), err))
				continue
			}
			f.logger.Warn("best-effort sink failed", "sink", e.sink.Name(), "imei", imei, "err", err)
		}
	}
	return errors.Join(errs...)
}
