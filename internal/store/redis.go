package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"avl-svr/internal/observability"
	"avl-svr/internal/pipeline"
)

// AllowedSet es el set de IMEIs autorizados cuando no se aceptan desconocidos.
const AllowedSet = "devices:allowed"

const (
	lastTTL    = 24 * time.Hour
	counterTTL = 48 * time.Hour
)

func DeviceKey(imei, field string) string { return "dev:" + imei + ":" + field }

func TrackingChannel(imei string) string { return "tracking:" + imei }

func dailyCounterKey(imei, cmd string, day time.Time) string {
	return "cmd:" + imei + ":" + cmd + ":" + day.UTC().Format("20060102")
}

// Redis agrupa lo que el server guarda por equipo: autorización, último
// tracking, metadatos (fw/model/iccid) y contadores de comandos.
type Redis struct {
	rdb          *redis.Client
	allowUnknown bool
	logger       *slog.Logger
	now          func() time.Time
}

func NewRedis(ctx context.Context, addr string, db int, allowUnknown bool, lg *slog.Logger) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return newRedis(rdb, allowUnknown, lg), nil
}

func newRedis(rdb *redis.Client, allowUnknown bool, lg *slog.Logger) *Redis {
	if lg == nil {
		lg = slog.Default()
	}
	return &Redis{rdb: rdb, allowUnknown: allowUnknown, logger: lg.With("component", "redis"), now: time.Now}
}

func (r *Redis) Close() error { return r.rdb.Close() }

func (r *Redis) Name() string { return "redis" }

// Authorize acepta cualquier IMEI si allowUnknown; si no, exige que esté en AllowedSet.
func (r *Redis) Authorize(ctx context.Context, imei string) (bool, error) {
	if r.allowUnknown {
		return true, nil
	}
	ok, err := r.rdb.SIsMember(ctx, AllowedSet, imei).Result()
	if err != nil {
		return false, fmt.Errorf("redis SISMEMBER %s: %w", AllowedSet, err)
	}
	return ok, nil
}

// Publish guarda el último tracking de cada equipo y lo publica en su canal.
func (r *Redis) Publish(ctx context.Context, batch []*pipeline.TrackingObject) error {
	if len(batch) == 0 {
		return nil
	}
	pipe := r.rdb.Pipeline()
	for _, tr := range batch {
		b, err := json.Marshal(tr)
		if err != nil {
			return fmt.Errorf("marshal tracking %s: %w", tr.IMEI, err)
		}
		pipe.Publish(ctx, TrackingChannel(tr.IMEI), b)
	}
	last := batch[len(batch)-1]
	b, _ := json.Marshal(last)
	key := DeviceKey(last.IMEI, "last")
	pipe.Set(ctx, key, b, lastTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		observability.RedisSetErrors.Inc()
		return fmt.Errorf("redis publish %s: %w", key, err)
	}
	return nil
}

// GetString devuelve "" si la clave no existe o redis falla.
func (r *Redis) GetString(ctx context.Context, key string) string {
	val, err := r.rdb.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			r.logger.Warn("redis GET failed", "key", key, "err", err)
		}
		return ""
	}
	return val
}

func (r *Redis) SetString(ctx context.Context, key, val string) error {
	if err := r.rdb.Set(ctx, key, val, 0).Err(); err != nil {
		observability.RedisSetErrors.Inc()
		return fmt.Errorf("redis SET %s: %w", key, err)
	}
	return nil
}

// IncDailyCmdCounter incrementa el contador diario del comando y reporta si
// sigue dentro de limit. limit <= 0 es sin límite.
func (r *Redis) IncDailyCmdCounter(ctx context.Context, imei, cmd string, limit int) (bool, int, error) {
	key := dailyCounterKey(imei, cmd, r.now())
	pipe := r.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, counterTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("redis INCR %s: %w", key, err)
	}
	n := int(incr.Val())
	return limit <= 0 || n <= limit, n, nil
}

func (r *Redis) DeviceMeta(ctx context.Context, imei string) pipeline.DeviceMeta {
	vals, err := r.rdb.MGet(ctx, DeviceKey(imei, "model"), DeviceKey(imei, "fw")).Result()
	if err != nil {
		r.logger.Warn("redis MGET failed", "imei", imei, "err", err)
		return pipeline.DeviceMeta{}
	}
	var meta pipeline.DeviceMeta
	if s, ok := vals[0].(string); ok {
		meta.Model = s
	}
	if s, ok := vals[1].(string); ok {
		meta.FWVer = s
	}
	return meta
}
