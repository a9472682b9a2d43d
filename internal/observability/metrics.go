package observability

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TCPConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avl_tcp_connections_total",
		Help: "Total de conexiones TCP aceptadas",
	})
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "avl_active_sessions",
		Help: "Sesiones de equipos autenticadas y abiertas",
	})
	HandshakeOK = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avl_handshake_ok_total",
		Help: "Total de handshakes IMEI ok",
	})
	HandshakeRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avl_handshake_rejected_total",
		Help: "Total de handshakes IMEI rechazados",
	})
	PacketsRecv = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avl_packets_received_total",
		Help: "Total de paquetes AVL recibidos (frames)",
	})
	RecordsAck = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avl_records_ack_total",
		Help: "Total de registros AVL confirmados (ACK al equipo)",
	})
	ParseErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avl_parse_errors_total",
		Help: "Errores de framing/decode por tipo",
	}, []string{"kind"})
	IngestErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avl_ingest_errors_total",
		Help: "Batches decodificados que la ingesta no aceptó",
	})
	SessionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avl_sessions_closed_total",
		Help: "Sesiones cerradas por motivo",
	}, []string{"reason"})
	RedisSetErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avl_redis_set_errors_total",
		Help: "Errores al escribir estados en Redis",
	})
	SinkErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avl_sink_errors_total",
		Help: "Errores publicando tracking por sink",
	}, []string{"sink"})
	CommandsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avl_commands_sent_total",
		Help: "Comandos Codec 12 enviados",
	}, []string{"cmd"})
	ParseLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "avl_parse_latency_seconds",
		Help:    "Latencia del parseo por frame",
		Buckets: prometheus.DefBuckets,
	})
)

func ObserveParseLatency(start time.Time) {
	ParseLatency.Observe(time.Since(start).Seconds())
}

// NewMetricsHandler expone /metrics y /healthz.
func NewMetricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// StartMetricsServer bloquea hasta que ctx termina.
func StartMetricsServer(ctx context.Context, port string) error {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           NewMetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
