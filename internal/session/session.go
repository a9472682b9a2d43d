// Package session implementa la máquina de estados por conexión de un equipo:
// handshake de IMEI y luego el ciclo decode/ACK sobre frames Codec 8 Extended.
//
// Session no conoce la red: Handle recibe los bytes leídos y devuelve los
// bytes a escribir. Todo lo de una sesión es secuencial; sesiones distintas
// son independientes.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"avl-svr/internal/codec"
	"avl-svr/internal/framing"
	"avl-svr/internal/observability"
)

var (
	ErrIdentificationRejected = errors.New("session: identification rejected")
	ErrTooManyFailures        = errors.New("session: too many consecutive decode failures")
	ErrClosedByTransport      = errors.New("session: closed by transport")
)

// Respuestas al frame de identificación.
const (
	replyAccept byte = 0x01
	replyReject byte = 0x00
)

// Authenticator decide si un IMEI puede abrir sesión.
type Authenticator interface {
	Authorize(ctx context.Context, imei string) (bool, error)
}

// AuthorizeFunc adapta una función a Authenticator.
type AuthorizeFunc func(ctx context.Context, imei string) (bool, error)

func (f AuthorizeFunc) Authorize(ctx context.Context, imei string) (bool, error) {
	return f(ctx, imei)
}

// AcceptAll acepta cualquier IMEI con formato válido.
var AcceptAll = AuthorizeFunc(func(context.Context, string) (bool, error) { return true, nil })

// Ingestor recibe los records de un batch decodificado. Solo si devuelve nil
// se manda el ACK; con error el equipo retransmite el batch.
type Ingestor interface {
	Ingest(ctx context.Context, imei string, records []codec.AVLRecord) error
}

// IngestFunc adapta una función a Ingestor.
type IngestFunc func(ctx context.Context, imei string, records []codec.AVLRecord) error

func (f IngestFunc) Ingest(ctx context.Context, imei string, records []codec.AVLRecord) error {
	return f(ctx, imei, records)
}

// ResponseHandler recibe las respuestas Codec 12 a comandos enviados.
type ResponseHandler interface {
	HandleResponse(imei string, resp codec.CommandResponse)
}

type Config struct {
	Limits framing.Limits
	// MaxConsecutiveFailures cierra la sesión tras N batches seguidos sin ACK.
	// 0 deshabilita el límite.
	MaxConsecutiveFailures int
}

func DefaultConfig() Config {
	return Config{
		Limits:                 framing.DefaultLimits(),
		MaxConsecutiveFailures: 5,
	}
}

type Option func(*Session)

func WithLogger(lg *slog.Logger) Option {
	return func(s *Session) { s.logger = lg }
}

func WithResponseHandler(h ResponseHandler) Option {
	return func(s *Session) { s.responses = h }
}

func WithStateChangeHandler(h StateChangeHandler) Option {
	return func(s *Session) { s.handlers = append(s.handlers, h) }
}

func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

type Session struct {
	cfg       Config
	reader    *framing.Reader
	auth      Authenticator
	ingest    Ingestor
	responses ResponseHandler
	handlers  []StateChangeHandler
	logger    *slog.Logger
	now       func() time.Time

	state atomic.Uint32

	mu           sync.Mutex
	imei         string
	lastActivity time.Time
	closeErr     error

	failures atomic.Int32
}

func New(cfg Config, auth Authenticator, ingest Ingestor, opts ...Option) *Session {
	s := &Session{
		cfg:    cfg,
		reader: framing.NewReader(cfg.Limits),
		auth:   auth,
		ingest: ingest,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.auth == nil {
		s.auth = AcceptAll
	}
	s.lastActivity = s.now()
	s.state.Store(uint32(AwaitingIdentification))
	return s
}

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) IMEI() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.imei
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// CloseErr devuelve el motivo del cierre, nil si sigue abierta.
func (s *Session) CloseErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// ConsecutiveFailures cuenta batches seguidos sin ACK.
func (s *Session) ConsecutiveFailures() int { return int(s.failures.Load()) }

// Handle procesa un chunk recibido y devuelve lo que hay que escribirle al
// equipo (respuesta de identificación y/o ACKs). Un error distinto de nil
// significa que la sesión quedó Closed y la conexión debe cerrarse, pero
// aun así hay que escribir reply (p.ej. el byte de rechazo).
func (s *Session) Handle(ctx context.Context, chunk []byte) (reply []byte, err error) {
	if s.State() == Closed {
		s.logger.Debug("dropping bytes on closed session", "bytes", len(chunk))
		return nil, nil
	}
	s.touch()
	s.reader.Feed(chunk)

	if s.State() == AwaitingIdentification {
		imei, ok, err := s.reader.NextIdentification()
		if err != nil {
			s.close(err)
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		if err := s.identify(ctx, imei); err != nil {
			s.reader.Discard()
			s.close(err)
			return []byte{replyReject}, err
		}
		reply = append(reply, replyAccept)
	}

	for {
		f, ok, err := s.reader.Next()
		if err != nil {
			observability.ParseErrors.WithLabelValues(codec.ErrorKind(err)).Inc()
			s.close(err)
			return reply, err
		}
		if !ok {
			return reply, nil
		}
		if s.State() == Authenticated {
			s.transition(Streaming)
		}
		out, err := s.handleFrame(ctx, f)
		reply = append(reply, out...)
		if err != nil {
			return reply, err
		}
	}
}

// Close cierra la sesión desde el transporte (EOF, idle, shutdown).
func (s *Session) Close(reason error) {
	if reason == nil {
		reason = ErrClosedByTransport
	}
	s.close(reason)
}

func (s *Session) identify(ctx context.Context, imei string) error {
	if !ValidIMEI(imei) {
		observability.HandshakeRejected.Inc()
		return fmt.Errorf("%w: malformed imei %q", ErrIdentificationRejected, imei)
	}
	ok, err := s.auth.Authorize(ctx, imei)
	if err != nil {
		observability.HandshakeRejected.Inc()
		return fmt.Errorf("%w: imei %s: %w", ErrIdentificationRejected, imei, err)
	}
	if !ok {
		observability.HandshakeRejected.Inc()
		return fmt.Errorf("%w: imei %s not allowed", ErrIdentificationRejected, imei)
	}

	s.mu.Lock()
	s.imei = imei
	s.mu.Unlock()
	s.logger = s.logger.With("imei", imei)

	observability.HandshakeOK.Inc()
	s.transition(Authenticated)
	return nil
}

func (s *Session) handleFrame(ctx context.Context, f codec.Frame) ([]byte, error) {
	if f.CodecID() == codec.Codec12 {
		s.handleCommandResponse(f)
		return nil, nil
	}

	observability.PacketsRecv.Inc()
	start := time.Now()
	p, err := codec.Decode(f)
	observability.ObserveParseLatency(start)
	if err != nil {
		observability.ParseErrors.WithLabelValues(codec.ErrorKind(err)).Inc()
		return nil, s.fail(err)
	}

	if err := s.ingest.Ingest(ctx, s.IMEI(), p.Records); err != nil {
		observability.IngestErrors.Inc()
		return nil, s.fail(fmt.Errorf("ingest: %w", err))
	}

	s.failures.Store(0)
	observability.RecordsAck.Add(float64(len(p.Records)))
	s.logger.Debug("batch accepted", "records", len(p.Records), "data_len", p.DataFieldLength)
	return codec.EncodeAck(len(p.Records)), nil
}

func (s *Session) handleCommandResponse(f codec.Frame) {
	resp, err := codec.ParseCommandResponse(f)
	if err != nil {
		s.logger.Warn("invalid command response", "err", err)
		return
	}
	s.logger.Info("command response", "text", resp.Text)
	if s.responses != nil {
		s.responses.HandleResponse(s.IMEI(), resp)
	}
}

// fail registra un batch sin ACK. Devuelve error solo cuando se alcanza el
// límite de fallas consecutivas y la sesión queda cerrada.
func (s *Session) fail(cause error) error {
	n := int(s.failures.Add(1))
	s.logger.Warn("batch rejected, no ack",
		"err", cause,
		"kind", codec.ErrorKind(cause),
		"consecutive_failures", n,
	)
	if s.cfg.MaxConsecutiveFailures > 0 && n >= s.cfg.MaxConsecutiveFailures {
		err := fmt.Errorf("%w: %d in a row, last: %w", ErrTooManyFailures, n, cause)
		s.close(err)
		return err
	}
	return nil
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = s.now()
	s.mu.Unlock()
}

func (s *Session) close(reason error) {
	if s.State() == Closed {
		return
	}
	s.reader.Discard()
	s.mu.Lock()
	s.closeErr = reason
	s.mu.Unlock()
	s.logger.Info("session closed", "reason", reason)
	s.transition(Closed)
}

func (s *Session) transition(next State) {
	prev := s.State()
	if !canTransition(prev, next) {
		s.logger.Error("invalid session transition", "from", prev, "to", next)
		return
	}
	s.state.Store(uint32(next))
	for _, h := range s.handlers {
		h(s, prev, next)
	}
}

// ValidIMEI acepta de 14 a 17 dígitos ASCII (IMEI con o sin dígito de control, IMEISV).
func ValidIMEI(imei string) bool {
	if len(imei) < 14 || len(imei) > 17 {
		return false
	}
	for i := 0; i < len(imei); i++ {
		if imei[i] < '0' || imei[i] > '9' {
			return false
		}
	}
	return true
}
