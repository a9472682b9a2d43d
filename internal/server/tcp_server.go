package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"avl-svr/internal/codec"
	"avl-svr/internal/observability"
	"avl-svr/internal/session"
)

var (
	ErrIdleTimeout    = errors.New("server: idle timeout")
	ErrShutdown       = errors.New("server: shutting down")
	ErrReplaced       = errors.New("server: replaced by newer connection")
	ErrDeviceNotFound = errors.New("server: device not connected")
)

const (
	readBufSize  = 2048
	writeTimeout = 10 * time.Second
)

// Presence recibe altas y bajas de equipos autenticados (proxy/link).
type Presence interface {
	Connected(imei, remote string)
	Disconnected(imei string)
}

// Commander manda comandos Codec 12 al equipo recién autenticado y procesa sus respuestas.
type Commander interface {
	session.ResponseHandler
	ScheduleAll(ctx context.Context, imei string, w io.Writer) int
	Send(imei, text string, w io.Writer) error
	Forget(imei string)
}

// RawLogger guarda los bytes crudos recibidos.
type RawLogger interface {
	Write(imei, remote string, data []byte) error
}

type Options struct {
	Session     session.Config
	IdleTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{Session: session.DefaultConfig(), IdleTimeout: 5 * time.Minute}
}

type Server struct {
	opts      Options
	auth      session.Authenticator
	ingest    session.Ingestor
	commander Commander
	presence  Presence
	rawLog    RawLogger
	logger    *slog.Logger

	devices *xsync.MapOf[string, *deviceConn]
	wg      sync.WaitGroup
}

type Option func(*Server)

func WithLogger(lg *slog.Logger) Option { return func(s *Server) { s.logger = lg } }
func WithCommander(c Commander) Option  { return func(s *Server) { s.commander = c } }
func WithPresence(p Presence) Option    { return func(s *Server) { s.presence = p } }
func WithRawLog(l RawLogger) Option     { return func(s *Server) { s.rawLog = l } }

func New(opts Options, auth session.Authenticator, ingest session.Ingestor, o ...Option) *Server {
	s := &Server{
		opts:    opts,
		auth:    auth,
		ingest:  ingest,
		logger:  slog.Default(),
		devices: xsync.NewMapOf[string, *deviceConn](),
	}
	for _, fn := range o {
		fn(s)
	}
	s.logger = s.logger.With("component", "tcp")
	return s
}

// deviceConn serializa las escrituras (ACKs y comandos) sobre una conexión.
type deviceConn struct {
	conn   net.Conn
	sess   *session.Session
	remote string

	wmu      sync.Mutex
	replaced atomic.Bool
}

func (c *deviceConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.Write(p)
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("error starting TCP server: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve acepta conexiones hasta que ctx se cancele; al salir espera a que
// terminen las conexiones abiertas.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("TCP server listening", "addr", ln.Addr().String())
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var err error
	for {
		conn, aerr := ln.Accept()
		if aerr != nil {
			if ctx.Err() != nil {
				break
			}
			var ne net.Error
			if errors.As(aerr, &ne) && ne.Timeout() {
				s.logger.Warn("accept error", "err", aerr)
				continue
			}
			err = aerr
			break
		}
		observability.TCPConnections.Inc()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.wg.Wait()
	return err
}

// SendCommand manda un comando libre al equipo conectado con ese IMEI.
func (s *Server) SendCommand(imei, text string) error {
	dc, ok := s.devices.Load(imei)
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, imei)
	}
	if s.commander != nil {
		return s.commander.Send(imei, text, dc)
	}
	frame, err := codec.EncodeCommand(codec.Command{Name: text, Text: text})
	if err != nil {
		return err
	}
	_, err = dc.Write(frame)
	return err
}

// Connected lista los IMEIs con sesión abierta.
func (s *Server) Connected() []string {
	out := make([]string, 0, s.devices.Size())
	s.devices.Range(func(imei string, _ *deviceConn) bool {
		out = append(out, imei)
		return true
	})
	return out
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	// al cancelar ctx el Read falla y la sesión se cierra en esta goroutine
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetKeepAlive(true)
		_ = tcpConn.SetKeepAlivePeriod(60 * time.Second)
	}

	dc := &deviceConn{conn: conn, remote: conn.RemoteAddr().String()}
	lg := s.logger.With("remote", dc.remote)

	var authenticated bool
	opts := []session.Option{
		session.WithLogger(lg),
		session.WithStateChangeHandler(func(sess *session.Session, prev, next session.State) {
			switch next {
			case session.Authenticated:
				authenticated = true
				s.register(sess.IMEI(), dc)
			case session.Closed:
				if prev != session.AwaitingIdentification {
					s.unregister(sess.IMEI(), dc)
				}
				observability.SessionsClosed.WithLabelValues(closeReason(sess.CloseErr())).Inc()
			}
		}),
	}
	if s.commander != nil {
		opts = append(opts, session.WithResponseHandler(s.commander))
	}
	dc.sess = session.New(s.opts.Session, s.auth, s.ingest, opts...)

	buf := make([]byte, readBufSize)
	for {
		if s.opts.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
		}
		n, err := conn.Read(buf)
		if n > 0 {
			data := buf[:n]
			if s.rawLog != nil {
				if lerr := s.rawLog.Write(dc.sess.IMEI(), dc.remote, data); lerr != nil {
					lg.Warn("raw log write failed", "err", lerr)
				}
			}

			wasAuthenticated := authenticated
			reply, herr := dc.sess.Handle(ctx, data)
			if len(reply) > 0 {
				if _, werr := dc.Write(reply); werr != nil {
					lg.Warn("write failed", "err", werr)
					dc.sess.Close(fmt.Errorf("%w: %w", session.ErrClosedByTransport, werr))
					return
				}
			}
			if herr != nil {
				lg.Info("closing connection", "imei", dc.sess.IMEI(), "reason", herr)
				return
			}
			if !wasAuthenticated && authenticated && s.commander != nil {
				s.commander.ScheduleAll(ctx, dc.sess.IMEI(), dc)
			}
		}
		if err != nil {
			var ne net.Error
			switch {
			case dc.replaced.Load():
				dc.sess.Close(ErrReplaced)
			case errors.As(err, &ne) && ne.Timeout():
				dc.sess.Close(ErrIdleTimeout)
			case errors.Is(err, io.EOF):
				dc.sess.Close(session.ErrClosedByTransport)
			case ctx.Err() != nil:
				dc.sess.Close(ErrShutdown)
			default:
				dc.sess.Close(fmt.Errorf("%w: %w", session.ErrClosedByTransport, err))
			}
			return
		}
	}
}

// register deja una sola conexión por IMEI; la anterior se cierra.
func (s *Server) register(imei string, dc *deviceConn) {
	if old, loaded := s.devices.LoadAndStore(imei, dc); loaded && old != dc {
		s.logger.Info("replacing connection", "imei", imei, "old", old.remote, "new", dc.remote)
		old.replaced.Store(true)
		_ = old.conn.Close()
	}
	observability.ActiveSessions.Inc()
	if s.presence != nil {
		s.presence.Connected(imei, dc.remote)
	}
}

func (s *Server) unregister(imei string, dc *deviceConn) {
	observability.ActiveSessions.Dec()
	removed := false
	s.devices.Compute(imei, func(cur *deviceConn, loaded bool) (*deviceConn, bool) {
		if loaded && cur == dc {
			removed = true
			return nil, true
		}
		return cur, !loaded
	})
	if !removed {
		return
	}
	if s.commander != nil {
		s.commander.Forget(imei)
	}
	if s.presence != nil {
		s.presence.Disconnected(imei)
	}
}

func closeReason(err error) string {
	switch {
	case err == nil:
		return "unknown"
	case errors.Is(err, session.ErrIdentificationRejected):
		return "rejected"
	case errors.Is(err, session.ErrTooManyFailures):
		return "too_many_failures"
	case errors.Is(err, codec.ErrFraming):
		return "framing"
	case errors.Is(err, ErrIdleTimeout):
		return "idle"
	case errors.Is(err, ErrReplaced):
		return "replaced"
	case errors.Is(err, ErrShutdown):
		return "shutdown"
	case errors.Is(err, session.ErrClosedByTransport):
		return "transport"
	default:
		return "other"
	}
}
