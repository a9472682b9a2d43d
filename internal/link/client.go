package link

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"avl-svr/internal/pipeline"
)

var (
	ErrNotConnected = errors.New("link: not connected")
	ErrQueueFull    = errors.New("link: send queue full")
)

const (
	dialRetry      = 5 * time.Second
	reconnectDelay = 2 * time.Second
	writeTimeout   = 5 * time.Second
	queueSize      = 256
)

// CommandFunc recibe los comandos que el proxy pide mandar a un equipo.
type CommandFunc func(imei, command string) error

// InfoFunc completa fw/model/iccid ya conocidos del equipo.
type InfoFunc func(imei string) DeviceInfo

// inbound es una línea NDJSON que llega del proxy.
type inbound struct {
	IMEI    string `json:"imei"`
	Command string `json:"command"`
}

// Client mantiene un socket NDJSON hacia socket-tcp-proxy y se reconecta
// solo mientras el ctx de Run siga vivo. Sin dirección queda deshabilitado.
// Las escrituras pasan por una cola acotada; si se llena, la línea se descarta.
type Client struct {
	addr   string
	logger *slog.Logger
	out    chan []byte

	mu        sync.Mutex
	conn      net.Conn
	onCommand CommandFunc
	info      InfoFunc
}

func New(addr string, lg *slog.Logger) *Client {
	if lg == nil {
		lg = slog.Default()
	}
	return &Client{
		addr:   addr,
		logger: lg.With("component", "link"),
		out:    make(chan []byte, queueSize),
	}
}

func (c *Client) Enabled() bool { return c.addr != "" }

func (c *Client) Name() string { return "link" }

// OnCommand registra a quién se le pasan los comandos entrantes.
func (c *Client) OnCommand(fn CommandFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCommand = fn
}

// SetInfo registra de dónde sacar los datos del equipo para los eventos de presencia.
func (c *Client) SetInfo(fn InfoFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.info = fn
}

func (c *Client) lookup(imei string) DeviceInfo {
	c.mu.Lock()
	fn := c.info
	c.mu.Unlock()
	if fn == nil {
		return DeviceInfo{IMEI: imei}
	}
	info := fn(imei)
	info.IMEI = imei
	return info
}

// Connected manda device_connect con la dirección remota del equipo.
func (c *Client) Connected(imei, remote string) {
	info := c.lookup(imei)
	info.State = DeviceStateConnect
	if host, port, err := net.SplitHostPort(remote); err == nil {
		info.RemoteIP = host
		info.RemotePort, _ = strconv.Atoi(port)
	}
	c.SendDevice(info)
}

// Updated manda device_update tras cambiar fw/model/iccid.
func (c *Client) Updated(imei string) {
	info := c.lookup(imei)
	info.State = DeviceStateUpdate
	c.SendDevice(info)
}

func (c *Client) Disconnected(imei string) {
	c.SendDevice(DeviceInfo{IMEI: imei, State: DeviceStateDisconnect})
}

// Run conecta y reconecta hasta que ctx se cancele.
func (c *Client) Run(ctx context.Context) {
	if !c.Enabled() {
		c.logger.Info("link: disabled (no proxy address configured)")
		return
	}
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", c.addr)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("link: dial failed", "addr", c.addr, "err", err)
			if !sleep(ctx, dialRetry) {
				return
			}
			continue
		}

		c.setConn(conn)
		c.logger.Info("link: connected", "remote", conn.RemoteAddr().String())

		stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
		done := make(chan struct{})
		wrote := make(chan struct{})
		go func() {
			defer close(wrote)
			c.writeLoop(conn, done)
		}()
		c.readLoop(conn)
		close(done)
		stop()
		c.clearConn(conn)
		<-wrote

		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("link: connection closed, reconnecting...")
		if !sleep(ctx, reconnectDelay) {
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Client) setConn(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
}

func (c *Client) clearConn(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) readLoop(conn net.Conn) {
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		c.handleLine(sc.Bytes())
	}
	if err := sc.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		c.logger.Warn("link: read error", "err", err)
	}
}

// writeLoop vacía la cola hacia conn; un proxy que no lee corta por deadline.
func (c *Client) writeLoop(conn net.Conn, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case line := <-c.out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := conn.Write(line); err != nil {
				c.logger.Warn("link: write failed", "err", err)
				_ = conn.Close()
				return
			}
		}
	}
}

func (c *Client) handleLine(line []byte) {
	var in inbound
	if err := json.Unmarshal(line, &in); err != nil || in.IMEI == "" || in.Command == "" {
		c.logger.Info("link: incoming line", "line", string(line))
		return
	}
	c.mu.Lock()
	fn := c.onCommand
	c.mu.Unlock()
	if fn == nil {
		c.logger.Warn("link: command ignored, no handler", "imei", in.IMEI, "cmd", in.Command)
		return
	}
	if err := fn(in.IMEI, in.Command); err != nil {
		c.logger.Warn("link: command failed", "imei", in.IMEI, "cmd", in.Command, "err", err)
	}
}

func (c *Client) sendNDJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	up := c.conn != nil
	c.mu.Unlock()
	if !up {
		return ErrNotConnected
	}
	select {
	case c.out <- append(b, '\n'):
		return nil
	default:
		return ErrQueueFull
	}
}

// SendDevice manda el evento de presencia según info.State.
func (c *Client) SendDevice(info DeviceInfo) {
	if !c.Enabled() {
		return
	}
	if err := c.sendNDJSON(info.payload()); err != nil {
		c.logger.Warn("link: send presence failed", "event", info.State.String(), "imei", info.IMEI, "err", err)
	}
}

// Publish manda cada tracking como una línea NDJSON (formato TrackingObject).
func (c *Client) Publish(_ context.Context, batch []*pipeline.TrackingObject) error {
	if !c.Enabled() {
		return nil
	}
	for _, tr := range batch {
		if err := c.sendNDJSON(tr); err != nil {
			return err
		}
	}
	return nil
}
