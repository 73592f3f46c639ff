package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	commonlog "crm_realtime/client/common/log"
	"crm_realtime/client/common/observability"
)

const (
	DefaultReconnectDelay = 5 * time.Second
	DefaultHeartbeat      = 4 * time.Second
	DefaultConnectTimeout = 10 * time.Second

	writeTimeout = 5 * time.Second
)

var (
	ErrNotConnected   = errors.New("realtime transport is not connected")
	ErrSessionClosed  = errors.New("realtime session is closed")
	ErrAlreadyStarted = errors.New("realtime session already started")
)

type TransportConfig struct {
	URL               string
	ReconnectDelay    time.Duration
	HeartbeatOutgoing time.Duration
	HeartbeatIncoming time.Duration
	ConnectTimeout    time.Duration
}

func (c TransportConfig) withDefaults() TransportConfig {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.HeartbeatOutgoing < 0 {
		c.HeartbeatOutgoing = 0
	}
	if c.HeartbeatIncoming < 0 {
		c.HeartbeatIncoming = 0
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	return c
}

// TransportHandler receives connection lifecycle and inbound traffic. All
// calls come from the connection goroutine, one at a time.
type TransportHandler interface {
	OnConnected(ctx context.Context)
	OnDisconnected(err error)
	OnError(message string)
	OnMessage(destination string, body []byte)
}

// Transport keeps one STOMP session alive over a websocket and reconnects
// after a fixed delay whenever it drops.
type Transport struct {
	cfg     TransportConfig
	handler TransportHandler
	dialer  *websocket.Dialer

	mu      sync.Mutex
	conn    *stompConn
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewTransport(cfg TransportConfig, handler TransportHandler) *Transport {
	return &Transport{
		cfg:     cfg.withDefaults(),
		handler: handler,
		dialer:  &websocket.Dialer{HandshakeTimeout: DefaultConnectTimeout},
	}
}

// Start launches the connection loop and returns immediately.
func (t *Transport) Start(ctx context.Context, credential string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrSessionClosed
	}
	if t.started {
		return ErrAlreadyStarted
	}
	t.started = true
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.run(runCtx, credential)
	}()
	return nil
}

// Close stops reconnecting and tears down the live connection. It is safe
// to call more than once and before Start.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	cancel := t.cancel
	conn := t.conn
	t.mu.Unlock()

	if conn != nil {
		if err := conn.write(frame.New(frame.DISCONNECT)); err != nil {
			commonlog.Debugf("event=transport action=disconnect status=failed error=%v", err)
		}
	}
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.close()
	}
	t.wg.Wait()
}

func (t *Transport) Connected() bool {
	return t.current() != nil
}

// Publish sends body to destination on the live connection.
func (t *Transport) Publish(destination string, body []byte) error {
	conn := t.current()
	if conn == nil {
		return ErrNotConnected
	}
	f := frame.New(frame.SEND,
		"destination", destination,
		"content-type", "application/json",
		"content-length", strconv.Itoa(len(body)),
	)
	f.Body = body
	return conn.write(f)
}

// Subscribe attaches destination on the live connection. Attaching the same
// destination twice on one connection is a no-op.
func (t *Transport) Subscribe(destination string) error {
	conn := t.current()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.subscribe(destination)
}

func (t *Transport) current() *stompConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) setConn(c *stompConn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn = c
}

func (t *Transport) run(ctx context.Context, credential string) {
	for {
		established, err := t.connectOnce(ctx, credential)
		if ctx.Err() != nil || t.isClosed() {
			return
		}
		if established {
			t.handler.OnDisconnected(err)
		} else {
			observability.IncConnectAttempt("failed")
			commonlog.Warnf("event=transport action=connect status=failed url=%s error=%v", t.cfg.URL, err)
			t.handler.OnError(fmt.Sprintf("realtime connection failed: %v", err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(t.cfg.ReconnectDelay):
		}
	}
}

func (t *Transport) connectOnce(ctx context.Context, credential string) (bool, error) {
	header := http.Header{}
	bearer := ""
	if credential = strings.TrimSpace(credential); credential != "" {
		bearer = "Bearer " + credential
		header.Set("Authorization", bearer)
	}
	ws, _, err := t.dialer.DialContext(ctx, t.cfg.URL, header)
	if err != nil {
		return false, err
	}

	conn := newStompConn(ws)
	stopWatch := context.AfterFunc(ctx, conn.close)
	sx, sy, err := conn.handshake(hostOf(t.cfg.URL), bearer, t.cfg)
	if !stopWatch() {
		conn.close()
		return false, ctx.Err()
	}
	if err != nil {
		conn.close()
		return false, err
	}
	conn.outgoing = negotiate(t.cfg.HeartbeatOutgoing, sy)
	conn.incoming = negotiate(t.cfg.HeartbeatIncoming, sx)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.close()
		return false, ErrSessionClosed
	}
	t.conn = conn
	t.mu.Unlock()

	observability.IncConnectAttempt("ok")
	observability.SetConnected(true)
	commonlog.Infof("event=transport action=connect status=ok url=%s heartbeat_out=%s heartbeat_in=%s", t.cfg.URL, conn.outgoing, conn.incoming)

	connCtx, cancel := context.WithCancel(ctx)
	var keepalive sync.WaitGroup
	keepalive.Add(1)
	go func() {
		defer keepalive.Done()
		conn.keepalive(connCtx)
	}()

	t.handler.OnConnected(connCtx)
	err = t.readLoop(conn)

	t.setConn(nil)
	observability.SetConnected(false)
	cancel()
	keepalive.Wait()
	conn.close()
	commonlog.Warnf("event=transport action=read status=closed url=%s error=%v", t.cfg.URL, err)
	return true, err
}

func (t *Transport) readLoop(conn *stompConn) error {
	for {
		if conn.incoming > 0 {
			_ = conn.ws.SetReadDeadline(time.Now().Add(2 * conn.incoming))
		} else {
			_ = conn.ws.SetReadDeadline(time.Time{})
		}
		_, r, err := conn.ws.NextReader()
		if err != nil {
			return err
		}
		reader := frame.NewReader(r)
		for {
			f, err := reader.Read()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				commonlog.Warnf("event=transport action=read status=malformed error=%v", err)
				observability.IncInboundFrame(StreamUnknown, OutcomeMalformed)
				break
			}
			if f == nil {
				continue
			}
			t.dispatch(conn, f)
		}
	}
}

func (t *Transport) dispatch(conn *stompConn, f *frame.Frame) {
	switch f.Command {
	case frame.MESSAGE:
		destination := conn.destinationFor(f.Header.Get("subscription"))
		if destination == "" {
			destination = f.Header.Get("destination")
		}
		t.handler.OnMessage(destination, f.Body)
	case frame.ERROR:
		message := f.Header.Get("message")
		if message == "" {
			message = strings.TrimSpace(string(f.Body))
		}
		commonlog.Errorf("event=transport action=read status=broker_error message=%q", message)
		t.handler.OnError(message)
	case frame.RECEIPT:
	default:
		commonlog.Debugf("event=transport action=read status=ignored command=%s", f.Command)
	}
}

type stompConn struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	subsMu     sync.Mutex
	subsByID   map[string]string
	subsByDest map[string]string

	outgoing time.Duration
	incoming time.Duration

	closeOnce sync.Once
}

func newStompConn(ws *websocket.Conn) *stompConn {
	return &stompConn{
		ws:         ws,
		subsByID:   map[string]string{},
		subsByDest: map[string]string{},
	}
}

// handshake sends CONNECT and waits for CONNECTED. It returns the server's
// heart-beat pair.
func (c *stompConn) handshake(host, bearer string, cfg TransportConfig) (time.Duration, time.Duration, error) {
	connect := frame.New(frame.CONNECT,
		"accept-version", "1.2,1.1",
		"host", host,
		"heart-beat", formatHeartbeat(cfg.HeartbeatOutgoing, cfg.HeartbeatIncoming),
	)
	if bearer != "" {
		connect.Header.Add("Authorization", bearer)
	}
	if err := c.write(connect); err != nil {
		return 0, 0, fmt.Errorf("send CONNECT: %w", err)
	}

	_ = c.ws.SetReadDeadline(time.Now().Add(cfg.ConnectTimeout))
	for {
		_, r, err := c.ws.NextReader()
		if err != nil {
			return 0, 0, fmt.Errorf("await CONNECTED: %w", err)
		}
		f, err := frame.NewReader(r).Read()
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, 0, fmt.Errorf("read CONNECTED: %w", err)
		}
		if f == nil {
			continue
		}
		switch f.Command {
		case frame.CONNECTED:
			sx, sy := parseHeartbeat(f.Header.Get("heart-beat"))
			return sx, sy, nil
		case frame.ERROR:
			return 0, 0, fmt.Errorf("broker refused connection: %s", f.Header.Get("message"))
		default:
			return 0, 0, fmt.Errorf("unexpected %s frame before CONNECTED", f.Command)
		}
	}
}

func (c *stompConn) write(f *frame.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	w, err := c.ws.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	if err := frame.NewWriter(w).Write(f); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (c *stompConn) writeHeartbeat() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, []byte("\n"))
}

func (c *stompConn) subscribe(destination string) error {
	c.subsMu.Lock()
	if _, ok := c.subsByDest[destination]; ok {
		c.subsMu.Unlock()
		return nil
	}
	id := uuid.NewString()
	c.subsByDest[destination] = id
	c.subsByID[id] = destination
	c.subsMu.Unlock()

	err := c.write(frame.New(frame.SUBSCRIBE, "id", id, "destination", destination, "ack", "auto"))
	if err != nil {
		c.subsMu.Lock()
		delete(c.subsByDest, destination)
		delete(c.subsByID, id)
		c.subsMu.Unlock()
		return err
	}
	commonlog.Debugf("event=transport action=subscribe status=ok destination=%s subscription_id=%s", destination, id)
	return nil
}

func (c *stompConn) destinationFor(subscriptionID string) string {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	return c.subsByID[subscriptionID]
}

// keepalive writes heart-beats until ctx ends, then closes the socket so a
// blocked reader returns.
func (c *stompConn) keepalive(ctx context.Context) {
	var tick <-chan time.Time
	if c.outgoing > 0 {
		ticker := time.NewTicker(c.outgoing)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			c.close()
			return
		case <-tick:
			if err := c.writeHeartbeat(); err != nil {
				commonlog.Warnf("event=transport action=heartbeat status=failed error=%v", err)
				c.close()
				return
			}
		}
	}
}

func (c *stompConn) close() {
	c.closeOnce.Do(func() { _ = c.ws.Close() })
}

func formatHeartbeat(outgoing, incoming time.Duration) string {
	return strconv.FormatInt(outgoing.Milliseconds(), 10) + "," + strconv.FormatInt(incoming.Milliseconds(), 10)
}

func parseHeartbeat(raw string) (time.Duration, time.Duration) {
	parts := strings.Split(raw, ",")
	if len(parts) != 2 {
		return 0, 0
	}
	x, errX := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	y, errY := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if errX != nil || errY != nil || x < 0 || y < 0 {
		return 0, 0
	}
	return time.Duration(x) * time.Millisecond, time.Duration(y) * time.Millisecond
}

// negotiate applies the STOMP rule: zero on either side disables the beat,
// otherwise the slower of the two wins.
func negotiate(client, server time.Duration) time.Duration {
	if client <= 0 || server <= 0 {
		return 0
	}
	return max(client, server)
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "localhost"
	}
	return u.Hostname()
}
