package service

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
)

// fakeBroker is a minimal STOMP-over-websocket broker for tests. It accepts
// CONNECT, records SUBSCRIBE and SEND frames and can push MESSAGE frames.
type fakeBroker struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu         sync.Mutex
	handshakes []http.Header
	connects   []*frame.Frame
	sends      []*frame.Frame
	conns      []*brokerConn
	reject     bool
	silent     bool
	hold       chan struct{}
}

type brokerConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	mu      sync.Mutex
	subs    map[string]string
	order   []string
}

func newFakeBroker(t *testing.T) *fakeBroker {
	t.Helper()
	b := &fakeBroker{t: t}
	b.srv = httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBroker) URL() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/ws"
}

func (b *fakeBroker) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &brokerConn{ws: ws, subs: map[string]string{}}
	b.mu.Lock()
	b.handshakes = append(b.handshakes, r.Header.Clone())
	reject := b.reject
	silent := b.silent
	hold := b.hold
	b.mu.Unlock()
	defer ws.Close()

	for {
		_, reader, err := ws.NextReader()
		if err != nil {
			if hold != nil {
				<-hold
			}
			return
		}
		fr := frame.NewReader(reader)
		for {
			f, err := fr.Read()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return
			}
			if f == nil {
				continue
			}
			switch f.Command {
			case frame.CONNECT:
				b.mu.Lock()
				b.connects = append(b.connects, f)
				b.mu.Unlock()
				if reject {
					_ = conn.write(frame.New(frame.ERROR, "message", "bad credentials"))
					return
				}
				if silent {
					continue
				}
				_ = conn.write(frame.New(frame.CONNECTED, "version", "1.2", "heart-beat", "0,0"))
				b.mu.Lock()
				b.conns = append(b.conns, conn)
				b.mu.Unlock()
			case frame.SUBSCRIBE:
				conn.mu.Lock()
				conn.subs[f.Header.Get("destination")] = f.Header.Get("id")
				conn.order = append(conn.order, f.Header.Get("destination"))
				conn.mu.Unlock()
			case frame.SEND:
				b.mu.Lock()
				b.sends = append(b.sends, f)
				b.mu.Unlock()
			case frame.DISCONNECT:
				return
			}
		}
	}
}

func (c *brokerConn) write(f *frame.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	w, err := c.ws.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	if err := frame.NewWriter(w).Write(f); err != nil {
		return err
	}
	return w.Close()
}

func (c *brokerConn) subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.order...)
}

func (b *fakeBroker) setReject(reject bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reject = reject
}

// setSilent makes the broker read CONNECT without ever answering it.
func (b *fakeBroker) setSilent(silent bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.silent = silent
}

// holdOnEOF keeps the broker side of a socket open after the client stops
// writing, until the test ends.
func (b *fakeBroker) holdOnEOF() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hold == nil {
		b.hold = make(chan struct{})
		b.t.Cleanup(func() { close(b.hold) })
	}
}

func (b *fakeBroker) connectCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.connects)
}

func (b *fakeBroker) latest() *brokerConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.conns) == 0 {
		return nil
	}
	return b.conns[len(b.conns)-1]
}

func (b *fakeBroker) connectionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

func (b *fakeBroker) sent() []*frame.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*frame.Frame(nil), b.sends...)
}

func (b *fakeBroker) firstConnect() (*frame.Frame, http.Header) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.connects) == 0 {
		return nil, nil
	}
	return b.connects[0], b.handshakes[0]
}

// subscribedTo reports whether the newest connection attached destination.
func (b *fakeBroker) subscribedTo(destination string) bool {
	conn := b.latest()
	if conn == nil {
		return false
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	_, ok := conn.subs[destination]
	return ok
}

// push delivers body on the newest connection as the subscription for
// destination would.
func (b *fakeBroker) push(destination, body string) error {
	conn := b.latest()
	if conn == nil {
		return errors.New("no connection")
	}
	conn.mu.Lock()
	id := conn.subs[destination]
	conn.mu.Unlock()
	f := frame.New(frame.MESSAGE, "subscription", id, "destination", destination, "message-id", "x", "content-type", "application/json")
	f.Body = []byte(body)
	return conn.write(f)
}

// pushError sends an ERROR frame on the newest connection and keeps it open.
func (b *fakeBroker) pushError(message string) error {
	conn := b.latest()
	if conn == nil {
		return errors.New("no connection")
	}
	return conn.write(frame.New(frame.ERROR, "message", message))
}

// drop kills the newest connection from the broker side.
func (b *fakeBroker) drop() {
	if conn := b.latest(); conn != nil {
		_ = conn.ws.Close()
	}
}
