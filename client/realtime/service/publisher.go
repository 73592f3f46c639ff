package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	commonlog "crm_realtime/client/common/log"
	"crm_realtime/client/common/observability"
	"crm_realtime/client/realtime/domain"
)

const (
	DefaultMirrorExchange = "crm.realtime.events"

	EventSessionConnected    = "session.connected"
	EventSessionDisconnected = "session.disconnected"
	EventChatReceived        = "chat.received"
	EventNotification        = "notification.received"
	EventNotice              = "notice"

	mirrorPublishTimeout = 2 * time.Second

	DefaultMirrorBuffer = 256
)

var (
	ErrMirrorClosed  = errors.New("event mirror is closed")
	ErrMirrorBacklog = errors.New("event mirror backlog is full")
)

// EventSink receives session events for downstream consumers.
type EventSink interface {
	Publish(ctx context.Context, event string, payload any) error
}

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// EventMirror publishes session events to an AMQP topic exchange with the
// routing key {tenantId}.{event}.
type EventMirror struct {
	channel  amqpChannel
	exchange string
	tenantID string
}

func NewEventMirror(channel amqpChannel, exchange, tenantID string) *EventMirror {
	if strings.TrimSpace(exchange) == "" {
		exchange = DefaultMirrorExchange
	}
	return &EventMirror{channel: channel, exchange: exchange, tenantID: strings.TrimSpace(tenantID)}
}

func (m *EventMirror) RoutingKey(event string) string {
	if m.tenantID == "" {
		return event
	}
	return m.tenantID + "." + event
}

func (m *EventMirror) Publish(ctx context.Context, event string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, mirrorPublishTimeout)
	defer cancel()
	err = m.channel.PublishWithContext(ctx, m.exchange, m.RoutingKey(event), false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Timestamp:   time.Now(),
	})
	if err != nil {
		observability.IncMirrorPublishError()
		commonlog.Warnf("event=event_mirror action=publish status=failed routing_key=%s error=%v", m.RoutingKey(event), err)
		return err
	}
	return nil
}

// Notify lets the mirror act as a NoticeSink.
func (m *EventMirror) Notify(n domain.Notice) {
	_ = m.Publish(context.Background(), EventNotice, n)
}

func (m *EventMirror) Close() {
	if m.channel != nil {
		_ = m.channel.Close()
	}
}

type mirrorEvent struct {
	name    string
	payload any
}

// AsyncEventSink hands events to one worker goroutine so the connection
// read path never waits on the exchange. Events that do not fit the buffer
// are dropped and counted.
type AsyncEventSink struct {
	next   EventSink
	events chan mirrorEvent
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewAsyncEventSink(next EventSink, buffer int) *AsyncEventSink {
	if buffer <= 0 {
		buffer = DefaultMirrorBuffer
	}
	a := &AsyncEventSink{
		next:   next,
		events: make(chan mirrorEvent, buffer),
		done:   make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *AsyncEventSink) loop() {
	defer close(a.done)
	for ev := range a.events {
		_ = a.next.Publish(context.Background(), ev.name, ev.payload)
	}
}

// Publish queues the event and returns without waiting for delivery.
func (a *AsyncEventSink) Publish(_ context.Context, event string, payload any) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrMirrorClosed
	}
	select {
	case a.events <- mirrorEvent{name: event, payload: payload}:
		return nil
	default:
		observability.IncMirrorPublishError()
		commonlog.Warnf("event=event_mirror action=enqueue status=dropped event=%s", event)
		return ErrMirrorBacklog
	}
}

func (a *AsyncEventSink) Notify(n domain.Notice) {
	_ = a.Publish(context.Background(), EventNotice, n)
}

// Close stops accepting events and waits until the queued ones are handed
// to the next sink.
func (a *AsyncEventSink) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.events)
	a.mu.Unlock()
	<-a.done
}
