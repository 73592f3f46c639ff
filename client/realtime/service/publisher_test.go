package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crm_realtime/client/realtime/domain"
)

type publishedMessage struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	mu        sync.Mutex
	published []publishedMessage
	err       error
	closed    bool
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.published = append(c.published, publishedMessage{exchange: exchange, key: key, msg: msg})
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func TestEventMirrorRoutesByTenant(t *testing.T) {
	ch := &fakeChannel{}
	m := NewEventMirror(ch, "", "t1")

	require.NoError(t, m.Publish(context.Background(), EventChatReceived, domain.ChatMessage{ID: "m1", Content: "hi"}))
	require.Len(t, ch.published, 1)
	got := ch.published[0]
	assert.Equal(t, DefaultMirrorExchange, got.exchange)
	assert.Equal(t, "t1.chat.received", got.key)
	assert.Equal(t, "application/json", got.msg.ContentType)

	var body domain.ChatMessage
	require.NoError(t, json.Unmarshal(got.msg.Body, &body))
	assert.Equal(t, domain.ID("m1"), body.ID)

	m.Close()
	assert.True(t, ch.closed)
}

func TestEventMirrorPublishFailure(t *testing.T) {
	ch := &fakeChannel{err: errors.New("channel closed")}
	m := NewEventMirror(ch, "x", "")
	assert.Equal(t, "notice", m.RoutingKey(EventNotice))
	assert.Error(t, m.Publish(context.Background(), EventNotice, nil))
}

func TestNoticesFanOutAndKeepRecent(t *testing.T) {
	clock := newFakeClock()
	ch := &fakeChannel{}
	var seen []domain.Notice
	n := NewNotices(2, clock.Now, NoticeSinkFunc(func(notice domain.Notice) { seen = append(seen, notice) }))
	n.AddSink(NewEventMirror(ch, "", "t1"))

	n.Success("connected")
	n.Warning("queued")
	n.Error("failed")

	recent := n.Recent()
	require.Len(t, recent, 2)
	assert.Equal(t, domain.NoticeWarning, recent[0].Level)
	assert.Equal(t, "failed", recent[1].Message)
	assert.Equal(t, clock.Now(), recent[1].At)
	assert.Len(t, seen, 3)
	require.Len(t, ch.published, 3)
	assert.Equal(t, "t1.notice", ch.published[0].key)
	assert.WithinDuration(t, time.Now(), ch.published[0].msg.Timestamp, time.Minute)
}

type blockingSink struct {
	mu      sync.Mutex
	gate    chan struct{}
	started chan struct{}
	once    sync.Once
	events  []string
}

func (b *blockingSink) Publish(_ context.Context, event string, _ any) error {
	b.once.Do(func() { close(b.started) })
	<-b.gate
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

func (b *blockingSink) delivered() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.events...)
}

func TestAsyncEventSinkDoesNotBlockCallers(t *testing.T) {
	next := &blockingSink{gate: make(chan struct{}), started: make(chan struct{})}
	a := NewAsyncEventSink(next, 1)

	require.NoError(t, a.Publish(context.Background(), EventChatReceived, nil))
	<-next.started

	returned := make(chan error, 1)
	go func() { returned <- a.Publish(context.Background(), EventNotification, nil) }()
	select {
	case err := <-returned:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Publish waited on a stalled sink")
	}
	assert.ErrorIs(t, a.Publish(context.Background(), EventNotice, nil), ErrMirrorBacklog)

	close(next.gate)
	a.Close()
	a.Close()
	assert.Equal(t, []string{EventChatReceived, EventNotification}, next.delivered())
	assert.ErrorIs(t, a.Publish(context.Background(), EventNotice, nil), ErrMirrorClosed)
}

func TestAsyncEventSinkForwardsNotices(t *testing.T) {
	ch := &fakeChannel{}
	a := NewAsyncEventSink(NewEventMirror(ch, "", "t1"), 0)
	a.Notify(domain.Notice{Level: domain.NoticeSuccess, Message: "connected"})
	a.Close()

	require.Len(t, ch.published, 1)
	assert.Equal(t, "t1.notice", ch.published[0].key)
}
