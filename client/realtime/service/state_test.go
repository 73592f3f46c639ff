package service

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crm_realtime/client/realtime/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func at(sec int) domain.Instant {
	return domain.NewInstant(time.Date(2026, 5, 1, 8, 0, sec, 0, time.UTC))
}

func TestMessageLogAppendIsIdempotent(t *testing.T) {
	l := NewMessageLog()
	assert.True(t, l.Append(domain.ChatMessage{ID: "m1", Content: "a"}))
	assert.False(t, l.Append(domain.ChatMessage{ID: "m1", Content: "changed"}))
	snap := l.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "a", snap[0].Content)
}

func TestMessageLogMergeOlderSortsAndSkipsKnown(t *testing.T) {
	l := NewMessageLog()
	l.Append(domain.ChatMessage{ID: "live", Timestamp: at(30)})

	added := l.MergeOlder([]domain.ChatMessage{
		{ID: "h1", Timestamp: at(10)},
		{ID: "live", Timestamp: at(30)},
		{ID: "h2", Timestamp: at(20)},
	})
	assert.Equal(t, 2, added)

	ids := []domain.ID{}
	for _, m := range l.Snapshot() {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []domain.ID{"h1", "h2", "live"}, ids)

	assert.Zero(t, l.MergeOlder([]domain.ChatMessage{{ID: "h1", Timestamp: at(10)}}))
	assert.Equal(t, 3, l.Len())
}

func TestNotificationListOrderingAndRead(t *testing.T) {
	l := NewNotificationList()
	assert.True(t, l.Prepend(domain.Notification{ID: "n1"}))
	assert.True(t, l.Prepend(domain.Notification{ID: "n2"}))
	assert.False(t, l.Prepend(domain.Notification{ID: "n1"}))

	assert.Equal(t, 1, l.Seed([]domain.Notification{{ID: "n2"}, {ID: "n0", IsRead: true}}))
	snap := l.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, domain.ID("n2"), snap[0].ID)
	assert.Equal(t, domain.ID("n0"), snap[2].ID)
	assert.Equal(t, 2, l.UnreadCount())

	assert.True(t, l.MarkRead("n1"))
	assert.True(t, l.MarkRead("n1"))
	assert.False(t, l.MarkRead("missing"))
	assert.Equal(t, 1, l.UnreadCount())
}

func TestUnreadLedgerTotalMatchesConversations(t *testing.T) {
	u := NewUnreadLedger()
	u.Increment("u2")
	u.Increment("u2")
	u.Increment("g1")
	u.Increment("  ")

	snap := u.Snapshot()
	assert.Equal(t, 3, snap.Total)
	assert.Equal(t, map[string]int{"u2": 2, "g1": 1}, snap.ByConversation)

	assert.Equal(t, 2, u.Clear("u2"))
	assert.Equal(t, 0, u.Clear("u2"))
	assert.Equal(t, 1, u.Total())
	_, present := u.Snapshot().ByConversation["u2"]
	assert.False(t, present)

	assert.Equal(t, 1, u.Clear(""))
	assert.Zero(t, u.Total())
	assert.Empty(t, u.Snapshot().ByConversation)
}

func TestUnreadLedgerSnapshotIsACopy(t *testing.T) {
	u := NewUnreadLedger()
	u.Increment("u2")
	snap := u.Snapshot()
	snap.ByConversation["u2"] = 99
	assert.Equal(t, 1, u.Snapshot().ByConversation["u2"])
}

func TestTypingTrackerExpiresAfterStaleWindow(t *testing.T) {
	clock := newFakeClock()
	tr := NewTypingTracker(3*time.Second, clock.Now)

	tr.Apply(domain.TypingIndicator{UserID: "u2", RecipientID: "me", IsTyping: true})
	clock.Advance(2 * time.Second)
	assert.Zero(t, tr.Sweep())
	assert.True(t, tr.IsTyping("u2", "me"))

	clock.Advance(1500 * time.Millisecond)
	assert.Equal(t, 1, tr.Sweep())
	assert.False(t, tr.IsTyping("u2", "me"))
}

func TestTypingTrackerRefreshAndStop(t *testing.T) {
	clock := newFakeClock()
	tr := NewTypingTracker(3*time.Second, clock.Now)

	tr.Apply(domain.TypingIndicator{UserID: "u2", RecipientID: "me", IsTyping: true})
	clock.Advance(2 * time.Second)
	tr.Apply(domain.TypingIndicator{UserID: "u2", RecipientID: "me", IsTyping: true})
	clock.Advance(2 * time.Second)
	assert.Zero(t, tr.Sweep())

	tr.Apply(domain.TypingIndicator{UserID: "u3", RecipientID: "g1", IsTyping: true})
	require.Len(t, tr.Snapshot(), 2)

	tr.Apply(domain.TypingIndicator{UserID: "u2", RecipientID: "me", IsTyping: false})
	snap := tr.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, domain.ID("u3"), snap[0].UserID)
}
