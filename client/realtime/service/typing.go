package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"crm_realtime/client/common/observability"
	"crm_realtime/client/realtime/domain"
)

const (
	DefaultTypingSweepInterval = time.Second
	DefaultTypingStaleAfter    = 3 * time.Second
)

// TypingTracker holds who is typing to whom. Entries older than staleAfter
// are removed by Sweep; the tracker never talks to the network.
type TypingTracker struct {
	mu         sync.RWMutex
	entries    map[domain.TypingKey]domain.TypingIndicator
	staleAfter time.Duration
	now        func() time.Time
}

func NewTypingTracker(staleAfter time.Duration, now func() time.Time) *TypingTracker {
	if staleAfter <= 0 {
		staleAfter = DefaultTypingStaleAfter
	}
	if now == nil {
		now = time.Now
	}
	return &TypingTracker{
		entries:    map[domain.TypingKey]domain.TypingIndicator{},
		staleAfter: staleAfter,
		now:        now,
	}
}

// Apply upserts on isTyping=true and deletes the key right away on false.
func (t *TypingTracker) Apply(ind domain.TypingIndicator) {
	key := ind.Key()
	t.mu.Lock()
	defer t.mu.Unlock()
	if !ind.IsTyping {
		delete(t.entries, key)
		return
	}
	ind.ReceivedAt = t.now()
	t.entries[key] = ind
}

// Sweep removes stale entries and returns how many were removed.
func (t *TypingTracker) Sweep() int {
	cutoff := t.now().Add(-t.staleAfter)
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for key, ind := range t.entries {
		if ind.ReceivedAt.Before(cutoff) {
			delete(t.entries, key)
			removed++
		}
	}
	return removed
}

// Run sweeps on every tick until ctx is done.
func (t *TypingTracker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultTypingSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := t.Sweep(); n > 0 {
				observability.AddTypingExpired(n)
			}
		}
	}
}

// Snapshot lists live indicators ordered by user then recipient.
func (t *TypingTracker) Snapshot() []domain.TypingIndicator {
	t.mu.RLock()
	out := make([]domain.TypingIndicator, 0, len(t.entries))
	for _, ind := range t.entries {
		out = append(out, ind)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].RecipientID < out[j].RecipientID
	})
	return out
}

func (t *TypingTracker) IsTyping(userID, recipientID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.entries[domain.TypingKey{UserID: userID, RecipientID: recipientID}]
	return ok
}

func (t *TypingTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = map[domain.TypingKey]domain.TypingIndicator{}
}
