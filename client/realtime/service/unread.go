package service

import (
	"maps"
	"strings"
	"sync"

	"crm_realtime/client/realtime/domain"
)

// UnreadLedger keeps total equal to the sum of the per-conversation counts.
// Cleared conversations are removed rather than left at zero.
type UnreadLedger struct {
	mu     sync.RWMutex
	total  int
	byConv map[string]int
}

func NewUnreadLedger() *UnreadLedger {
	return &UnreadLedger{byConv: map[string]int{}}
}

func (u *UnreadLedger) Increment(conversationKey string) {
	conversationKey = strings.TrimSpace(conversationKey)
	if conversationKey == "" {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.byConv[conversationKey]++
	u.total++
}

// Clear drops one conversation, or everything when conversationKey is empty.
// It returns how many unread messages were cleared.
func (u *UnreadLedger) Clear(conversationKey string) int {
	conversationKey = strings.TrimSpace(conversationKey)
	u.mu.Lock()
	defer u.mu.Unlock()

	if conversationKey == "" {
		cleared := u.total
		u.total = 0
		u.byConv = map[string]int{}
		return cleared
	}
	count, ok := u.byConv[conversationKey]
	if !ok {
		return 0
	}
	delete(u.byConv, conversationKey)
	u.total = max(u.total-count, 0)
	return count
}

func (u *UnreadLedger) Total() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.total
}

func (u *UnreadLedger) Snapshot() domain.UnreadCounters {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return domain.UnreadCounters{Total: u.total, ByConversation: maps.Clone(u.byConv)}
}
