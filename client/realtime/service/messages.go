package service

import (
	"slices"
	"sort"
	"sync"

	"crm_realtime/client/realtime/domain"
)

// MessageLog is the live chat list: chronological, unique by id.
type MessageLog struct {
	mu    sync.RWMutex
	items []domain.ChatMessage
	seen  map[domain.ID]struct{}
}

func NewMessageLog() *MessageLog {
	return &MessageLog{seen: map[domain.ID]struct{}{}}
}

// Append adds msg unless its id is already present.
func (l *MessageLog) Append(msg domain.ChatMessage) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[msg.ID]; ok {
		return false
	}
	l.seen[msg.ID] = struct{}{}
	l.items = append(l.items, msg)
	return true
}

// MergeOlder puts unseen messages from page in front of the live list and
// re-sorts everything by timestamp. page must already be oldest-first.
// It returns how many messages were added.
func (l *MessageLog) MergeOlder(page []domain.ChatMessage) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	unseen := make([]domain.ChatMessage, 0, len(page))
	for _, msg := range page {
		if msg.ID == "" {
			continue
		}
		if _, ok := l.seen[msg.ID]; ok {
			continue
		}
		l.seen[msg.ID] = struct{}{}
		unseen = append(unseen, msg)
	}
	merged := append(unseen, l.items...)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp.Time)
	})
	l.items = merged
	return len(unseen)
}

func (l *MessageLog) Snapshot() []domain.ChatMessage {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.items)
}

func (l *MessageLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

func (l *MessageLog) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = nil
	l.seen = map[domain.ID]struct{}{}
}

// NotificationList is the live notification list: newest first, unique by id.
type NotificationList struct {
	mu    sync.RWMutex
	items []domain.Notification
}

func NewNotificationList() *NotificationList {
	return &NotificationList{}
}

// Prepend adds n at the head unless its id is already present.
func (l *NotificationList) Prepend(n domain.Notification) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.indexLocked(n.ID) >= 0 {
		return false
	}
	l.items = append([]domain.Notification{n}, l.items...)
	return true
}

// Seed installs a fetched page. Notifications pushed before the page arrived
// stay in front; page entries already present are skipped.
func (l *NotificationList) Seed(page []domain.Notification) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	added := 0
	for _, n := range page {
		if n.ID == "" || l.indexLocked(n.ID) >= 0 {
			continue
		}
		l.items = append(l.items, n)
		added++
	}
	return added
}

// MarkRead flips isRead locally. It reports whether the id was found.
func (l *NotificationList) MarkRead(id domain.ID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx := l.indexLocked(id)
	if idx < 0 {
		return false
	}
	l.items[idx].IsRead = true
	return true
}

// UnreadCount is computed from the list every time so it cannot drift.
func (l *NotificationList) UnreadCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	count := 0
	for _, n := range l.items {
		if !n.IsRead {
			count++
		}
	}
	return count
}

func (l *NotificationList) Snapshot() []domain.Notification {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.items)
}

func (l *NotificationList) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = nil
}

func (l *NotificationList) indexLocked(id domain.ID) int {
	return slices.IndexFunc(l.items, func(n domain.Notification) bool { return n.ID == id })
}
