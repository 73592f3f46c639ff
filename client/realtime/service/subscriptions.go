package service

import (
	"slices"
	"strings"
	"sync"
)

const (
	QueueNotifications = "/user/queue/notifications"
	QueueChat          = "/user/queue/chat"
	QueueTyping        = "/user/queue/typing"

	DestinationChatSend   = "/app/chat.send"
	DestinationChatTyping = "/app/chat.typing"

	// BroadcastTarget is the chat target id that means the tenant-wide room.
	BroadcastTarget = "broadcast"
)

// PersonalQueues are attached on every connect, before any dynamic topic.
var PersonalQueues = []string{QueueNotifications, QueueChat, QueueTyping}

func BroadcastTopic(tenantID string) string {
	return "/topic/tenant." + strings.TrimSpace(tenantID) + ".chat"
}

func IsBroadcastTopic(destination string) bool {
	return strings.HasPrefix(destination, "/topic/tenant.") && strings.HasSuffix(destination, ".chat")
}

// SubscriptionRegistry remembers the dynamic topics the session wants. The
// transport re-attaches all of them on every connect.
type SubscriptionRegistry struct {
	mu     sync.RWMutex
	order  []string
	topics map[string]struct{}
}

func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{topics: map[string]struct{}{}}
}

// Add registers destination and reports whether it was new.
func (r *SubscriptionRegistry) Add(destination string) bool {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.topics[destination]; ok {
		return false
	}
	r.topics[destination] = struct{}{}
	r.order = append(r.order, destination)
	return true
}

// Destinations returns topics in registration order.
func (r *SubscriptionRegistry) Destinations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

func (r *SubscriptionRegistry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = nil
	r.topics = map[string]struct{}{}
}
