package service

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	commonlog "crm_realtime/client/common/log"
	"crm_realtime/client/common/observability"
	"crm_realtime/client/realtime/domain"
)

const DefaultOutboxMaxAttempts = 3

// OutboxStore is the FIFO backing the offline outbox.
type OutboxStore interface {
	Append(ctx context.Context, item domain.QueuedOutboundMessage) error
	// Drain removes and returns every queued item, oldest first.
	Drain(ctx context.Context) ([]domain.QueuedOutboundMessage, error)
	// Prepend puts items back at the head, keeping their relative order.
	Prepend(ctx context.Context, items []domain.QueuedOutboundMessage) error
	Len(ctx context.Context) (int, error)
}

type MemoryOutboxStore struct {
	mu    sync.Mutex
	items []domain.QueuedOutboundMessage
}

func NewMemoryOutboxStore() *MemoryOutboxStore {
	return &MemoryOutboxStore{}
}

func (s *MemoryOutboxStore) Append(_ context.Context, item domain.QueuedOutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, item)
	return nil
}

func (s *MemoryOutboxStore) Drain(_ context.Context) ([]domain.QueuedOutboundMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.items
	s.items = nil
	return items, nil
}

func (s *MemoryOutboxStore) Prepend(_ context.Context, items []domain.QueuedOutboundMessage) error {
	if len(items) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(slices.Clone(items), s.items...)
	return nil
}

func (s *MemoryOutboxStore) Len(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items), nil
}

// RedisOutboxStore keeps the queue in a Redis list so it survives a restart
// of the sidecar.
type RedisOutboxStore struct {
	client *redis.Client
	key    string
}

func OutboxKey(tenantID, userID string) string {
	return "crm:rt:outbox:" + strings.TrimSpace(tenantID) + ":" + strings.TrimSpace(userID)
}

func NewRedisOutboxStore(client *redis.Client, tenantID, userID string) *RedisOutboxStore {
	return &RedisOutboxStore{client: client, key: OutboxKey(tenantID, userID)}
}

func (s *RedisOutboxStore) Append(ctx context.Context, item domain.QueuedOutboundMessage) error {
	b, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, s.key, b).Err()
}

func (s *RedisOutboxStore) Drain(ctx context.Context) ([]domain.QueuedOutboundMessage, error) {
	var rangeCmd *redis.StringSliceCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		rangeCmd = pipe.LRange(ctx, s.key, 0, -1)
		pipe.Del(ctx, s.key)
		return nil
	})
	if err != nil {
		return nil, err
	}
	raw := rangeCmd.Val()
	items := make([]domain.QueuedOutboundMessage, 0, len(raw))
	for _, entry := range raw {
		var item domain.QueuedOutboundMessage
		if err := json.Unmarshal([]byte(entry), &item); err != nil {
			commonlog.Warnf("event=outbox action=drain status=skipped key=%s error=%v", s.key, err)
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

func (s *RedisOutboxStore) Prepend(ctx context.Context, items []domain.QueuedOutboundMessage) error {
	if len(items) == 0 {
		return nil
	}
	// LPUSH inserts each value at the head in turn, so push newest first.
	values := make([]any, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		b, err := json.Marshal(items[i])
		if err != nil {
			return err
		}
		values = append(values, b)
	}
	return s.client.LPush(ctx, s.key, values...).Err()
}

func (s *RedisOutboxStore) Len(ctx context.Context) (int, error) {
	n, err := s.client.LLen(ctx, s.key).Result()
	return int(n), err
}

// PublishFunc sends one queued message to the broker.
type PublishFunc func(ctx context.Context, item domain.QueuedOutboundMessage) error

type FlushResult struct {
	Sent     int
	Requeued int
	Dropped  int
}

// Outbox buffers chat sends issued while the transport is down. Flush is
// serialized so two reconnects cannot publish the same batch twice.
type Outbox struct {
	store       OutboxStore
	maxAttempts int
	now         func() time.Time
	flushMu     sync.Mutex
}

func NewOutbox(store OutboxStore, maxAttempts int, now func() time.Time) *Outbox {
	if store == nil {
		store = NewMemoryOutboxStore()
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultOutboxMaxAttempts
	}
	if now == nil {
		now = time.Now
	}
	return &Outbox{store: store, maxAttempts: maxAttempts, now: now}
}

func (o *Outbox) Enqueue(ctx context.Context, recipientID, content string, recipientType domain.RecipientType) (domain.QueuedOutboundMessage, error) {
	item := domain.QueuedOutboundMessage{
		ID:            uuid.NewString(),
		RecipientID:   recipientID,
		Content:       content,
		RecipientType: recipientType.Normalized(),
		EnqueuedAt:    o.now(),
	}
	if err := o.store.Append(ctx, item); err != nil {
		return domain.QueuedOutboundMessage{}, fmt.Errorf("enqueue outbound message: %w", err)
	}
	o.reportDepth(ctx)
	return item, nil
}

// Flush publishes everything queued, oldest first. A failed item does not
// stop the batch; it goes back to the head of the queue until it has used
// maxAttempts, then it is dropped.
func (o *Outbox) Flush(ctx context.Context, publish PublishFunc) (FlushResult, error) {
	o.flushMu.Lock()
	defer o.flushMu.Unlock()

	items, err := o.store.Drain(ctx)
	if err != nil {
		return FlushResult{}, fmt.Errorf("drain outbox: %w", err)
	}
	var result FlushResult
	var retry []domain.QueuedOutboundMessage
	for _, item := range items {
		item.Attempts++
		if err := publish(ctx, item); err != nil {
			if item.Attempts >= o.maxAttempts {
				result.Dropped++
				commonlog.Errorf("event=outbox action=flush status=dropped message_id=%s recipient_id=%s attempts=%d error=%v", item.ID, item.RecipientID, item.Attempts, err)
				continue
			}
			retry = append(retry, item)
			commonlog.Warnf("event=outbox action=flush status=failed message_id=%s recipient_id=%s attempts=%d error=%v", item.ID, item.RecipientID, item.Attempts, err)
			continue
		}
		result.Sent++
	}
	if len(retry) > 0 {
		if err := o.store.Prepend(ctx, retry); err != nil {
			o.reportDepth(ctx)
			return result, fmt.Errorf("requeue outbox items: %w", err)
		}
		result.Requeued = len(retry)
	}
	o.reportDepth(ctx)
	return result, nil
}

func (o *Outbox) Len(ctx context.Context) int {
	n, err := o.store.Len(ctx)
	if err != nil {
		commonlog.Warnf("event=outbox action=len status=failed error=%v", err)
		return 0
	}
	return n
}

func (o *Outbox) reportDepth(ctx context.Context) {
	observability.SetOutboxDepth(o.Len(ctx))
}
