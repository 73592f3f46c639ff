package service

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	commonlog "crm_realtime/client/common/log"
	"crm_realtime/client/common/observability"
	"crm_realtime/client/realtime/domain"
)

var (
	ErrEmptyContent   = errors.New("message content is empty")
	ErrEmptyRecipient = errors.New("recipient id is empty")
)

const ackTimeout = 10 * time.Second

type Config struct {
	Transport             TransportConfig
	TypingSweepInterval   time.Duration
	TypingStaleAfter      time.Duration
	HistoryPageSize       int
	NotificationsPageSize int
	OutboxMaxAttempts     int
	RecentNotices         int
}

type Option func(*Session)

func WithOutboxStore(store OutboxStore) Option {
	return func(s *Session) { s.outboxStore = store }
}

func WithEventSink(sink EventSink) Option {
	return func(s *Session) { s.events = sink }
}

func WithNoticeSink(sink NoticeSink) Option {
	return func(s *Session) { s.noticeSinks = append(s.noticeSinks, sink) }
}

func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// Session owns the realtime state of one signed-in user: the broker
// connection, the live lists, typing and unread bookkeeping, and the
// offline outbox. Readers may call any accessor from any goroutine.
type Session struct {
	cfg         Config
	backend     Backend
	outboxStore OutboxStore
	events      EventSink
	noticeSinks []NoticeSink
	now         func() time.Time

	transport     *Transport
	registry      *SubscriptionRegistry
	outbox        *Outbox
	router        *Router
	typing        *TypingTracker
	unread        *UnreadLedger
	messages      *MessageLog
	notifications *NotificationList
	notices       *Notices
	history       *HistoryLoader

	// sendMu orders live sends after the outbox flush of a new connection.
	sendMu sync.Mutex

	mu         sync.RWMutex
	user       domain.CurrentUser
	credential string
	started    bool
	closed     bool
	runCtx     context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func NewSession(cfg Config, backend Backend, opts ...Option) *Session {
	s := &Session{cfg: cfg, backend: backend, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.registry = NewSubscriptionRegistry()
	s.outbox = NewOutbox(s.outboxStore, cfg.OutboxMaxAttempts, s.now)
	s.typing = NewTypingTracker(cfg.TypingStaleAfter, s.now)
	s.unread = NewUnreadLedger()
	s.messages = NewMessageLog()
	s.notifications = NewNotificationList()
	s.notices = NewNotices(cfg.RecentNotices, s.now, s.noticeSinks...)
	s.history = NewHistoryLoader(backend, s.messages, s.notifications, cfg.HistoryPageSize, cfg.NotificationsPageSize)
	s.router = NewRouter(s.selfID, s.messages, s.notifications, s.typing, s.unread, s.events)
	s.transport = NewTransport(cfg.Transport, sessionEvents{s: s})
	return s
}

// Connect starts the background connection loop and the typing sweep. It
// does not wait for the broker.
func (s *Session) Connect(ctx context.Context, credential string, user domain.CurrentUser) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.user = user
	s.credential = strings.TrimSpace(credential)
	s.runCtx, s.cancel = context.WithCancel(ctx)
	runCtx := s.runCtx
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.typing.Run(runCtx, s.cfg.TypingSweepInterval)
	}()

	if err := s.transport.Start(runCtx, credential); err != nil {
		return err
	}
	commonlog.Infof("event=session action=connect status=started user_id=%s tenant_id=%s", user.ID, user.TenantID)
	return nil
}

// Close tears the session down, waits for its goroutines and drops the live
// state. The outbox store is left alone. Safe to call more than once and
// before Connect.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	s.transport.Close()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	s.messages.Reset()
	s.notifications.Reset()
	s.typing.Reset()
	s.unread.Clear("")
	s.registry.Reset()
	commonlog.Infof("event=session action=close status=ok user_id=%s", s.selfID())
}

func (s *Session) Connected() bool { return s.transport.Connected() }

func (s *Session) CurrentUser() domain.CurrentUser {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

func (s *Session) Messages() []domain.ChatMessage { return s.messages.Snapshot() }
func (s *Session) Notifications() []domain.Notification { return s.notifications.Snapshot() }
func (s *Session) UnreadNotificationCount() int { return s.notifications.UnreadCount() }
func (s *Session) Typing() []domain.TypingIndicator { return s.typing.Snapshot() }
func (s *Session) Unread() domain.UnreadCounters { return s.unread.Snapshot() }
func (s *Session) Notices() []domain.Notice { return s.notices.Recent() }
func (s *Session) Subscriptions() []string { return s.registry.Destinations() }
func (s *Session) OutboxLen(ctx context.Context) int { return s.outbox.Len(ctx) }
func (s *Session) IsTyping(userID, recipientID string) bool { return s.typing.IsTyping(userID, recipientID) }

// SendMessage publishes right away when connected and queues otherwise. It
// reports whether the message was queued.
func (s *Session) SendMessage(ctx context.Context, recipientID, content string, recipientType domain.RecipientType) (bool, error) {
	recipientID = strings.TrimSpace(recipientID)
	if recipientID == "" {
		return false, ErrEmptyRecipient
	}
	if strings.TrimSpace(content) == "" {
		return false, ErrEmptyContent
	}
	if s.isClosed() {
		return false, ErrSessionClosed
	}
	item := domain.QueuedOutboundMessage{RecipientID: recipientID, Content: content, RecipientType: recipientType.Normalized()}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.transport.Connected() {
		err := s.publishChat(ctx, item)
		if err == nil {
			return false, nil
		}
		if !errors.Is(err, ErrNotConnected) {
			commonlog.Errorf("event=session action=send_message status=failed recipient_id=%s error=%v", recipientID, err)
			s.notices.Error("Failed to send message")
			return false, err
		}
	}
	if _, err := s.outbox.Enqueue(ctx, recipientID, content, recipientType); err != nil {
		s.notices.Error("Failed to queue message")
		return false, err
	}
	s.notices.Warning("Message queued. It will be sent when the connection is restored")
	return true, nil
}

// SendTypingIndicator is dropped while disconnected.
func (s *Session) SendTypingIndicator(ctx context.Context, recipientID string, recipientType domain.RecipientType, isTyping bool) error {
	recipientID = strings.TrimSpace(recipientID)
	if recipientID == "" {
		return ErrEmptyRecipient
	}
	if !s.transport.Connected() {
		commonlog.Debugf("event=session action=send_typing status=dropped recipient_id=%s", recipientID)
		return nil
	}
	body, err := json.Marshal(domain.OutboundTyping{RecipientID: recipientID, RecipientType: recipientType.Normalized(), IsTyping: isTyping})
	if err != nil {
		return err
	}
	err = s.transport.Publish(DestinationChatTyping, body)
	observability.IncPublish(DestinationChatTyping, publishStatus(err))
	if err != nil {
		commonlog.Warnf("event=session action=send_typing status=failed recipient_id=%s error=%v", recipientID, err)
	}
	return err
}

// SubscribeToChat attaches the tenant broadcast room. Other targets are
// delivered on the personal chat queue and need no subscription. It
// reports whether a new topic was registered.
func (s *Session) SubscribeToChat(targetID string) bool {
	if strings.TrimSpace(targetID) != BroadcastTarget {
		return false
	}
	tenantID := s.CurrentUser().TenantID
	if strings.TrimSpace(tenantID) == "" {
		commonlog.Warnf("event=session action=subscribe status=skipped reason=missing_tenant target_id=%s", targetID)
		return false
	}
	topic := BroadcastTopic(tenantID)
	if !s.registry.Add(topic) {
		return false
	}
	if s.transport.Connected() {
		if err := s.transport.Subscribe(topic); err != nil && !errors.Is(err, ErrNotConnected) {
			commonlog.Warnf("event=session action=subscribe status=failed destination=%s error=%v", topic, err)
		}
	}
	return true
}

func (s *Session) FetchChatHistory(ctx context.Context, conversationID string, conversationType domain.RecipientType) ([]domain.ChatMessage, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, ErrEmptyRecipient
	}
	return s.history.LoadChat(ctx, s.token(), conversationID, conversationType)
}

func (s *Session) FetchNotifications(ctx context.Context) (int, error) {
	return s.history.LoadNotifications(ctx, s.token())
}

// MarkNotificationAsRead flips the flag locally and acknowledges it to the
// backend in the background. A failed acknowledgement is only logged.
func (s *Session) MarkNotificationAsRead(notificationID string) bool {
	id := domain.ID(strings.TrimSpace(notificationID))
	if id == "" {
		return false
	}
	found := s.notifications.MarkRead(id)

	if s.backend == nil {
		return found
	}
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return found
	}
	runCtx := s.runCtx
	token := s.credential
	s.wg.Add(1)
	s.mu.RUnlock()
	if runCtx == nil {
		runCtx = context.Background()
	}
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(runCtx, ackTimeout)
		defer cancel()
		if err := s.backend.MarkNotificationRead(ctx, token, string(id)); err != nil {
			commonlog.Warnf("event=session action=mark_read status=failed notification_id=%s error=%v", id, err)
		}
	}()
	return found
}

func (s *Session) ClearUnreadMessages(conversationKey string) int {
	return s.unread.Clear(conversationKey)
}

func (s *Session) selfID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user.ID
}

func (s *Session) token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.credential
}

func (s *Session) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *Session) publishChat(_ context.Context, item domain.QueuedOutboundMessage) error {
	body, err := json.Marshal(domain.OutboundChat{RecipientID: item.RecipientID, Content: item.Content, RecipientType: item.RecipientType.Normalized()})
	if err != nil {
		return err
	}
	err = s.transport.Publish(DestinationChatSend, body)
	observability.IncPublish(DestinationChatSend, publishStatus(err))
	return err
}

func (s *Session) mirror(event string, payload any) {
	if s.events == nil {
		return
	}
	_ = s.events.Publish(context.Background(), event, payload)
}

func publishStatus(err error) string {
	if err != nil {
		return "failed"
	}
	return "ok"
}

// sessionEvents keeps the transport callbacks off the public API.
type sessionEvents struct {
	s *Session
}

func (e sessionEvents) OnConnected(ctx context.Context) {
	s := e.s
	s.notices.Success("Connected to realtime server")
	s.mirror(EventSessionConnected, s.CurrentUser())

	s.sendMu.Lock()
	result, err := s.outbox.Flush(ctx, s.publishChat)
	s.sendMu.Unlock()
	if err != nil {
		commonlog.Errorf("event=session action=flush_outbox status=failed error=%v", err)
	} else if result != (FlushResult{}) {
		commonlog.Infof("event=session action=flush_outbox status=ok sent=%d requeued=%d dropped=%d", result.Sent, result.Requeued, result.Dropped)
	}

	for _, destination := range slices.Concat(PersonalQueues, s.registry.Destinations()) {
		if err := s.transport.Subscribe(destination); err != nil {
			commonlog.Warnf("event=session action=subscribe status=failed destination=%s error=%v", destination, err)
		}
	}

	if s.backend == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.history.LoadNotifications(ctx, s.token()); err != nil && ctx.Err() == nil {
			commonlog.Warnf("event=session action=fetch_notifications status=failed error=%v", err)
		}
	}()
}

func (e sessionEvents) OnDisconnected(err error) {
	e.s.notices.Warning("Disconnected from realtime server. Reconnecting")
	e.s.mirror(EventSessionDisconnected, map[string]string{"userId": e.s.selfID(), "reason": errString(err)})
}

func (e sessionEvents) OnError(message string) {
	e.s.notices.Error(message)
}

func (e sessionEvents) OnMessage(destination string, body []byte) {
	e.s.router.Route(destination, body)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
