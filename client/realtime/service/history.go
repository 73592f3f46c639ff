package service

import (
	"context"
	"fmt"
	"slices"

	commonlog "crm_realtime/client/common/log"
	"crm_realtime/client/realtime/domain"
)

const (
	DefaultHistoryPageSize       = 50
	DefaultNotificationsPageSize = 20
)

// HistoryLoader backfills the live lists over REST. It never touches the
// websocket.
type HistoryLoader struct {
	backend           Backend
	messages          *MessageLog
	notifications     *NotificationList
	historyPageSize   int
	notificationsSize int
}

func NewHistoryLoader(backend Backend, messages *MessageLog, notifications *NotificationList, historyPageSize, notificationsPageSize int) *HistoryLoader {
	if historyPageSize <= 0 {
		historyPageSize = DefaultHistoryPageSize
	}
	if notificationsPageSize <= 0 {
		notificationsPageSize = DefaultNotificationsPageSize
	}
	return &HistoryLoader{
		backend:           backend,
		messages:          messages,
		notifications:     notifications,
		historyPageSize:   historyPageSize,
		notificationsSize: notificationsPageSize,
	}
}

// LoadChat fetches the first history page of a conversation and merges it
// in front of the live list. The merged list is returned.
func (h *HistoryLoader) LoadChat(ctx context.Context, token, conversationID string, conversationType domain.RecipientType) ([]domain.ChatMessage, error) {
	page, err := h.backend.ChatHistory(ctx, token, conversationType, conversationID, 0, h.historyPageSize)
	if err != nil {
		commonlog.Warnf("event=history action=load_chat status=failed conversation_id=%s error=%v", conversationID, err)
		return nil, fmt.Errorf("fetch chat history: %w", err)
	}
	slices.Reverse(page)
	added := h.messages.MergeOlder(page)
	commonlog.Debugf("event=history action=load_chat status=ok conversation_id=%s fetched=%d added=%d", conversationID, len(page), added)
	return h.messages.Snapshot(), nil
}

// LoadNotifications seeds the notification list with the first page.
func (h *HistoryLoader) LoadNotifications(ctx context.Context, token string) (int, error) {
	page, err := h.backend.ListNotifications(ctx, token, 0, h.notificationsSize)
	if err != nil {
		commonlog.Warnf("event=history action=load_notifications status=failed error=%v", err)
		return 0, fmt.Errorf("fetch notifications: %w", err)
	}
	added := h.notifications.Seed(page)
	commonlog.Debugf("event=history action=load_notifications status=ok fetched=%d added=%d", len(page), added)
	return added, nil
}
