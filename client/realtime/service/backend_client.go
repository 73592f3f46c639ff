package service

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"crm_realtime/client/common/infra/rest"
	"crm_realtime/client/realtime/domain"
)

// Backend is the slice of the CRM REST API the realtime session needs.
type Backend interface {
	ListNotifications(ctx context.Context, token string, page, size int) ([]domain.Notification, error)
	ChatHistory(ctx context.Context, token string, recipientType domain.RecipientType, recipientID string, page, size int) ([]domain.ChatMessage, error)
	MarkNotificationRead(ctx context.Context, token, notificationID string) error
}

type BackendClient struct {
	client *rest.Client
}

func NewBackendClient(endpoints ...string) *BackendClient {
	return &BackendClient{client: rest.NewClient(endpoints...)}
}

func pageQuery(page, size int) url.Values {
	q := url.Values{}
	q.Set("page", strconv.Itoa(max(page, 0)))
	if size > 0 {
		q.Set("size", strconv.Itoa(size))
	}
	return q
}

func (c *BackendClient) ListNotifications(ctx context.Context, token string, page, size int) ([]domain.Notification, error) {
	var raw json.RawMessage
	if err := c.client.Get(ctx, "/notifications", pageQuery(page, size), token, &raw); err != nil {
		return nil, err
	}
	return domain.DecodePage[domain.Notification](raw)
}

// ChatHistory returns one page of a conversation, newest first, as the
// backend sends it.
func (c *BackendClient) ChatHistory(ctx context.Context, token string, recipientType domain.RecipientType, recipientID string, page, size int) ([]domain.ChatMessage, error) {
	path := "/chat/history/" + url.PathEscape(string(recipientType.Normalized())) + "/" + url.PathEscape(strings.TrimSpace(recipientID))
	var raw json.RawMessage
	if err := c.client.Get(ctx, path, pageQuery(page, size), token, &raw); err != nil {
		return nil, err
	}
	return domain.DecodePage[domain.ChatMessage](raw)
}

func (c *BackendClient) MarkNotificationRead(ctx context.Context, token, notificationID string) error {
	return c.client.Put(ctx, "/notifications/"+url.PathEscape(notificationID)+"/read", token, nil, nil)
}
