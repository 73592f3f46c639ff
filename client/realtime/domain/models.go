package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ID is a server-assigned identity. The backend emits numeric ids for some
// entities and strings for others; both decode to the same value.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

var instantLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// Instant is a point in time that tolerates zone-less ISO date-times (read as
// UTC) and epoch milliseconds on input. It always encodes as RFC3339.
type Instant struct {
	time.Time
}

func NewInstant(t time.Time) Instant { return Instant{Time: t.UTC()} }

func ParseInstant(raw string) (Instant, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Instant{}, nil
	}
	for _, layout := range instantLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return NewInstant(t), nil
		}
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return NewInstant(time.UnixMilli(ms)), nil
	}
	return Instant{}, fmt.Errorf("unsupported timestamp %q", raw)
}

func (i *Instant) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*i = Instant{}
		return nil
	}
	raw := string(b)
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
	}
	parsed, err := ParseInstant(raw)
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

func (i Instant) MarshalJSON() ([]byte, error) {
	if i.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(i.UTC().Format(time.RFC3339Nano))
}

type RecipientType string

const (
	RecipientUser  RecipientType = "USER"
	RecipientGroup RecipientType = "GROUP"
)

// ParseRecipientType normalizes the wire tag. Unknown tags are preserved but
// behave as direct recipients.
func ParseRecipientType(raw string) RecipientType {
	switch v := strings.ToUpper(strings.TrimSpace(raw)); v {
	case "", string(RecipientUser), "DIRECT":
		return RecipientUser
	case string(RecipientGroup), "BROADCAST":
		return RecipientGroup
	default:
		return RecipientType(v)
	}
}

func (t RecipientType) IsGroup() bool {
	return ParseRecipientType(string(t)) == RecipientGroup
}

// Normalized returns the tag sent on the wire, defaulting to USER.
func (t RecipientType) Normalized() RecipientType {
	if t.IsGroup() {
		return RecipientGroup
	}
	return RecipientUser
}

type ChatMessage struct {
	ID            ID            `json:"id"`
	SenderID      ID            `json:"senderId"`
	SenderName    string        `json:"senderName"`
	RecipientID   ID            `json:"recipientId"`
	RecipientType RecipientType `json:"recipientType,omitempty"`
	Content       string        `json:"content"`
	Timestamp     Instant       `json:"timestamp"`
}

// ConversationKey is the unread bucket for a message: the group for group
// traffic, otherwise the other party.
func (m ChatMessage) ConversationKey() string {
	if m.RecipientType.IsGroup() {
		return string(m.RecipientID)
	}
	return string(m.SenderID)
}

type Notification struct {
	ID           ID      `json:"id"`
	TargetUserID ID      `json:"targetUserId"`
	Title        string  `json:"title"`
	Message      string  `json:"message"`
	Type         string  `json:"type"`
	ActionURL    string  `json:"actionUrl,omitempty"`
	IsRead       bool    `json:"isRead"`
	CreatedAt    Instant `json:"createdAt"`
}

// UnmarshalJSON also accepts "read", which is how the backend serializes
// isRead on some endpoints.
func (n *Notification) UnmarshalJSON(b []byte) error {
	type plain Notification
	aux := struct {
		*plain
		Read *bool `json:"read"`
	}{plain: (*plain)(n)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	if aux.Read != nil && *aux.Read {
		n.IsRead = true
	}
	return nil
}

type TypingKey struct {
	UserID      string
	RecipientID string
}

type TypingIndicator struct {
	UserID        ID            `json:"userId"`
	UserName      string        `json:"userName"`
	RecipientID   ID            `json:"recipientId"`
	RecipientType RecipientType `json:"recipientType,omitempty"`
	IsTyping      bool          `json:"isTyping"`
	Timestamp     Instant       `json:"timestamp"`
	ReceivedAt    time.Time     `json:"receivedAt"`
}

func (t TypingIndicator) Key() TypingKey {
	return TypingKey{UserID: string(t.UserID), RecipientID: string(t.RecipientID)}
}

type QueuedOutboundMessage struct {
	ID            string        `json:"id"`
	RecipientID   string        `json:"recipientId"`
	Content       string        `json:"content"`
	RecipientType RecipientType `json:"recipientType"`
	EnqueuedAt    time.Time     `json:"enqueuedAt"`
	Attempts      int           `json:"attempts"`
}

// OutboundChat is the body published to the send destination.
type OutboundChat struct {
	RecipientID   string        `json:"recipientId"`
	Content       string        `json:"content"`
	RecipientType RecipientType `json:"recipientType"`
}

type OutboundTyping struct {
	RecipientID   string        `json:"recipientId"`
	RecipientType RecipientType `json:"recipientType"`
	IsTyping      bool          `json:"isTyping"`
}

type UnreadCounters struct {
	Total          int            `json:"total"`
	ByConversation map[string]int `json:"byConversation"`
}

type CurrentUser struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	Name     string `json:"name,omitempty"`
	Role     string `json:"role,omitempty"`
}

type NoticeLevel string

const (
	NoticeSuccess NoticeLevel = "success"
	NoticeWarning NoticeLevel = "warning"
	NoticeError   NoticeLevel = "error"
)

type Notice struct {
	Level   NoticeLevel `json:"level"`
	Message string      `json:"message"`
	At      time.Time   `json:"at"`
}

// Page is the paginated envelope returned by the REST backend.
type Page[T any] struct {
	Content       []T   `json:"content"`
	TotalElements int64 `json:"totalElements"`
	TotalPages    int   `json:"totalPages"`
	Number        int   `json:"number"`
	Last          bool  `json:"last"`
}

// DecodePage accepts either a Page envelope or a bare JSON array.
func DecodePage[T any](raw json.RawMessage) ([]T, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '[' {
		var items []T
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, err
		}
		return items, nil
	}
	var page Page[T]
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, err
	}
	return page.Content, nil
}
