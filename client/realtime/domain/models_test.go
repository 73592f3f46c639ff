package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatMessageDecodesNumericIDsAndLocalTimestamp(t *testing.T) {
	var m ChatMessage
	raw := `{"id":101,"senderId":7,"senderName":"Ada","recipientId":"g1","recipientType":"group","content":"hi","timestamp":"2026-03-01T10:15:30.5"}`
	require.NoError(t, json.Unmarshal([]byte(raw), &m))

	assert.Equal(t, ID("101"), m.ID)
	assert.Equal(t, ID("7"), m.SenderID)
	assert.True(t, m.RecipientType.IsGroup())
	assert.Equal(t, "g1", m.ConversationKey())
	assert.Equal(t, time.Date(2026, 3, 1, 10, 15, 30, 500_000_000, time.UTC), m.Timestamp.Time)
}

func TestConversationKeyForDirectMessage(t *testing.T) {
	m := ChatMessage{SenderID: "u2", RecipientID: "me"}
	assert.Equal(t, "u2", m.ConversationKey())
}

func TestParseRecipientType(t *testing.T) {
	assert.Equal(t, RecipientUser, ParseRecipientType(""))
	assert.Equal(t, RecipientGroup, ParseRecipientType("broadcast"))
	assert.Equal(t, RecipientType("TEAM"), ParseRecipientType("team"))
	assert.False(t, RecipientType("TEAM").IsGroup())
	assert.Equal(t, RecipientUser, RecipientType("TEAM").Normalized())
}

func TestNotificationAcceptsReadAlias(t *testing.T) {
	var n Notification
	require.NoError(t, json.Unmarshal([]byte(`{"id":"n1","title":"t","read":true,"createdAt":1767225600000}`), &n))
	assert.True(t, n.IsRead)
	assert.Equal(t, int64(1767225600000), n.CreatedAt.UnixMilli())

	var unread Notification
	require.NoError(t, json.Unmarshal([]byte(`{"id":"n2","isRead":false}`), &unread))
	assert.False(t, unread.IsRead)
}

func TestInstantRejectsGarbage(t *testing.T) {
	var i Instant
	assert.Error(t, json.Unmarshal([]byte(`"yesterday"`), &i))
}

func TestInstantMarshalsRFC3339(t *testing.T) {
	b, err := json.Marshal(NewInstant(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	assert.Equal(t, `"2026-01-01T00:00:00Z"`, string(b))
}

func TestDecodePage(t *testing.T) {
	items, err := DecodePage[ChatMessage](json.RawMessage(`{"content":[{"id":"a"},{"id":"b"}],"totalElements":2}`))
	require.NoError(t, err)
	assert.Len(t, items, 2)

	items, err = DecodePage[ChatMessage](json.RawMessage(`[{"id":"c"}]`))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, ID("c"), items[0].ID)

	items, err = DecodePage[ChatMessage](nil)
	require.NoError(t, err)
	assert.Empty(t, items)
}
