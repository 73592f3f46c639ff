package service

import (
	"context"
	"encoding/json"
	"errors"

	commonlog "crm_realtime/client/common/log"
	"crm_realtime/client/common/observability"
	"crm_realtime/client/realtime/domain"
)

const (
	StreamChat         = "chat"
	StreamNotification = "notification"
	StreamTyping       = "typing"
	StreamUnknown      = "unknown"

	OutcomeAccepted  = "accepted"
	OutcomeDuplicate = "duplicate"
	OutcomeMalformed = "malformed"
	OutcomeIgnored   = "ignored"
)

var errMissingIdentity = errors.New("frame has no identity")

// Router turns inbound frame bodies into state changes. It only mutates
// local state; the only outbound side effect is the optional event mirror.
type Router struct {
	selfID        func() string
	messages      *MessageLog
	notifications *NotificationList
	typing        *TypingTracker
	unread        *UnreadLedger
	events        EventSink
}

func NewRouter(selfID func() string, messages *MessageLog, notifications *NotificationList, typing *TypingTracker, unread *UnreadLedger, events EventSink) *Router {
	return &Router{
		selfID:        selfID,
		messages:      messages,
		notifications: notifications,
		typing:        typing,
		unread:        unread,
		events:        events,
	}
}

func StreamFor(destination string) string {
	switch {
	case destination == QueueChat, IsBroadcastTopic(destination):
		return StreamChat
	case destination == QueueNotifications:
		return StreamNotification
	case destination == QueueTyping:
		return StreamTyping
	default:
		return StreamUnknown
	}
}

// Route dispatches one frame body by destination and returns its outcome.
// Malformed bodies are dropped and never abort the session.
func (r *Router) Route(destination string, body []byte) string {
	stream := StreamFor(destination)
	var outcome string
	var err error
	switch stream {
	case StreamChat:
		outcome, err = r.routeChat(body)
	case StreamNotification:
		outcome, err = r.routeNotification(body)
	case StreamTyping:
		outcome, err = r.routeTyping(body)
	default:
		outcome = OutcomeIgnored
		commonlog.Debugf("event=router action=route status=ignored destination=%s", destination)
	}
	if err != nil {
		outcome = OutcomeMalformed
		commonlog.Warnf("event=router action=route status=dropped stream=%s destination=%s error=%v", stream, destination, err)
	}
	observability.IncInboundFrame(stream, outcome)
	return outcome
}

func (r *Router) routeChat(body []byte) (string, error) {
	var msg domain.ChatMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return "", err
	}
	if msg.ID == "" {
		return "", errMissingIdentity
	}
	if !r.messages.Append(msg) {
		return OutcomeDuplicate, nil
	}
	if string(msg.SenderID) != r.selfID() {
		r.unread.Increment(msg.ConversationKey())
	}
	r.mirror(EventChatReceived, msg)
	return OutcomeAccepted, nil
}

func (r *Router) routeNotification(body []byte) (string, error) {
	var n domain.Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return "", err
	}
	if n.ID == "" {
		return "", errMissingIdentity
	}
	if !r.notifications.Prepend(n) {
		return OutcomeDuplicate, nil
	}
	r.mirror(EventNotification, n)
	return OutcomeAccepted, nil
}

func (r *Router) routeTyping(body []byte) (string, error) {
	var ind domain.TypingIndicator
	if err := json.Unmarshal(body, &ind); err != nil {
		return "", err
	}
	if ind.UserID == "" || ind.RecipientID == "" {
		return "", errMissingIdentity
	}
	r.typing.Apply(ind)
	return OutcomeAccepted, nil
}

func (r *Router) mirror(event string, payload any) {
	if r.events == nil {
		return
	}
	_ = r.events.Publish(context.Background(), event, payload)
}
