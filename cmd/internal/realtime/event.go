package realtime

import (
	v1 "github.com/Purna998/studverse-chatapplication/shared/contracts/chat/v1"
)

// Event is the tagged union of values delivered through a Room.
//
// ChatEvent and GroupEvent are published by sessions; controlFrame carries
// session-local frames (pong, error, refresh) through the same send queue so
// a session observes everything in one FIFO order.
type Event interface {
	isEvent()
}

// ChatEvent is a direct message in flight between sessions.
//
// Echo marks the sender-confirmation copy published to the sender's own room;
// the receiver copy has Echo=false. Both copies share the same MessageID so a
// session that sees the event twice surfaces it once.
type ChatEvent struct {
	MessageID string
	Sender    string
	Receiver  string
	Body      string

	// Timestamp is server seconds (client milliseconds normalized at ingress).
	Timestamp int64

	// ConversationID is resolved from the process-wide pair cache at fanout
	// time; nil until a durable write for the pair has been observed.
	ConversationID    *int64
	IsNewConversation bool

	Echo bool

	SenderFullName string
	SenderAvatar   string
}

func (ChatEvent) isEvent() {}

// GroupEvent is a durably stored group message fanned out to a group room.
type GroupEvent struct {
	Stored StoredGroupMessage
}

func (GroupEvent) isEvent() {}

type controlFrame struct {
	frame any
}

func (controlFrame) isEvent() {}

// deliverFrames renders the frames a session must write for a ChatEvent.
func (e ChatEvent) deliverFrames(forUser string) []any {
	typ := v1.TypeMessage
	if e.Echo {
		typ = v1.TypeMessageSent
	}

	out := []any{v1.ChatDeliver{
		Type:              typ,
		Message:           e.Body,
		Sender:            e.Sender,
		Receiver:          e.Receiver,
		MessageID:         e.MessageID,
		Timestamp:         e.Timestamp,
		ConversationID:    e.ConversationID,
		IsNewConversation: e.IsNewConversation,
		SenderFullName:    e.SenderFullName,
		SenderAvatar:      e.SenderAvatar,
	}}

	// A brand-new conversation is announced to the receiving user so its
	// conversation list refreshes without polling.
	if e.IsNewConversation && !e.Echo && forUser == e.Receiver {
		out = append(out, v1.ConversationRefresh{
			Type:           v1.TypeConversationRefresh,
			ConversationID: e.ConversationID,
			Sender:         e.Sender,
		})
	}

	return out
}
