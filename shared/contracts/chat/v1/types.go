// Package v1 defines the StudVerse chat wire protocol.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Frame type discriminators (wire-stable).
const (
	// TypePing is a liveness probe (client -> server).
	TypePing = "ping"
	// TypePong answers a ping, echoing the client timestamp (server -> client).
	TypePong = "pong"

	// TypeMessage marks a delivered chat message (server -> receiver sessions).
	TypeMessage = "message"
	// TypeMessageSent marks the sender's own echo copy (server -> sender sessions).
	TypeMessageSent = "message_sent"

	// TypeConversationRefresh tells the receiver a new conversation appeared.
	TypeConversationRefresh = "conversation_refresh"

	// TypeError is a per-client error frame (server -> offending client only).
	TypeError = "error"
)

// Inbound is the tagged union of frames a client may send.
// The concrete variants are Ping and ChatSend (direct) or GroupSend (group).
type Inbound interface {
	isInbound()
}

// Ping is a client liveness probe. The timestamp is echoed back verbatim.
type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

func (Ping) isInbound() {}

// ChatSend is a direct-message send request.
// Timestamp is optional client milliseconds; nil means server wall-clock.
type ChatSend struct {
	Message   string `json:"message"`
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver"`
	Timestamp *int64 `json:"timestamp,omitempty"`
}

func (ChatSend) isInbound() {}

// GroupSend is a group-message send request.
type GroupSend struct {
	Message    string `json:"message"`
	Sender     string `json:"sender"`
	Attachment string `json:"attachment,omitempty"`
	Timestamp  *int64 `json:"timestamp,omitempty"`
}

func (GroupSend) isInbound() {}

// Validate checks structural requirements for a direct send.
func (s ChatSend) Validate() error {
	if strings.TrimSpace(s.Sender) == "" {
		return errors.New("missing sender")
	}
	if strings.TrimSpace(s.Receiver) == "" {
		return errors.New("missing receiver")
	}
	if strings.TrimSpace(s.Message) == "" {
		return errors.New("empty message")
	}
	return nil
}

// Validate checks structural requirements for a group send.
func (s GroupSend) Validate() error {
	if strings.TrimSpace(s.Sender) == "" {
		return errors.New("missing sender")
	}
	if strings.TrimSpace(s.Message) == "" && strings.TrimSpace(s.Attachment) == "" {
		return errors.New("empty message")
	}
	return nil
}

// probe is the superset shape used to classify raw inbound frames.
type probe struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	Sender     string `json:"sender"`
	Receiver   string `json:"receiver"`
	Attachment string `json:"attachment"`
	Timestamp  *int64 `json:"timestamp"`
}

// DecodeInbound parses a raw client frame on the direct-chat socket.
// Frames carrying "type":"ping" are probes; everything else must be a ChatSend.
func DecodeInbound(data []byte) (Inbound, error) {
	var p probe
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	switch p.Type {
	case TypePing:
		var ts int64
		if p.Timestamp != nil {
			ts = *p.Timestamp
		}
		return Ping{Timestamp: ts}, nil
	case "":
		send := ChatSend{
			Message:   p.Message,
			Sender:    p.Sender,
			Receiver:  p.Receiver,
			Timestamp: p.Timestamp,
		}
		if err := send.Validate(); err != nil {
			return nil, err
		}
		return send, nil
	default:
		return nil, fmt.Errorf("unsupported type: %q", p.Type)
	}
}

// DecodeGroupInbound parses a raw client frame on a group socket.
func DecodeGroupInbound(data []byte) (Inbound, error) {
	var p probe
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	switch p.Type {
	case TypePing:
		var ts int64
		if p.Timestamp != nil {
			ts = *p.Timestamp
		}
		return Ping{Timestamp: ts}, nil
	case "":
		send := GroupSend{
			Message:    p.Message,
			Sender:     p.Sender,
			Attachment: p.Attachment,
			Timestamp:  p.Timestamp,
		}
		if err := send.Validate(); err != nil {
			return nil, err
		}
		return send, nil
	default:
		return nil, fmt.Errorf("unsupported type: %q", p.Type)
	}
}

// ---- Outbound frames ----

// Pong answers a Ping.
type Pong struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// NewPong echoes the client timestamp.
func NewPong(clientTS int64) Pong {
	return Pong{Type: TypePong, Timestamp: clientTS}
}

// ChatDeliver is a delivered direct message. Type is TypeMessage for the
// receiver and TypeMessageSent for the sender's own echo copy.
//
// ConversationID is null until a durable write for the participant pair has
// been observed by the delivering session.
type ChatDeliver struct {
	Type              string `json:"type"`
	Message           string `json:"message"`
	Sender            string `json:"sender"`
	Receiver          string `json:"receiver"`
	MessageID         string `json:"message_id"`
	Timestamp         int64  `json:"timestamp"`
	ConversationID    *int64 `json:"conversation_id"`
	IsNewConversation bool   `json:"is_new_conversation"`

	SenderFullName string `json:"sender_full_name,omitempty"`
	SenderAvatar   string `json:"sender_profile_picture,omitempty"`
}

// ConversationRefresh tells a receiver to refetch its conversation list.
type ConversationRefresh struct {
	Type           string `json:"type"`
	ConversationID *int64 `json:"conversation_id"`
	Sender         string `json:"sender"`
}

// GroupDeliver is the full durable group-message record fanned out to the
// group room after a successful write.
type GroupDeliver struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	GroupID    int64  `json:"group_id"`
	Sender     string `json:"sender"`
	Message    string `json:"message"`
	Attachment string `json:"attachment,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// ErrorFrame is sent to the offending client only, never broadcast.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewErrorFrame builds an error frame.
func NewErrorFrame(msg string) ErrorFrame {
	return ErrorFrame{Type: TypeError, Message: msg}
}
