package realtime

import (
	"context"
	"time"
)

// DirectWrite is one pending durable write produced by the gateway hot path.
type DirectWrite struct {
	Sender   string
	Receiver string
	Body     string
	SentAt   time.Time
}

// DirectWriteResult describes the conversation a write landed in.
type DirectWriteResult struct {
	ConversationID  int64
	MessageRowID    int64
	NewConversation bool
}

// GroupWrite is a group-message append request.
type GroupWrite struct {
	GroupID    int64
	Sender     string
	Body       string
	Attachment string
	SentAt     time.Time
}

// StoredGroupMessage is the canonical persisted group message representation.
type StoredGroupMessage struct {
	ID         string
	GroupID    int64
	Sender     string
	Body       string
	Attachment string
	SentAt     time.Time
}

// ConversationSummary is one row of a user's conversation list.
type ConversationSummary struct {
	ID          int64
	Participant string
	UpdatedAt   time.Time
	UnreadCount int
}

// StoredDirectMessage is a persisted direct message.
type StoredDirectMessage struct {
	ID             int64
	ConversationID int64
	Sender         string
	Body           string
	SentAt         time.Time
	Read           bool
}

// MessageStore persists conversations and messages.
//
// Requirements:
//   - AppendDirectBatch resolves find-or-create per unordered participant
//     pair and must be safe against concurrent callers racing to create the
//     same conversation.
//   - Every append touches the conversation's updated_at.
type MessageStore interface {
	// AppendDirectBatch performs one durable round trip for a drained batch.
	// Results are positionally aligned with writes.
	AppendDirectBatch(ctx context.Context, writes []DirectWrite) ([]DirectWriteResult, error)

	// AppendGroupMessage writes one group message synchronously and returns
	// the full stored record.
	AppendGroupMessage(ctx context.Context, in GroupWrite) (StoredGroupMessage, error)

	// ListConversations returns the user's conversations, most recent first.
	ListConversations(ctx context.Context, username string) ([]ConversationSummary, error)

	// ListMessages returns a conversation's messages ordered by time ASC.
	ListMessages(ctx context.Context, conversationID int64, limit int) ([]StoredDirectMessage, error)

	// MarkMessagesRead flags messages addressed to username as read.
	MarkMessagesRead(ctx context.Context, conversationID int64, username string) (int64, error)

	Close() error
}

// Profile carries the sender profile fields attached to delivered frames.
type Profile struct {
	FullName string
	Avatar   string
}

// ProfileStore resolves display profiles for authenticated users.
type ProfileStore interface {
	Profile(ctx context.Context, username string) (Profile, error)
}

// MembershipStore defines the authorization boundary for group access.
type MembershipStore interface {
	// IsMember returns true if username is an active member of groupID.
	IsMember(ctx context.Context, username string, groupID int64) (bool, error)
}
