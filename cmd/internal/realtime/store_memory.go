package realtime

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

const memMaxMessagesPerConversation = 10_000

// InMemoryStore is a dev/test fallback when no database is configured.
// It honors the same contract as the Postgres store: find-or-create per
// unordered pair, updated_at touch on every append, and read flags.
type InMemoryStore struct {
	mu      sync.Mutex
	nextID  int64
	convs   map[string]*memConv
	nextMsg int64

	groupSeq int64
	groups   map[int64][]StoredGroupMessage
}

type memConv struct {
	id        int64
	userA     string
	userB     string
	updatedAt time.Time
	msgs      []StoredDirectMessage
}

// NewInMemoryStore constructs an in-memory MessageStore implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		convs:  make(map[string]*memConv),
		groups: make(map[int64][]StoredGroupMessage),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// AppendDirectBatch persists a drained batch in one logical round trip.
func (s *InMemoryStore) AppendDirectBatch(ctx context.Context, writes []DirectWrite) ([]DirectWriteResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([]DirectWriteResult, 0, len(writes))
	for _, w := range writes {
		if w.Sender == "" || w.Receiver == "" {
			return nil, errors.New("invalid write")
		}

		key := pairKey(w.Sender, w.Receiver)
		c, ok := s.convs[key]
		created := false
		if !ok {
			s.nextID++
			a, b := w.Sender, w.Receiver
			if a > b {
				a, b = b, a
			}
			c = &memConv{id: s.nextID, userA: a, userB: b}
			s.convs[key] = c
			created = true
		}

		now := w.SentAt
		if now.IsZero() {
			now = time.Now().UTC()
		}

		s.nextMsg++
		c.msgs = append(c.msgs, StoredDirectMessage{
			ID:             s.nextMsg,
			ConversationID: c.id,
			Sender:         w.Sender,
			Body:           w.Body,
			SentAt:         now,
		})
		c.updatedAt = now

		// Bound memory to avoid unbounded growth in dev.
		if len(c.msgs) > memMaxMessagesPerConversation {
			c.msgs = c.msgs[len(c.msgs)-memMaxMessagesPerConversation:]
		}

		results = append(results, DirectWriteResult{
			ConversationID:  c.id,
			MessageRowID:    s.nextMsg,
			NewConversation: created,
		})
	}

	return results, nil
}

// AppendGroupMessage writes one group message and returns the stored record.
func (s *InMemoryStore) AppendGroupMessage(ctx context.Context, in GroupWrite) (StoredGroupMessage, error) {
	if err := ctx.Err(); err != nil {
		return StoredGroupMessage{}, err
	}
	if in.GroupID <= 0 || in.Sender == "" {
		return StoredGroupMessage{}, errors.New("invalid group write")
	}

	now := in.SentAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := NewStoredMessageID(now)
	if err != nil {
		return StoredGroupMessage{}, err
	}

	stored := StoredGroupMessage{
		ID:         id,
		GroupID:    in.GroupID,
		Sender:     in.Sender,
		Body:       in.Body,
		Attachment: in.Attachment,
		SentAt:     now,
	}

	s.mu.Lock()
	s.groups[in.GroupID] = append(s.groups[in.GroupID], stored)
	s.mu.Unlock()

	return stored, nil
}

// ListConversations returns the user's conversations, most recent first.
func (s *InMemoryStore) ListConversations(ctx context.Context, username string) ([]ConversationSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ConversationSummary
	for _, c := range s.convs {
		if c.userA != username && c.userB != username {
			continue
		}
		other := c.userA
		if other == username {
			other = c.userB
		}
		unread := 0
		for _, m := range c.msgs {
			if !m.Read && m.Sender != username {
				unread++
			}
		}
		out = append(out, ConversationSummary{
			ID:          c.id,
			Participant: other,
			UpdatedAt:   c.updatedAt,
			UnreadCount: unread,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// ListMessages returns a conversation's messages ordered by time ASC.
func (s *InMemoryStore) ListMessages(ctx context.Context, conversationID int64, limit int) ([]StoredDirectMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.convs {
		if c.id != conversationID {
			continue
		}
		msgs := c.msgs
		if len(msgs) > limit {
			msgs = msgs[len(msgs)-limit:]
		}
		return append([]StoredDirectMessage(nil), msgs...), nil
	}
	return nil, nil
}

// MarkMessagesRead flags messages addressed to username as read.
func (s *InMemoryStore) MarkMessagesRead(ctx context.Context, conversationID int64, username string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, c := range s.convs {
		if c.id != conversationID {
			continue
		}
		for i := range c.msgs {
			if !c.msgs[i].Read && c.msgs[i].Sender != username {
				c.msgs[i].Read = true
				n++
			}
		}
	}
	return n, nil
}

// GroupMessages returns stored group messages (test/dev introspection).
func (s *InMemoryStore) GroupMessages(groupID int64) []StoredGroupMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StoredGroupMessage(nil), s.groups[groupID]...)
}

// InMemoryMembership is a MembershipStore for dev and tests.
type InMemoryMembership struct {
	mu      sync.RWMutex
	members map[int64]map[string]struct{}
}

// NewInMemoryMembership constructs an empty membership store.
func NewInMemoryMembership() *InMemoryMembership {
	return &InMemoryMembership{members: make(map[int64]map[string]struct{})}
}

// Add records username as a member of groupID.
func (m *InMemoryMembership) Add(groupID int64, username string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.members[groupID]
	if !ok {
		set = make(map[string]struct{})
		m.members[groupID] = set
	}
	set[username] = struct{}{}
}

// IsMember reports whether username belongs to groupID.
func (m *InMemoryMembership) IsMember(_ context.Context, username string, groupID int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.members[groupID][username]
	return ok, nil
}

// StaticProfiles is a ProfileStore backed by a fixed map (dev and tests).
type StaticProfiles map[string]Profile

// Profile returns the profile for username; absent users get a zero Profile.
func (p StaticProfiles) Profile(_ context.Context, username string) (Profile, error) {
	return p[username], nil
}
