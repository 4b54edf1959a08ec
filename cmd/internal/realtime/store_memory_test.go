package realtime

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryStore_FindOrCreatePerUnorderedPair(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	res1, err := s.AppendDirectBatch(ctx, []DirectWrite{{Sender: "alice", Receiver: "bob", Body: "hi", SentAt: now}})
	if err != nil || len(res1) != 1 {
		t.Fatalf("first append: res=%v err=%v", res1, err)
	}
	if !res1[0].NewConversation {
		t.Fatalf("first write must create the conversation")
	}

	// Opposite direction lands in the same conversation.
	res2, err := s.AppendDirectBatch(ctx, []DirectWrite{{Sender: "bob", Receiver: "alice", Body: "yo", SentAt: now.Add(time.Second)}})
	if err != nil || len(res2) != 1 {
		t.Fatalf("second append: res=%v err=%v", res2, err)
	}
	if res2[0].NewConversation {
		t.Fatalf("reply must not create a second conversation")
	}
	if res1[0].ConversationID != res2[0].ConversationID {
		t.Fatalf("conversation ids differ: %d vs %d", res1[0].ConversationID, res2[0].ConversationID)
	}

	msgs, err := s.ListMessages(ctx, res1[0].ConversationID, 50)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if !msgs[0].SentAt.Before(msgs[1].SentAt) {
		t.Fatalf("messages must be ordered by time ASC")
	}
}

func TestInMemoryStore_ConversationListOrderAndUnread(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()

	_, err := s.AppendDirectBatch(ctx, []DirectWrite{
		{Sender: "bob", Receiver: "alice", Body: "one", SentAt: base},
		{Sender: "bob", Receiver: "alice", Body: "two", SentAt: base.Add(time.Second)},
		{Sender: "carol", Receiver: "alice", Body: "hey", SentAt: base.Add(2 * time.Second)},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	convs, err := s.ListConversations(ctx, "alice")
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("got %d conversations, want 2", len(convs))
	}
	if convs[0].Participant != "carol" {
		t.Fatalf("most recently updated first: got %q", convs[0].Participant)
	}
	if convs[1].UnreadCount != 2 {
		t.Fatalf("bob conversation unread=%d, want 2", convs[1].UnreadCount)
	}

	n, err := s.MarkMessagesRead(ctx, convs[1].ID, "alice")
	if err != nil || n != 2 {
		t.Fatalf("MarkMessagesRead: n=%d err=%v, want 2", n, err)
	}

	convs, err = s.ListConversations(ctx, "alice")
	if err != nil {
		t.Fatalf("ListConversations after read: %v", err)
	}
	if convs[1].UnreadCount != 0 {
		t.Fatalf("unread=%d after mark-read, want 0", convs[1].UnreadCount)
	}

	// Bob's own messages never count as unread for bob.
	convsBob, err := s.ListConversations(ctx, "bob")
	if err != nil {
		t.Fatalf("ListConversations(bob): %v", err)
	}
	if convsBob[0].UnreadCount != 0 {
		t.Fatalf("sender-side unread=%d, want 0", convsBob[0].UnreadCount)
	}
}

func TestInMemoryStore_AppendGroupMessage(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()

	stored, err := s.AppendGroupMessage(ctx, GroupWrite{
		GroupID:    7,
		Sender:     "alice",
		Body:       "hello group",
		Attachment: "photo.png",
		SentAt:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("AppendGroupMessage: %v", err)
	}
	if stored.ID == "" {
		t.Fatalf("stored message must carry a durable id")
	}
	if stored.GroupID != 7 || stored.Attachment != "photo.png" {
		t.Fatalf("stored record mismatch: %#v", stored)
	}

	got := s.GroupMessages(7)
	if len(got) != 1 || got[0].ID != stored.ID {
		t.Fatalf("group log mismatch: %#v", got)
	}

	if _, err := s.AppendGroupMessage(ctx, GroupWrite{GroupID: 0, Sender: "alice"}); err == nil {
		t.Fatalf("invalid group id must be rejected")
	}
}

func TestInMemoryMembership(t *testing.T) {
	t.Parallel()

	m := NewInMemoryMembership()
	m.Add(7, "alice")

	ok, err := m.IsMember(context.Background(), "alice", 7)
	if err != nil || !ok {
		t.Fatalf("alice must be a member: ok=%v err=%v", ok, err)
	}
	ok, err = m.IsMember(context.Background(), "mallory", 7)
	if err != nil || ok {
		t.Fatalf("mallory must not be a member: ok=%v err=%v", ok, err)
	}
}
