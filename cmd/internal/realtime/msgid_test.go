package realtime

import (
	"testing"
	"time"
)

func TestDeriveMessageID_ClientTimestampIsDeterministic(t *testing.T) {
	t.Parallel()

	ms := int64(1700000000123)
	now := time.Now().UTC()

	a := DeriveMessageID("alice", "bob", &ms, now, 1)
	b := DeriveMessageID("alice", "bob", &ms, now.Add(time.Hour), 99)

	if a != b {
		t.Fatalf("ids differ for identical client input: %q vs %q", a, b)
	}
	if a != "alice:bob:1700000000123" {
		t.Fatalf("unexpected id %q", a)
	}
}

func TestDeriveMessageID_ServerTimestampMixesCounter(t *testing.T) {
	t.Parallel()

	now := time.UnixMilli(1700000000123).UTC()

	a := DeriveMessageID("alice", "bob", nil, now, 1)
	b := DeriveMessageID("alice", "bob", nil, now, 2)

	if a == b {
		t.Fatalf("two sends in the same millisecond must not collide: %q", a)
	}
}

func TestDeriveMessageID_DirectionMatters(t *testing.T) {
	t.Parallel()

	ms := int64(1700000000123)
	a := DeriveMessageID("alice", "bob", &ms, time.Now(), 1)
	b := DeriveMessageID("bob", "alice", &ms, time.Now(), 1)
	if a == b {
		t.Fatalf("opposite directions must have distinct ids")
	}
}

func TestNormalizeTimestamp(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000042, 0).UTC()

	tests := []struct {
		name     string
		clientMS *int64
		want     int64
	}{
		{name: "client milliseconds", clientMS: ptrInt64(1700000000123), want: 1700000000},
		{name: "nil falls back to now", clientMS: nil, want: 1700000042},
		{name: "non-positive falls back to now", clientMS: ptrInt64(0), want: 1700000042},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := NormalizeTimestamp(tc.clientMS, now); got != tc.want {
				t.Fatalf("got %d, want %d", got, tc.want)
			}
		})
	}
}

func ptrInt64(v int64) *int64 { return &v }
