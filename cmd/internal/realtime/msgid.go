package realtime

import (
	"fmt"
	"time"
)

// DeriveMessageID computes the dedup identifier for a direct message.
//
// When the client supplied a timestamp the id is fully deterministic over
// (sender, receiver, millisecond timestamp) so a network-level resend of the
// same frame collapses into one delivery. When the server generates the
// timestamp, a per-session monotonic counter is mixed in so two sends inside
// the same millisecond cannot collide.
func DeriveMessageID(sender, receiver string, clientMS *int64, now time.Time, counter uint64) string {
	if clientMS != nil {
		return fmt.Sprintf("%s:%s:%d", sender, receiver, *clientMS)
	}
	return fmt.Sprintf("%s:%s:%d:%d", sender, receiver, now.UnixMilli(), counter)
}

// NormalizeTimestamp converts an optional client millisecond timestamp into
// server seconds, falling back to local wall-clock.
func NormalizeTimestamp(clientMS *int64, now time.Time) int64 {
	if clientMS != nil && *clientMS > 0 {
		return *clientMS / 1000
	}
	return now.Unix()
}
