package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max message text length (runes).
	maxMessageChars = 4000

	// Bounded record of recently seen message identifiers per session.
	dedupWindowSize = 100
)

const (
	// Persistence batcher drain trigger and ceiling.
	batchPollInterval = 100 * time.Millisecond
	batchMaxSize      = 10

	// Pending-write queue depth per session. The hot path never blocks on
	// this queue; overflow is dropped and counted.
	batchQueueSize = 256

	// Bound on the final flush attempted during session teardown.
	batchDrainTimeout = 2 * time.Second
)

const (
	// Heartbeat defaults (can be overridden by env in ws_gateway.go).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)

// Close codes for rejected connection attempts (wire-stable).
const (
	CloseNoCredential      = 4001
	CloseInvalidCredential = 4002
	CloseNotMember         = 4003
)
