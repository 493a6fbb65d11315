package chat

import "time"

// Delivery defaults. The polling fallback runs unconditionally alongside the
// change feed; its interval and page size trade network cost for delivery
// latency when the feed is down.
const (
	defaultPollInterval = 3 * time.Second
	defaultPollPage     = 20

	// Initial page fetched on conversation enter (store read, not the feed).
	defaultInitialPage = 50

	// How long an optimistic echo stays matchable against incoming stored
	// messages. Expired echoes stay rendered but no longer absorb arrivals.
	defaultEchoWindow = 15 * time.Second

	// Max message text length (runes).
	maxMessageChars = 4000
)

// Gateway limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Heartbeat defaults (can be overridden by env in gateway.go).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
