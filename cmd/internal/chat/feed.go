package chat

import "context"

// FeedStatus describes change-feed connection-state transitions. Statuses are
// observable for diagnostics but are not required for correctness; the
// polling fallback guarantees delivery regardless of feed health.
type FeedStatus string

const (
	FeedSubscribing  FeedStatus = "subscribing"
	FeedSubscribed   FeedStatus = "subscribed"
	FeedChannelError FeedStatus = "channel_error"
	FeedTimedOut     FeedStatus = "timed_out"
	FeedClosed       FeedStatus = "closed"
)

// FeedHandlers receives push notifications for one subscribed match.
// Handlers may be nil; nil handlers are skipped.
type FeedHandlers struct {
	OnInsert func(Message)
	OnUpdate func(Message)
	OnDelete func(messageID string)
	OnStatus func(status FeedStatus, err error)
}

// ChangeFeed pushes row-level changes on the message store, filtered by
// match. Delivery is best-effort: the feed may fail to connect, time out, or
// drop events without crashing the subscriber.
type ChangeFeed interface {
	// Subscribe scopes a subscription to exactly one match and returns an
	// unsubscribe function. Unsubscribe is idempotent and releases the
	// subscription synchronously: no handler fires after it returns.
	Subscribe(ctx context.Context, matchID string, h FeedHandlers) (func(), error)
}

// NopFeed is used when no upstream feed is configured; sessions then rely on
// the polling fallback alone.
type NopFeed struct{}

// Subscribe reports FeedClosed once and never delivers events.
func (NopFeed) Subscribe(_ context.Context, _ string, h FeedHandlers) (func(), error) {
	if h.OnStatus != nil {
		h.OnStatus(FeedClosed, nil)
	}
	return func() {}, nil
}
