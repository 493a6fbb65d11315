package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	v1 "matchtalk/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

const feedSubprotocol = "matchtalk.feed.v1"

const (
	feedDefaultDialTimeout  = 10 * time.Second
	feedDefaultWriteTimeout = 5 * time.Second
	feedMaxPingFailures     = 3
)

// WSFeed is a ChangeFeed over a WebSocket connection to the upstream row
// feed. One connection is opened per subscription, scoped server-side to a
// single match by the subscribe envelope.
//
// Delivery is best-effort by contract: connect failures, timeouts and
// dropped connections surface as status transitions, never as panics, and
// there is no client-side reconnect (reconnection is the feed's own concern;
// the polling fallback carries delivery meanwhile).
type WSFeed struct {
	log *slog.Logger
	url string

	dialTimeout  time.Duration
	writeTimeout time.Duration
	pingEvery    time.Duration
	pingTimeout  time.Duration
}

// WSFeedConfig configures the feed client. Zero durations fall back to
// package defaults.
type WSFeedConfig struct {
	URL          string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
	PingTimeout  time.Duration
}

// NewWSFeed constructs a WebSocket change-feed client.
func NewWSFeed(log *slog.Logger, cfg WSFeedConfig) (*WSFeed, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("chat: feed url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("chat: feed url: unsupported scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return nil, errors.New("chat: feed url: missing host")
	}
	if log == nil {
		log = slog.Default()
	}

	f := &WSFeed{
		log:          log,
		url:          cfg.URL,
		dialTimeout:  cfg.DialTimeout,
		writeTimeout: cfg.WriteTimeout,
		pingEvery:    cfg.PingInterval,
		pingTimeout:  cfg.PingTimeout,
	}
	if f.dialTimeout <= 0 {
		f.dialTimeout = feedDefaultDialTimeout
	}
	if f.writeTimeout <= 0 {
		f.writeTimeout = feedDefaultWriteTimeout
	}
	if f.pingEvery <= 0 {
		f.pingEvery = heartbeatInterval
	}
	if f.pingTimeout <= 0 {
		f.pingTimeout = heartbeatTimeout
	}
	return f, nil
}

// Subscribe opens a feed connection scoped to matchID. The connection is
// established asynchronously; failures are reported through OnStatus.
// The returned unsubscribe is idempotent and blocks until no handler can
// fire anymore.
func (f *WSFeed) Subscribe(_ context.Context, matchID string, h FeedHandlers) (func(), error) {
	if matchID == "" {
		return nil, ErrInvalidInput
	}

	// The subscription outlives the caller's request context: it is released
	// by unsubscribe, not by request completion.
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go f.run(runCtx, matchID, h, done)

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
	return unsubscribe, nil
}

func (f *WSFeed) run(ctx context.Context, matchID string, h FeedHandlers, done chan struct{}) {
	defer close(done)

	status := func(st FeedStatus, err error) {
		if h.OnStatus != nil {
			h.OnStatus(st, err)
		}
	}

	status(FeedSubscribing, nil)

	dialCtx, dialCancel := context.WithTimeout(ctx, f.dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, f.url, &websocket.DialOptions{
		Subprotocols: []string{feedSubprotocol},
	})
	dialCancel()
	if err != nil {
		if ctx.Err() != nil {
			status(FeedClosed, nil)
			return
		}
		f.log.Warn("feed.dial.fail", "match_id", matchID, "err", err)
		if errors.Is(err, context.DeadlineExceeded) {
			status(FeedTimedOut, err)
		} else {
			status(FeedChannelError, err)
		}
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != feedSubprotocol {
		err := fmt.Errorf("feed subprotocol mismatch: got %q want %q", sp, feedSubprotocol)
		f.log.Warn("feed.subprotocol.mismatch", "match_id", matchID, "got", sp)
		status(FeedChannelError, err)
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	// Scope the connection to exactly one conversation; isolation is
	// enforced by this server-side filter, not by client checks alone.
	subPayload, _ := json.Marshal(v1.FeedSubscribePayload{MatchID: matchID})
	sub := newEnvelope(v1.TypeFeedSubscribe, subPayload, time.Now().UTC())
	if err := writeEnvelope(ctx, conn, sub, f.writeTimeout); err != nil {
		f.log.Warn("feed.subscribe.write.fail", "match_id", matchID, "err", err)
		status(FeedChannelError, err)
		return
	}

	status(FeedSubscribed, nil)

	go f.heartbeat(ctx, conn, matchID)

	for {
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			switch classifyReadErr(err) {
			case readErrCtxDone:
				if ctx.Err() != nil {
					status(FeedClosed, nil)
					return
				}
				status(FeedTimedOut, err)
			case readErrClose, readErrConnClosed:
				f.log.Warn("feed.conn.closed", "match_id", matchID, "err", err)
				status(FeedChannelError, err)
			case readErrBadJSON:
				f.log.Warn("feed.read.bad_json", "match_id", matchID, "err", err)
				continue
			default:
				f.log.Warn("feed.read.fail", "match_id", matchID, "err", err)
				status(FeedChannelError, err)
			}
			return
		}

		if err := env.Validate(); err != nil {
			f.log.Warn("feed.envelope.invalid", "match_id", matchID, "err", err)
			continue
		}

		switch env.Type {
		case v1.TypeFeedEvent:
			f.dispatch(matchID, env.Payload, h)
		case v1.TypeFeedStatus:
			var p v1.FeedStatusPayload
			if err := json.Unmarshal(env.Payload, &p); err == nil {
				status(FeedStatus(p.Status), nil)
			}
		default:
			// Other envelope types are not part of the feed surface.
		}
	}
}

func (f *WSFeed) dispatch(matchID string, raw json.RawMessage, h FeedHandlers) {
	var p v1.FeedEventPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		f.log.Warn("feed.event.bad_payload", "match_id", matchID, "err", err)
		return
	}
	// The server filter scopes the stream; a mismatched event is a feed bug.
	if p.MatchID != "" && p.MatchID != matchID {
		f.log.Warn("feed.event.cross_match", "want", matchID, "got", p.MatchID)
		return
	}

	switch p.Op {
	case v1.FeedOpInsert:
		if p.Message != nil && h.OnInsert != nil {
			h.OnInsert(MessageFromPayload(*p.Message))
		}
	case v1.FeedOpUpdate:
		if p.Message != nil && h.OnUpdate != nil {
			h.OnUpdate(MessageFromPayload(*p.Message))
		}
	case v1.FeedOpDelete:
		if p.MessageID != "" && h.OnDelete != nil {
			h.OnDelete(p.MessageID)
		}
	default:
		f.log.Warn("feed.event.unknown_op", "match_id", matchID, "op", p.Op)
	}
}

func (f *WSFeed) heartbeat(ctx context.Context, conn *websocket.Conn, matchID string) {
	t := time.NewTicker(f.pingEvery)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pingCtx, cancel := context.WithTimeout(ctx, f.pingTimeout)
			err := conn.Ping(pingCtx)
			cancel()

			if err != nil {
				failures++
				f.log.Warn("feed.ping.fail", "match_id", matchID, "failures", failures, "err", err)
				if failures >= feedMaxPingFailures {
					// Force the read loop to notice the dead connection.
					_ = conn.Close(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}
