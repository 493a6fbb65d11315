package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	v1 "matchtalk/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

const (
	uiSubprotocol = "matchtalk.ui.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults: Origin is required and only localhost is allowed
	// unless overridden (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Gateway is the UI-facing WebSocket entrypoint of the delivery subsystem.
//
// It enforces origin policy, subprotocol selection, rate limits and
// heartbeats, and translates validated envelopes into conversation-session
// operations on the Manager. Incremental delivery flows back through
// per-connection bounded send queues.
type Gateway struct {
	log *slog.Logger
	mgr *Manager

	originRequired bool
	allowedOrigins []string
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewGateway constructs a gateway with secure defaults.
func NewGateway(log *slog.Logger, mgr *Manager) *Gateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	g := &Gateway{log: log, mgr: mgr}

	g.originRequired = envBoolWS("MT_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("MT_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)
	g.originPatterns = originPatterns(g.allowedOrigins)

	g.writeTimeout = envDurationWS("MT_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("MT_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("MT_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("MT_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("MT_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("MT_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("MT_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the
// gateway loop until the peer disconnects or the server shuts down.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{uiSubprotocol},
		OriginPatterns: g.originPatterns,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != uiSubprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", uiSubprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID := NewRandomHex(10)
	client := NewClient("", sessionID, g.sendQueueSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// entered tracks conversations opened over this connection so abnormal
	// teardown still releases every registration (scoped acquisition: the
	// connection is the resource scope). The session itself survives as long
	// as another connection holds a registration on it.
	entered := make(map[string]*Registration) // by match_id

	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			for _, reg := range entered {
				reg.Leave()
			}

			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go g.writeLoop(ctx, conn, client, sessionID, shutdown, writerDone)

	heartbeatDone := make(chan struct{})
	go g.heartbeatLoop(ctx, conn, client, sessionID, shutdown, heartbeatDone)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			kind := classifyReadErr(err)
			if kind == readErrBadJSON {
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue
			}
			switch kind {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			break
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(ctx, client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			ackPayload, _ := json.Marshal(v1.HelloAckPayload{SessionID: sessionID})
			if !client.TrySend(newEnvelope(v1.TypeHelloAck, ackPayload, now)) {
				shutdown(websocket.StatusAbnormalClosure, "backpressure: hello_ack")
				break readLoop
			}

		case v1.TypeConversationEnter:
			if err := g.onEnter(ctx, client, entered, env, now); err != nil {
				// Initial-fetch failure is a blocking error; the client
				// retries by re-entering.
				g.trySendError(ctx, client, "enter_failed", err.Error())
				continue readLoop
			}

		case v1.TypeMessageSend:
			if err := g.onSend(ctx, entered, env); err != nil {
				code := "send_failed"
				if errors.Is(err, ErrEmptyContent) {
					code = "empty_content"
				}
				g.trySendError(ctx, client, code, err.Error())
				continue readLoop
			}

		case v1.TypeMessageDelete:
			if err := g.onDelete(ctx, entered, env); err != nil {
				g.trySendError(ctx, client, "delete_failed", err.Error())
				continue readLoop
			}

		case v1.TypeConversationLeave:
			var p v1.ConversationLeavePayload
			if err := json.Unmarshal(env.Payload, &p); err != nil || p.MatchID == "" {
				g.trySendError(ctx, client, "bad_payload", "missing match_id")
				continue readLoop
			}
			if reg, ok := entered[p.MatchID]; ok {
				reg.Leave()
				delete(entered, p.MatchID)
			}

		default:
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// writeLoop is the only goroutine that writes envelopes to conn. A failed
// write tears the connection down; the session's poller covers whatever the
// queue was still holding.
func (g *Gateway) writeLoop(ctx context.Context, conn *websocket.Conn, client *Client, sessionID string, shutdown func(websocket.StatusCode, string), done chan<- struct{}) {
	defer close(done)

	for {
		var env v1.Envelope
		select {
		case env = <-client.Send:
		case <-client.Done():
			return
		case <-ctx.Done():
			return
		}

		if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
			g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
			shutdown(websocket.StatusAbnormalClosure, "write failed")
			return
		}
	}
}

func (g *Gateway) heartbeatLoop(ctx context.Context, conn *websocket.Conn, client *Client, sessionID string, shutdown func(websocket.StatusCode, string), done chan<- struct{}) {
	defer close(done)

	t := time.NewTicker(g.heartbeatEvery)
	defer t.Stop()

	misses := 0
	for {
		select {
		case <-client.Done():
			return
		case <-ctx.Done():
			return
		case <-t.C:
		}

		if err := g.ping(ctx, conn); err != nil {
			misses++
			g.log.Info("ws.ping.fail", "session_id", sessionID, "misses", misses, "err", err)
			if misses >= wsMaxPingFailures {
				shutdown(websocket.StatusGoingAway, "heartbeat failed")
				return
			}
			continue
		}
		misses = 0
	}
}

func (g *Gateway) ping(ctx context.Context, conn *websocket.Conn) error {
	pctx, cancel := context.WithTimeout(ctx, g.heartbeatTimeout)
	defer cancel()
	return conn.Ping(pctx)
}

// ---- handlers ----

func (g *Gateway) onEnter(ctx context.Context, client *Client, entered map[string]*Registration, env v1.Envelope, now time.Time) error {
	var p v1.ConversationEnterPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	matchID := strings.TrimSpace(p.MatchID)
	viewerID := strings.TrimSpace(p.ViewerID)
	if matchID == "" || viewerID == "" {
		return errors.New("missing match_id or viewer_id")
	}
	if client.ViewerID == "" {
		client.ViewerID = viewerID
	}

	var snapshot []Message
	if reg, ok := entered[matchID]; ok {
		if reg.Session().ViewerID() != viewerID {
			return errors.New("conversation entered as a different viewer")
		}
		// Re-enter over the same connection: refresh the snapshot without
		// stacking a second delivery sink.
		snap, err := reg.Session().Snapshot(ctx)
		if err != nil {
			return err
		}
		snapshot = snap
	} else {
		reg, snap, err := g.mgr.Enter(ctx, matchID, viewerID, Role(p.ViewerRole), g.deliveryCallbacks(client, matchID))
		if err != nil {
			return err
		}
		entered[matchID] = reg
		snapshot = snap
	}

	msgs := make([]v1.MessagePayload, 0, len(snapshot))
	for _, m := range snapshot {
		msgs = append(msgs, m.ToPayload())
	}
	snapPayload, _ := json.Marshal(v1.ConversationSnapshotPayload{
		MatchID:  matchID,
		Messages: msgs,
	})
	if !client.TrySend(newEnvelope(v1.TypeConversationSnapshot, snapPayload, now)) {
		return errors.New("backpressure: snapshot")
	}
	return nil
}

func (g *Gateway) onSend(ctx context.Context, entered map[string]*Registration, env v1.Envelope) error {
	var p v1.MessageSendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	sess := g.enteredSession(entered, p.MatchID)
	if sess == nil {
		return errors.New("conversation not entered")
	}

	_, err := sess.Send(ctx, p.Content)
	return err
}

func (g *Gateway) onDelete(ctx context.Context, entered map[string]*Registration, env v1.Envelope) error {
	var p v1.MessageDeletePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if p.MessageID == "" {
		return errors.New("missing message_id")
	}

	sess := g.enteredSession(entered, p.MatchID)
	if sess == nil {
		return errors.New("conversation not entered")
	}

	return sess.DeleteForMe(ctx, p.MessageID)
}

func (g *Gateway) enteredSession(entered map[string]*Registration, matchID string) *Session {
	reg, ok := entered[matchID]
	if !ok {
		return nil
	}
	return reg.Session()
}

// deliveryCallbacks bridges one conversation session to this connection's
// send queue. Callbacks only enqueue (non-blocking), which keeps them safe
// to run under the session lock.
func (g *Gateway) deliveryCallbacks(client *Client, matchID string) Callbacks {
	now := func() time.Time { return time.Now().UTC() }

	return Callbacks{
		OnMessage: func(m Message, pending bool) {
			p, _ := json.Marshal(v1.MessageNewPayload{MatchID: matchID, Message: m.ToPayload(), Pending: pending})
			client.TrySend(newEnvelope(v1.TypeMessageNew, p, now()))
		},
		OnResolved: func(localID string, m Message) {
			p, _ := json.Marshal(v1.MessageResolvedPayload{MatchID: matchID, LocalID: localID, Message: m.ToPayload()})
			client.TrySend(newEnvelope(v1.TypeMessageResolved, p, now()))
		},
		OnUpdated: func(m Message) {
			p, _ := json.Marshal(v1.MessageUpdatedPayload{MatchID: matchID, Message: m.ToPayload()})
			client.TrySend(newEnvelope(v1.TypeMessageUpdated, p, now()))
		},
		OnRemoved: func(messageID string) {
			p, _ := json.Marshal(v1.MessageRemovedPayload{MatchID: matchID, MessageID: messageID})
			client.TrySend(newEnvelope(v1.TypeMessageRemoved, p, now()))
		},
	}
}

// ---- send helpers ----

func (g *Gateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	if ctx.Err() != nil {
		return
	}
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	client.TrySend(newEnvelope(v1.TypeError, p, time.Now().UTC()))
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}
	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	host := originHost(origin)
	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" || a == origin {
			return nil
		}
		if host != "" && host == originHost(a) {
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

// originHost extracts the lowercase host from an origin in URL or host[:port] form.
func originHost(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = u.Host
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// originPatterns derives websocket.Accept host patterns from the allowlist so
// both origin layers agree on which cross-origin hosts are authorized.
func originPatterns(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	out := make([]string, 0, len(allowed))
	for _, a := range allowed {
		h := originHost(a)
		if h == "" || h == "*" {
			continue
		}
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}

// ---- env helpers ----
//
// The chat package cannot import the app config layer (app imports chat),
// so the gateway reads its own tuning knobs.

func envWS(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

func envBoolWS(key string, def bool) bool {
	v, ok := envWS(key)
	if !ok {
		return def
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return def
}

func envIntWS(key string, def int) int {
	v, ok := envWS(key)
	if !ok {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return n
	}
	return def
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v, ok := envWS(key)
	if !ok {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	return def
}

func envCSVWS(key string, def string) []string {
	raw, ok := envWS(key)
	if !ok {
		raw = def
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
