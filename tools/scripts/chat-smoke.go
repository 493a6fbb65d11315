// Package main provides a CI-friendly WebSocket smoke test for MatchTalk
// delivery.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/ack session establishment
//   - conversation enter + snapshot for both parties
//   - optimistic echo (pending message_new) followed by message_resolved
//   - exactly-once message_new delivery to the other party across a window
//     longer than one poll interval
//   - per-viewer soft delete: the deleting side gets message_removed, the
//     other side keeps the message
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "matchtalk/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

const (
	uiSubprotocol = "matchtalk.ui.v1"
	maxReadBytes  = 1 << 20 // 1MiB
)

type smokeClient struct {
	name      string
	viewerID  string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		matchID = flag.String("match", "dev-match-1", "Match ID to enter")
		text    = flag.String("text", "hello from the smoke test", "Message content to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		quiet   = flag.Duration("quiet", 4*time.Second, "Duplicate-watch window (should exceed one poll interval)")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	org := mustConnect(root, "org", "smoke-org-1", *wsURL, *origin, *timeout)
	defer closeWS(org.conn)

	eng := mustConnect(root, "eng", "smoke-eng-1", *wsURL, *origin, *timeout)
	defer closeWS(eng.conn)

	if *verbose {
		fmt.Printf("connected: org=%s eng=%s origin=%q\n", org.sessionID, eng.sessionID, *origin)
	}

	mustEnter(root, org, *matchID, "organization", *timeout)
	mustEnter(root, eng, *matchID, "engineer", *timeout)

	// Send from org: first a pending echo with a local id, then resolution
	// to the durable store id.
	localID := mustSendAndAssertEcho(root, org, *matchID, *text, *timeout)
	serverID := mustAssertResolved(root, org, *matchID, localID, *text, *timeout)

	if *verbose {
		fmt.Printf("resolved: local=%s server=%s\n", localID, serverID)
	}

	// The engineer sees the message exactly once.
	mustAssertNew(root, eng, *matchID, serverID, org.viewerID, *text, *timeout)
	mustAssertNoType(root, eng, v1.TypeMessageNew, *quiet)
	mustAssertNoType(root, org, v1.TypeMessageNew, *quiet)

	// Soft delete from the engineer: removed for them, kept for org.
	mustDelete(root, eng, *matchID, serverID, *timeout)
	mustAssertRemoved(root, eng, *matchID, serverID, *timeout)
	mustAssertNoType(root, org, v1.TypeMessageRemoved, *quiet)

	mustLeave(root, eng, *matchID, *timeout)
	mustLeave(root, org, *matchID, *timeout)

	fmt.Printf("OK: org=%s eng=%s match_id=%s server_id=%s\n", org.sessionID, eng.sessionID, *matchID, serverID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	switch {
	case err != nil:
		return err
	case u.Scheme != "ws" && u.Scheme != "wss":
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	case strings.TrimSpace(u.Host) == "":
		return errors.New("missing host")
	case strings.TrimSpace(u.Path) == "":
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	switch {
	case err != nil:
		return err
	case u.Scheme != "http" && u.Scheme != "https":
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	case strings.TrimSpace(u.Host) == "":
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, viewerID, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{uiSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, uiSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:     name,
		viewerID: viewerID,
		conn:     conn,
		inbox:    make(chan v1.Envelope, 512),
		errCh:    make(chan error, 1),
	}
	c.startReadLoop()

	hello := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      fmt.Sprintf("%s-hello", name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.HelloPayload{}),
	}
	mustWriteWithTimeout(parent, conn, hello, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing session_id (%s)", name)
	}
	c.sessionID = p.SessionID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got != "" && got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			env, err := c.readFrame()
			if err != nil {
				c.reportErr(err)
				return
			}
			select {
			case c.inbox <- env:
			default:
				c.reportErr(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) readFrame() (v1.Envelope, error) {
	mt, data, err := c.conn.Read(context.Background())
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("bad json: %w", err)
	}
	if err := env.Validate(); err != nil {
		return v1.Envelope{}, fmt.Errorf("bad envelope: %w", err)
	}
	return env, nil
}

func (c *smokeClient) reportErr(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func mustEnter(parent context.Context, c *smokeClient, matchID, role string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeConversationEnter,
		ID:   fmt.Sprintf("%s-enter", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.ConversationEnterPayload{
			MatchID:    matchID,
			ViewerID:   c.viewerID,
			ViewerRole: role,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	snap := c.mustReadUntilType(parent, v1.TypeConversationSnapshot, stepTimeout, nil)

	var p v1.ConversationSnapshotPayload
	if err := json.Unmarshal(snap.Payload, &p); err != nil {
		fatalf("unmarshal snapshot payload (%s): %v", c.name, err)
	}
	if p.MatchID != matchID {
		fatalf("snapshot match_id mismatch (%s): got=%q want=%q", c.name, p.MatchID, matchID)
	}
}

func mustLeave(parent context.Context, c *smokeClient, matchID string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeConversationLeave,
		ID:   fmt.Sprintf("%s-leave", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.ConversationLeavePayload{
			MatchID: matchID,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

func mustSendAndAssertEcho(parent context.Context, c *smokeClient, matchID, text string, stepTimeout time.Duration) (localID string) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeMessageSend,
		ID:   fmt.Sprintf("%s-send", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.MessageSendPayload{
			MatchID: matchID,
			Content: text,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	echo := c.mustReadUntilType(parent, v1.TypeMessageNew, stepTimeout, nil)

	var p v1.MessageNewPayload
	if err := json.Unmarshal(echo.Payload, &p); err != nil {
		fatalf("unmarshal message_new payload (%s): %v", c.name, err)
	}
	if !p.Pending {
		fatalf("first message_new to sender should be pending (%s)", c.name)
	}
	if p.Message.Content != text {
		fatalf("echo content mismatch (%s): got=%q want=%q", c.name, p.Message.Content, text)
	}
	if strings.TrimSpace(p.Message.ID) == "" {
		fatalf("echo missing local id (%s)", c.name)
	}
	return p.Message.ID
}

func mustAssertResolved(parent context.Context, c *smokeClient, matchID, localID, text string, stepTimeout time.Duration) (serverID string) {
	env := c.mustReadUntilType(parent, v1.TypeMessageResolved, stepTimeout, nil)

	var p v1.MessageResolvedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal message_resolved payload (%s): %v", c.name, err)
	}
	if p.MatchID != matchID {
		fatalf("resolved match_id mismatch (%s): got=%q want=%q", c.name, p.MatchID, matchID)
	}
	if p.LocalID != localID {
		fatalf("resolved local_id mismatch (%s): got=%q want=%q", c.name, p.LocalID, localID)
	}
	if p.Message.Content != text {
		fatalf("resolved content mismatch (%s): got=%q want=%q", c.name, p.Message.Content, text)
	}
	if strings.TrimSpace(p.Message.ID) == "" || p.Message.ID == localID {
		fatalf("resolved message should carry a durable id (%s): %q", c.name, p.Message.ID)
	}
	return p.Message.ID
}

func mustAssertNew(parent context.Context, c *smokeClient, matchID, serverID, senderID, text string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeMessageNew, stepTimeout, nil)

	var p v1.MessageNewPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal message_new payload (%s): %v", c.name, err)
	}
	if p.Pending {
		fatalf("receiver should never see a pending message (%s)", c.name)
	}
	if p.MatchID != matchID {
		fatalf("new match_id mismatch (%s): got=%q want=%q", c.name, p.MatchID, matchID)
	}
	if p.Message.ID != serverID {
		fatalf("new id mismatch (%s): got=%q want=%q", c.name, p.Message.ID, serverID)
	}
	if p.Message.SenderID != senderID {
		fatalf("new sender mismatch (%s): got=%q want=%q", c.name, p.Message.SenderID, senderID)
	}
	if p.Message.Content != text {
		fatalf("new content mismatch (%s): got=%q want=%q", c.name, p.Message.Content, text)
	}
}

func mustDelete(parent context.Context, c *smokeClient, matchID, messageID string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeMessageDelete,
		ID:   fmt.Sprintf("%s-delete", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.MessageDeletePayload{
			MatchID:   matchID,
			MessageID: messageID,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

func mustAssertRemoved(parent context.Context, c *smokeClient, matchID, messageID string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeMessageRemoved, stepTimeout, map[string]struct{}{
		v1.TypeMessageUpdated: {},
	})

	var p v1.MessageRemovedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal message_removed payload (%s): %v", c.name, err)
	}
	if p.MatchID != matchID {
		fatalf("removed match_id mismatch (%s): got=%q want=%q", c.name, p.MatchID, matchID)
	}
	if p.MessageID != messageID {
		fatalf("removed id mismatch (%s): got=%q want=%q", c.name, p.MessageID, messageID)
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		env, ok := c.next(ctx, "watching for stray deliveries")
		if !ok {
			return // quiet window elapsed, nothing forbidden arrived
		}
		if env.Type == forbiddenType {
			fatalf("unexpected %s received (%s)", forbiddenType, c.name)
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	what := fmt.Sprintf("waiting for %q", wantType)
	for {
		env, ok := c.next(ctx, what)
		if !ok {
			fatalf("timeout %s (%s)", what, c.name)
		}
		if env.Type == wantType {
			return env
		}
		if _, skip := skipTypes[env.Type]; skip {
			continue
		}
		fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
	}
}

// next pops one envelope from the inbox. It reports false when ctx expires,
// and exits the process on connection errors and server error envelopes.
func (c *smokeClient) next(ctx context.Context, what string) (v1.Envelope, bool) {
	select {
	case <-ctx.Done():
		return v1.Envelope{}, false
	case err := <-c.errCh:
		fatalf("connection error while %s (%s): %v", what, c.name, err)
	case env, ok := <-c.inbox:
		if !ok {
			fatalf("connection closed while %s (%s)", what, c.name)
		}
		if env.Type == v1.TypeError {
			var ep v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &ep)
			fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
		}
		return env, true
	}
	return v1.Envelope{}, false // unreachable; fatalf exits
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
