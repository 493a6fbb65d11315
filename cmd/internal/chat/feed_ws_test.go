package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	v1 "matchtalk/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

func TestNewWSFeed_URLValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"ws ok", "ws://127.0.0.1:9000/feed", false},
		{"wss ok", "wss://feed.example.com/feed", false},
		{"http scheme", "http://127.0.0.1:9000/feed", true},
		{"missing host", "ws:///feed", true},
		{"garbage", "://nope", true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewWSFeed(nil, WSFeedConfig{URL: tt.url})
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewWSFeed(%q) err=%v wantErr=%v", tt.url, err, tt.wantErr)
			}
		})
	}
}

// fakeFeedServer speaks the feed side of the protocol: it accepts one
// connection, checks the subscribe envelope and then plays back the given
// event envelopes.
func fakeFeedServer(t *testing.T, wantMatchID string, events []v1.Envelope) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols: []string{feedSubprotocol},
		})
		if err != nil {
			t.Errorf("feed accept: %v", err)
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

		ctx := r.Context()

		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Errorf("feed read subscribe: %v", err)
			return
		}
		var sub v1.Envelope
		if err := json.Unmarshal(data, &sub); err != nil || sub.Type != v1.TypeFeedSubscribe {
			t.Errorf("expected feed_subscribe, got %q (err=%v)", sub.Type, err)
			return
		}
		var sp v1.FeedSubscribePayload
		if err := json.Unmarshal(sub.Payload, &sp); err != nil || sp.MatchID != wantMatchID {
			t.Errorf("subscribe match_id=%q want=%q (err=%v)", sp.MatchID, wantMatchID, err)
			return
		}

		for _, env := range events {
			b, err := json.Marshal(env)
			if err != nil {
				t.Errorf("marshal event: %v", err)
				return
			}
			if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
				return
			}
		}

		// Hold the connection open until the client unsubscribes.
		_, _, _ = conn.Read(ctx)
	}))
}

func feedEventEnvelope(t *testing.T, p v1.FeedEventPayload) v1.Envelope {
	t.Helper()
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return v1.Envelope{V: v1.Version, Type: v1.TypeFeedEvent, ID: "ev", TS: time.Now().UTC(), Payload: raw}
}

func TestWSFeed_SubscribeDispatchAndScope(t *testing.T) {
	t.Parallel()

	msg := v1.MessagePayload{
		ID:        "01J0000000000000000000FEED",
		MatchID:   "m1",
		SenderID:  "org-1",
		Content:   "pushed",
		CreatedAt: time.Now().UTC(),
	}
	crossMatch := msg
	crossMatch.ID = "01J0000000000000000000XXXX"
	crossMatch.MatchID = "other"

	events := []v1.Envelope{
		feedEventEnvelope(t, v1.FeedEventPayload{Op: v1.FeedOpInsert, MatchID: "m1", Message: &msg}),
		feedEventEnvelope(t, v1.FeedEventPayload{Op: v1.FeedOpUpdate, MatchID: "m1", Message: &msg}),
		// Cross-match leakage must be dropped client-side as well.
		feedEventEnvelope(t, v1.FeedEventPayload{Op: v1.FeedOpInsert, MatchID: "other", Message: &crossMatch}),
		feedEventEnvelope(t, v1.FeedEventPayload{Op: v1.FeedOpDelete, MatchID: "m1", MessageID: msg.ID}),
	}

	srv := fakeFeedServer(t, "m1", events)
	defer srv.Close()

	f, err := NewWSFeed(nil, WSFeedConfig{URL: "ws" + strings.TrimPrefix(srv.URL, "http")})
	if err != nil {
		t.Fatalf("NewWSFeed: %v", err)
	}

	inserts := make(chan Message, 4)
	updates := make(chan Message, 4)
	deletes := make(chan string, 4)
	statuses := make(chan FeedStatus, 8)

	unsub, err := f.Subscribe(context.Background(), "m1", FeedHandlers{
		OnInsert: func(m Message) { inserts <- m },
		OnUpdate: func(m Message) { updates <- m },
		OnDelete: func(id string) { deletes <- id },
		OnStatus: func(st FeedStatus, _ error) { statuses <- st },
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	waitStatus := func(want FeedStatus) {
		t.Helper()
		for {
			select {
			case st := <-statuses:
				if st == want {
					return
				}
			case <-time.After(5 * time.Second):
				t.Fatalf("timeout waiting for status %q", want)
			}
		}
	}

	waitStatus(FeedSubscribing)
	waitStatus(FeedSubscribed)

	select {
	case m := <-inserts:
		if m.ID != msg.ID || m.MatchID != "m1" || m.Content != "pushed" {
			t.Fatalf("insert mismatch: %+v", m)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("insert never dispatched")
	}

	select {
	case m := <-updates:
		if m.ID != msg.ID {
			t.Fatalf("update mismatch: %+v", m)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("update never dispatched")
	}

	select {
	case id := <-deletes:
		if id != msg.ID {
			t.Fatalf("delete mismatch: %q", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("delete never dispatched")
	}

	// The cross-match insert was filtered: the only insert seen is m1's.
	select {
	case m := <-inserts:
		t.Fatalf("cross-match event leaked: %+v", m)
	default:
	}

	unsub()
	unsub() // idempotent

	waitStatus(FeedClosed)
}

func TestWSFeed_DialFailureReportsStatus(t *testing.T) {
	t.Parallel()

	// Nothing listens here; the dial fails fast and surfaces as a status
	// transition, never as an error from Subscribe.
	f, err := NewWSFeed(nil, WSFeedConfig{
		URL:         "ws://127.0.0.1:1/feed",
		DialTimeout: 500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewWSFeed: %v", err)
	}

	statuses := make(chan FeedStatus, 8)
	unsub, err := f.Subscribe(context.Background(), "m1", FeedHandlers{
		OnStatus: func(st FeedStatus, _ error) { statuses <- st },
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case st := <-statuses:
			if st == FeedChannelError || st == FeedTimedOut {
				return
			}
		case <-deadline:
			t.Fatalf("no failure status reported")
		}
	}
}
