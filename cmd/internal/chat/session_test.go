package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// recorder captures session callbacks for assertions. Callbacks fire under
// the session lock, so every method keeps its own lock small and never calls
// back into the session.
type recorder struct {
	mu       sync.Mutex
	messages []Message // non-pending deliveries
	pendings []Message // optimistic echoes
	resolved map[string]Message
	updated  []Message
	removed  []string
}

func newRecorder() *recorder {
	return &recorder{resolved: make(map[string]Message)}
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnMessage: func(m Message, pending bool) {
			r.mu.Lock()
			defer r.mu.Unlock()
			if pending {
				r.pendings = append(r.pendings, m)
				return
			}
			r.messages = append(r.messages, m)
		},
		OnResolved: func(localID string, m Message) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.resolved[localID] = m
		},
		OnUpdated: func(m Message) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.updated = append(r.updated, m)
		},
		OnRemoved: func(id string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.removed = append(r.removed, id)
		},
	}
}

func (r *recorder) deliveredCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.messages {
		if m.ID == id {
			n++
		}
	}
	return n
}

func (r *recorder) waitDelivered(t *testing.T, id string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if r.deliveredCount(id) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("message %s never delivered", id)
}

func newTestSession(t *testing.T, store MessageStore, feed ChangeFeed, rec *recorder, opts ...func(*SessionConfig)) *Session {
	t.Helper()
	cfg := SessionConfig{
		MatchID:      "match-1",
		ViewerID:     "eng-1",
		ViewerRole:   RoleEngineer,
		Callbacks:    rec.callbacks(),
		PollInterval: 20 * time.Millisecond,
		EchoWindow:   defaultEchoWindow,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	s, err := NewSession(nil, store, feed, cfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

func TestSession_Lifecycle(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	mustInsert(t, store, InsertMessageInput{MatchID: "match-1", SenderID: "org-1", Content: "hi"})
	mustInsert(t, store, InsertMessageInput{MatchID: "match-1", SenderID: "org-1", Content: "there"})

	rec := newRecorder()
	s := newTestSession(t, store, store, rec)

	if s.State() != StateClosed {
		t.Fatalf("new session state=%s want closed", s.State())
	}

	snap, err := s.Enter(context.Background())
	if err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if len(snap) != 2 {
		t.Fatalf("snapshot len=%d want 2", len(snap))
	}
	if s.State() != StateOpen {
		t.Fatalf("state after Enter=%s want open", s.State())
	}

	if _, err := s.Enter(context.Background()); !errors.Is(err, ErrSessionOpen) {
		t.Fatalf("second Enter: err=%v want ErrSessionOpen", err)
	}

	// Entering marked the conversation read for this viewer.
	msgs, err := store.FetchMessages(context.Background(), FetchMessagesInput{MatchID: "match-1", ViewerID: "eng-1", Limit: 10})
	if err != nil {
		t.Fatalf("FetchMessages: %v", err)
	}
	for _, m := range msgs {
		if m.ReadAt == nil {
			t.Fatalf("message %s not marked read on enter", m.ID)
		}
	}

	s.Leave()
	if s.State() != StateClosed {
		t.Fatalf("state after Leave=%s want closed", s.State())
	}
	s.Leave() // idempotent
}

func TestSession_ExactlyOnce_FeedThenPoll(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	seeded := mustInsert(t, store, InsertMessageInput{MatchID: "match-1", SenderID: "org-1", Content: "old"})

	rec := newRecorder()
	s := newTestSession(t, store, store, rec)
	if _, err := s.Enter(context.Background()); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	defer s.Leave()

	// The insert reaches the session synchronously through the local feed,
	// then again on every poll tick. It must surface exactly once.
	m := mustInsert(t, store, InsertMessageInput{MatchID: "match-1", SenderID: "org-1", Content: "new"})

	rec.waitDelivered(t, m.ID, time.Second)
	time.Sleep(100 * time.Millisecond) // several poll ticks

	if n := rec.deliveredCount(m.ID); n != 1 {
		t.Fatalf("message delivered %d times, want exactly 1", n)
	}
	// Snapshot-seeded rows never re-deliver either.
	if n := rec.deliveredCount(seeded.ID); n != 0 {
		t.Fatalf("seeded message re-delivered %d times", n)
	}
}

func TestSession_PollFallbackDelivers(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	rec := newRecorder()
	// No feed at all: the poller alone must carry delivery.
	s := newTestSession(t, store, NopFeed{}, rec)
	if _, err := s.Enter(context.Background()); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	defer s.Leave()

	m := mustInsert(t, store, InsertMessageInput{MatchID: "match-1", SenderID: "org-1", Content: "poll me"})

	rec.waitDelivered(t, m.ID, 2*time.Second)
	time.Sleep(100 * time.Millisecond)

	if n := rec.deliveredCount(m.ID); n != 1 {
		t.Fatalf("message delivered %d times, want exactly 1", n)
	}
}

func TestSession_Send_EchoResolvedByToken(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	rec := newRecorder()
	s := newTestSession(t, store, store, rec)
	if _, err := s.Enter(context.Background()); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	defer s.Leave()

	echo, err := s.Send(context.Background(), "  hello there  ")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !IsLocalID(echo.ID) {
		t.Fatalf("echo id should be local: %q", echo.ID)
	}
	if echo.Content != "hello there" {
		t.Fatalf("echo content not normalized: %q", echo.Content)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.pendings) != 1 || rec.pendings[0].ID != echo.ID {
		t.Fatalf("pending echo not rendered: %+v", rec.pendings)
	}
	stored, ok := rec.resolved[echo.ID]
	if !ok {
		t.Fatalf("echo never resolved: %v", rec.resolved)
	}
	if IsLocalID(stored.ID) || stored.Content != "hello there" {
		t.Fatalf("bad stored copy: %+v", stored)
	}
	if stored.ClientToken != echo.ClientToken {
		t.Fatalf("stored copy lost the correlation token")
	}
	// The stored copy must not additionally surface as a fresh message.
	for _, m := range rec.messages {
		if m.ID == stored.ID {
			t.Fatalf("resolved message also delivered as new")
		}
	}
}

func TestSession_Send_EchoResolvedByContent_WhenTokenDropped(t *testing.T) {
	t.Parallel()

	// Schema drift: the store keeps neither sender_role nor client_token, so
	// resolution must fall back to the sender+content heuristic.
	store := NewInMemoryStore(WithMissingOptionalColumns())
	rec := newRecorder()
	s := newTestSession(t, store, store, rec)
	if _, err := s.Enter(context.Background()); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	defer s.Leave()

	echo, err := s.Send(context.Background(), "drifted hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	stored, ok := rec.resolved[echo.ID]
	if !ok {
		t.Fatalf("echo not resolved by content heuristic")
	}
	if stored.ClientToken != "" {
		t.Fatalf("expected token dropped by minimal insert, got %q", stored.ClientToken)
	}
}

func TestSession_Send_Validation(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	rec := newRecorder()
	s := newTestSession(t, store, store, rec)
	if _, err := s.Enter(context.Background()); err != nil {
		t.Fatalf("Enter: %v", err)
	}

	if _, err := s.Send(context.Background(), "   \n\t "); !errors.Is(err, ErrEmptyContent) {
		t.Fatalf("blank content: err=%v want ErrEmptyContent", err)
	}
	if _, err := s.Send(context.Background(), strings.Repeat("x", maxMessageChars+1)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("oversized content: err=%v want ErrInvalidInput", err)
	}

	s.Leave()
	if _, err := s.Send(context.Background(), "hello"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("send after leave: err=%v want ErrSessionClosed", err)
	}
}

// failingStore rejects every insert; everything else delegates.
type failingStore struct {
	MessageStore
}

func (f failingStore) InsertMessage(context.Context, InsertMessageInput) (Message, error) {
	return Message{}, errors.New("store down")
}

func TestSession_Send_RollbackOnStoreFailure(t *testing.T) {
	t.Parallel()

	store := failingStore{NewInMemoryStore()}
	rec := newRecorder()
	s := newTestSession(t, store, NopFeed{}, rec, func(cfg *SessionConfig) {
		cfg.PollInterval = time.Hour
	})
	if _, err := s.Enter(context.Background()); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	defer s.Leave()

	_, err := s.Send(context.Background(), "doomed")
	if err == nil {
		t.Fatalf("expected send failure")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.pendings) != 1 {
		t.Fatalf("echo should have been rendered before the insert: %+v", rec.pendings)
	}
	if len(rec.removed) != 1 || rec.removed[0] != rec.pendings[0].ID {
		t.Fatalf("echo not rolled back: removed=%v", rec.removed)
	}
}

func TestSession_DeleteForMe(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	m := mustInsert(t, store, InsertMessageInput{MatchID: "match-1", SenderID: "org-1", Content: "unwanted"})

	rec := newRecorder()
	s := newTestSession(t, store, store, rec)
	if _, err := s.Enter(context.Background()); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	defer s.Leave()

	if err := s.DeleteForMe(context.Background(), m.ID); err != nil {
		t.Fatalf("DeleteForMe: %v", err)
	}

	rec.mu.Lock()
	found := false
	for _, id := range rec.removed {
		if id == m.ID {
			found = true
		}
	}
	rec.mu.Unlock()
	if !found {
		t.Fatalf("removal not delivered to UI")
	}

	got, err := store.FetchMessages(context.Background(), FetchMessagesInput{MatchID: "match-1", ViewerID: "eng-1", Limit: 10})
	if err != nil {
		t.Fatalf("FetchMessages: %v", err)
	}
	for _, msg := range got {
		if msg.ID == m.ID {
			t.Fatalf("message still visible to deleting viewer")
		}
	}

	// Unknown ids fail loudly.
	if err := s.DeleteForMe(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown id: err=%v want ErrNotFound", err)
	}
}

func TestSession_DeleteForMe_UnresolvedEcho(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	rec := newRecorder()
	// No delivery paths: the echo stays pending after Send.
	s := newTestSession(t, store, NopFeed{}, rec, func(cfg *SessionConfig) {
		cfg.PollInterval = time.Hour
	})
	if _, err := s.Enter(context.Background()); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	defer s.Leave()

	echo, err := s.Send(context.Background(), "changed my mind")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if err := s.DeleteForMe(context.Background(), echo.ID); err != nil {
		t.Fatalf("DeleteForMe on echo: %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.removed) != 1 || rec.removed[0] != echo.ID {
		t.Fatalf("echo not removed locally: %v", rec.removed)
	}
}

func TestSession_EchoWindowExpiry(t *testing.T) {
	t.Parallel()

	var (
		clockMu sync.Mutex
		now     = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	)
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		clockMu.Lock()
		now = now.Add(d)
		clockMu.Unlock()
	}

	store := NewInMemoryStore()
	rec := newRecorder()
	s := newTestSession(t, store, NopFeed{}, rec, func(cfg *SessionConfig) {
		cfg.PollInterval = time.Hour
		cfg.EchoWindow = 15 * time.Second
		cfg.Clock = clock
	})
	if _, err := s.Enter(context.Background()); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	defer s.Leave()

	echo, err := s.Send(context.Background(), "slow boat")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	advance(16 * time.Second)

	// The stored copy finally arrives without its token (drifted schema):
	// past the window, the content heuristic must NOT claim it.
	stored, err := store.FetchMessages(context.Background(), FetchMessagesInput{MatchID: "match-1", ViewerID: "eng-1", Limit: 10})
	if err != nil || len(stored) != 1 {
		t.Fatalf("FetchMessages: %v len=%d", err, len(stored))
	}
	late := stored[0]
	late.ClientToken = ""
	s.observe(late, SourcePoll)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if _, ok := rec.resolved[echo.ID]; ok {
		t.Fatalf("expired echo must not absorb late arrivals")
	}
	if len(rec.messages) != 1 || rec.messages[0].ID != late.ID {
		t.Fatalf("late arrival should surface as a new message: %+v", rec.messages)
	}
}

func TestSession_TokenMatchesEvenAfterWindow(t *testing.T) {
	t.Parallel()

	var (
		clockMu sync.Mutex
		now     = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	)
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}

	store := NewInMemoryStore()
	rec := newRecorder()
	s := newTestSession(t, store, NopFeed{}, rec, func(cfg *SessionConfig) {
		cfg.PollInterval = time.Hour
		cfg.EchoWindow = 15 * time.Second
		cfg.Clock = clock
	})
	if _, err := s.Enter(context.Background()); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	defer s.Leave()

	echo, err := s.Send(context.Background(), "tokened")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	clockMu.Lock()
	now = now.Add(time.Minute)
	clockMu.Unlock()

	stored, err := store.FetchMessages(context.Background(), FetchMessagesInput{MatchID: "match-1", ViewerID: "eng-1", Limit: 10})
	if err != nil || len(stored) != 1 {
		t.Fatalf("FetchMessages: %v len=%d", err, len(stored))
	}
	s.observe(stored[0], SourcePoll)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if _, ok := rec.resolved[echo.ID]; !ok {
		t.Fatalf("token correlation is not time-bounded; echo should have resolved")
	}
}

func TestSession_ReadReceiptUpdate(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	rec := newRecorder()
	s := newTestSession(t, store, store, rec)
	if _, err := s.Enter(context.Background()); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	defer s.Leave()

	echo, err := s.Send(context.Background(), "read me")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	rec.mu.Lock()
	stored := rec.resolved[echo.ID]
	rec.mu.Unlock()
	if stored.ID == "" {
		t.Fatalf("echo not resolved")
	}

	// The other party opens the conversation: our delivered message gains a
	// read stamp, surfaced as an update.
	if err := store.MarkRead(context.Background(), "match-1", "org-1", time.Now().UTC()); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	found := false
	for _, m := range rec.updated {
		if m.ID == stored.ID && m.ReadAt != nil {
			found = true
		}
	}
	if !found {
		t.Fatalf("read receipt update not delivered: %+v", rec.updated)
	}
}

func TestSession_NoDeliveryAfterLeave(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	rec := newRecorder()
	s := newTestSession(t, store, store, rec)
	if _, err := s.Enter(context.Background()); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	s.Leave()

	m := mustInsert(t, store, InsertMessageInput{MatchID: "match-1", SenderID: "org-1", Content: "too late"})
	time.Sleep(80 * time.Millisecond)

	if n := rec.deliveredCount(m.ID); n != 0 {
		t.Fatalf("closed session received %d deliveries", n)
	}
}
