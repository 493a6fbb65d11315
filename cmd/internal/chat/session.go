package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Source identifies which observation path reported a message.
type Source string

const (
	SourceFeed Source = "feed"
	SourcePoll Source = "poll"
)

// State is the session lifecycle position.
type State uint8

const (
	StateClosed State = iota
	StateOpening
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Callbacks deliver incremental UI events for one conversation session.
//
// Callbacks fire while the session lock is held so that delivery order
// matches observation order and the exactly-once contract holds; they must
// return quickly and must not call back into the session.
type Callbacks struct {
	// OnMessage delivers a message exactly once. pending marks an optimistic
	// local echo whose id is temporary.
	OnMessage func(m Message, pending bool)
	// OnResolved replaces the echo identified by localID with its stored copy.
	OnResolved func(localID string, m Message)
	// OnUpdated carries a metadata update for an already delivered message.
	OnUpdated func(m Message)
	// OnRemoved hides a message (soft delete, feed delete, or echo rollback).
	OnRemoved func(messageID string)
}

// pendingEcho tracks one optimistic local message awaiting its stored copy.
type pendingEcho struct {
	localID string
	token   string
	content string
	sentAt  time.Time
}

// Session binds one conversation's deduplication state, change-feed
// subscription and polling fallback into a single lifecycle matching the
// UI's conversation open/close.
//
// The seen-set is owned exclusively by this session; the Manager guarantees
// at most one session per (match, viewer). Several connections may share the
// session, each with its own callback sink: every delivery fans out to all
// registered sinks.
type Session struct {
	log   *slog.Logger
	store MessageStore
	feed  ChangeFeed
	clock func() time.Time

	matchID    string
	viewerID   string
	viewerRole Role

	pollInterval time.Duration
	pollPage     int
	initialPage  int
	echoWindow   time.Duration

	mu          sync.Mutex
	state       State
	counted     bool
	sinks       map[int]Callbacks
	nextSink    int
	seen        map[string]struct{}
	pending     []pendingEcho
	poll        *poller
	unsubscribe func()
}

// SessionConfig describes one conversation session.
type SessionConfig struct {
	MatchID    string
	ViewerID   string
	ViewerRole Role
	Callbacks  Callbacks

	// Zero values fall back to package defaults.
	PollInterval time.Duration
	PollPage     int
	InitialPage  int
	EchoWindow   time.Duration
	Clock        func() time.Time
}

// NewSession constructs a closed session; Enter opens it.
func NewSession(log *slog.Logger, store MessageStore, feed ChangeFeed, cfg SessionConfig) (*Session, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidInput)
	}
	if cfg.MatchID == "" || cfg.ViewerID == "" {
		return nil, fmt.Errorf("%w: missing match_id or viewer_id", ErrInvalidInput)
	}
	if log == nil {
		log = slog.Default()
	}
	if feed == nil {
		feed = NopFeed{}
	}

	s := &Session{
		log:          log,
		store:        store,
		feed:         feed,
		sinks:        map[int]Callbacks{0: cfg.Callbacks},
		nextSink:     1,
		clock:        cfg.Clock,
		matchID:      cfg.MatchID,
		viewerID:     cfg.ViewerID,
		viewerRole:   cfg.ViewerRole,
		pollInterval: cfg.PollInterval,
		pollPage:     cfg.PollPage,
		initialPage:  cfg.InitialPage,
		echoWindow:   cfg.EchoWindow,
		state:        StateClosed,
	}
	if s.clock == nil {
		s.clock = func() time.Time { return time.Now().UTC() }
	}
	if s.pollInterval <= 0 {
		s.pollInterval = defaultPollInterval
	}
	if s.pollPage <= 0 {
		s.pollPage = defaultPollPage
	}
	if s.initialPage <= 0 {
		s.initialPage = defaultInitialPage
	}
	if s.echoWindow <= 0 {
		s.echoWindow = defaultEchoWindow
	}
	return s, nil
}

// MatchID returns the conversation id this session is bound to.
func (s *Session) MatchID() string { return s.matchID }

// ViewerID returns the viewer identity this session delivers for.
func (s *Session) ViewerID() string { return s.viewerID }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// attach registers an additional callback sink; every delivery from now on
// also fans out to it. Returns the sink id for detach.
func (s *Session) attach(cb Callbacks) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sinks == nil {
		s.sinks = make(map[int]Callbacks)
	}
	id := s.nextSink
	s.nextSink++
	s.sinks[id] = cb
	return id
}

// detach removes one sink and reports how many remain.
func (s *Session) detach(id int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sinks, id)
	return len(s.sinks)
}

func (s *Session) emitMessageLocked(m Message, pending bool) {
	for _, cb := range s.sinks {
		if cb.OnMessage != nil {
			cb.OnMessage(m, pending)
		}
	}
}

func (s *Session) emitResolvedLocked(localID string, m Message) {
	for _, cb := range s.sinks {
		if cb.OnResolved != nil {
			cb.OnResolved(localID, m)
		}
	}
}

func (s *Session) emitUpdatedLocked(m Message) {
	for _, cb := range s.sinks {
		if cb.OnUpdated != nil {
			cb.OnUpdated(m)
		}
	}
}

func (s *Session) emitRemovedLocked(messageID string) {
	for _, cb := range s.sinks {
		if cb.OnRemoved != nil {
			cb.OnRemoved(messageID)
		}
	}
}

// Enter opens the session: it fetches the initial message page, marks the
// conversation read, seeds the seen-set and starts both delivery paths.
//
// Only the initial fetch is fatal; mark-read and feed-subscription failures
// are logged and the session stays usable (the poller guarantees delivery).
func (s *Session) Enter(ctx context.Context) ([]Message, error) {
	s.mu.Lock()
	if s.state != StateClosed {
		st := s.state
		s.mu.Unlock()
		if st == StateOpen || st == StateOpening {
			return nil, ErrSessionOpen
		}
		return nil, ErrSessionClosed
	}
	s.state = StateOpening
	s.mu.Unlock()

	snapshot, err := s.store.FetchMessages(ctx, FetchMessagesInput{
		MatchID:  s.matchID,
		ViewerID: s.viewerID,
		Limit:    s.initialPage,
		Latest:   true,
	})
	if err != nil {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		return nil, fmt.Errorf("chat: initial fetch: %w", err)
	}

	// Read receipts apply in bulk per conversation; failure is not fatal to
	// session start.
	if err := s.store.MarkRead(ctx, s.matchID, s.viewerID, s.clock()); err != nil {
		s.log.Warn("session.mark_read.fail", "match_id", s.matchID, "viewer_id", s.viewerID, "err", err)
	}

	s.mu.Lock()
	if s.state != StateOpening {
		// Leave raced the initial fetch; nothing was started yet.
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.seen = make(map[string]struct{}, len(snapshot))
	for _, m := range snapshot {
		s.seen[m.ID] = struct{}{}
	}
	s.state = StateOpen
	s.mu.Unlock()

	// Both delivery paths start together: the poller is a reliability
	// backstop running unconditionally, not a degraded mode.
	p := startPoller(s.log, s.store, s.matchID, s.viewerID, s.pollInterval, s.pollPage, s.observe)

	unsub, err := s.feed.Subscribe(ctx, s.matchID, FeedHandlers{
		OnInsert: func(m Message) {
			metricFeedEvents.WithLabelValues("insert").Inc()
			s.observe(m, SourceFeed)
		},
		OnUpdate: s.handleFeedUpdate,
		OnDelete: s.handleFeedDelete,
		OnStatus: s.handleFeedStatus,
	})
	if err != nil {
		metricFeedErrors.Inc()
		s.log.Warn("session.feed.subscribe.fail", "match_id", s.matchID, "err", err)
		unsub = func() {}
	}

	s.mu.Lock()
	if s.state != StateOpen {
		// Leave raced startup; tear down what we just acquired.
		s.mu.Unlock()
		p.stop()
		unsub()
		return nil, ErrSessionClosed
	}
	s.poll = p
	s.unsubscribe = unsub
	s.counted = true
	s.mu.Unlock()

	metricOpenSessions.Inc()
	s.log.Info("session.enter", "match_id", s.matchID, "viewer_id", s.viewerID, "snapshot", len(snapshot))
	return snapshot, nil
}

// Snapshot re-reads the initial message page without touching delivery state.
// Used for idempotent re-enter.
func (s *Session) Snapshot(ctx context.Context) ([]Message, error) {
	return s.store.FetchMessages(ctx, FetchMessagesInput{
		MatchID:  s.matchID,
		ViewerID: s.viewerID,
		Limit:    s.initialPage,
		Latest:   true,
	})
}

// Leave closes the session: it stops the poller, releases the feed
// subscription and discards the seen-set. Safe to call multiple times; after
// it returns, no callback fires for this session.
func (s *Session) Leave() {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return
	case StateOpening:
		// Enter is mid-flight and has not started any resources yet; its
		// next state check aborts it.
		s.state = StateClosed
		s.mu.Unlock()
		return
	case StateClosing:
		s.mu.Unlock()
		return
	}

	s.state = StateClosing
	p := s.poll
	unsub := s.unsubscribe
	counted := s.counted
	s.poll = nil
	s.unsubscribe = nil
	s.counted = false
	s.sinks = nil
	s.seen = nil
	s.pending = nil
	s.mu.Unlock()

	if p != nil {
		p.stop()
	}
	if unsub != nil {
		unsub()
	}

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	if counted {
		metricOpenSessions.Dec()
	}
	s.log.Info("session.leave", "match_id", s.matchID, "viewer_id", s.viewerID)
}

// Send validates and persists a message, rendering an optimistic local echo
// immediately. The returned message is the echo (temporary id, client token
// set); the stored copy arrives through the normal delivery paths and
// resolves it.
//
// On store failure the echo is rolled back and the error returned so the UI
// can restore the compose-box content.
func (s *Session) Send(ctx context.Context, content string) (Message, error) {
	text := NormalizeContent(content)
	if text == "" {
		return Message{}, ErrEmptyContent
	}
	if len([]rune(text)) > maxMessageChars {
		return Message{}, fmt.Errorf("%w: message too long: max=%d chars", ErrInvalidInput, maxMessageChars)
	}

	now := s.clock()
	localID, err := NewLocalID(now)
	if err != nil {
		return Message{}, err
	}
	token := NewClientToken()

	echo := Message{
		ID:          localID,
		MatchID:     s.matchID,
		SenderID:    s.viewerID,
		SenderRole:  s.viewerRole,
		Content:     text,
		CreatedAt:   now,
		ClientToken: token,
	}

	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return Message{}, ErrSessionClosed
	}
	// The echo id is deliberately NOT added to the seen-set: it never
	// matches a store-assigned id.
	s.pending = append(s.pending, pendingEcho{
		localID: localID,
		token:   token,
		content: text,
		sentAt:  now,
	})
	s.emitMessageLocked(echo, true)
	s.mu.Unlock()

	if _, err := s.store.InsertMessage(ctx, InsertMessageInput{
		MatchID:     s.matchID,
		SenderID:    s.viewerID,
		SenderRole:  s.viewerRole,
		Content:     text,
		ClientToken: token,
		Now:         now,
	}); err != nil {
		s.rollbackEcho(localID)
		metricSendFailures.Inc()
		s.log.Warn("session.send.fail", "match_id", s.matchID, "viewer_id", s.viewerID, "err", err)
		return Message{}, fmt.Errorf("chat: send: %w", err)
	}

	return echo, nil
}

// DeleteForMe hides a message for this viewer only. Unresolved echoes are
// dropped locally; stored messages are soft-deleted idempotently.
func (s *Session) DeleteForMe(ctx context.Context, messageID string) error {
	if messageID == "" {
		return ErrInvalidInput
	}

	if IsLocalID(messageID) {
		s.rollbackEcho(messageID)
		return nil
	}

	if err := s.store.SoftDelete(ctx, messageID, s.viewerID); err != nil {
		return err
	}

	// Remove immediately; the feed's UPDATE notification for the same row is
	// absorbed by the deleted_by check in handleFeedUpdate.
	s.mu.Lock()
	if s.state == StateOpen {
		s.emitRemovedLocked(messageID)
	}
	s.mu.Unlock()
	return nil
}

// observe is the deduplication gate shared by both delivery paths. A message
// id passes it at most once per open session; whichever source reports first
// wins and the other report is dropped silently.
func (s *Session) observe(m Message, src Source) {
	if m.ID == "" || IsLocalID(m.ID) || m.MatchID != s.matchID {
		return
	}
	// Rows soft-deleted for this viewer never surface.
	if !m.VisibleTo(s.viewerID) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Late events after close must not resurrect state.
	if s.state != StateOpen {
		return
	}
	if _, dup := s.seen[m.ID]; dup {
		metricDuplicates.WithLabelValues(string(src)).Inc()
		return
	}
	s.seen[m.ID] = struct{}{}
	metricDelivered.WithLabelValues(string(src)).Inc()

	if echo, ok := s.takePendingLocked(m); ok {
		metricEchoResolved.Inc()
		s.emitResolvedLocked(echo.localID, m)
		return
	}

	s.emitMessageLocked(m, false)
}

// takePendingLocked matches a stored message against an outstanding echo:
// by correlation token when the store kept it, otherwise by identical sender
// and trimmed content within the echo window (the token is dropped by the
// minimal insert path, so the heuristic remains necessary).
func (s *Session) takePendingLocked(m Message) (pendingEcho, bool) {
	if len(s.pending) == 0 || m.SenderID != s.viewerID {
		return pendingEcho{}, false
	}

	if m.ClientToken != "" {
		for i, p := range s.pending {
			if p.token == m.ClientToken {
				return s.removePendingLocked(i), true
			}
		}
	}

	now := s.clock()
	content := NormalizeContent(m.Content)
	for i, p := range s.pending {
		if now.Sub(p.sentAt) > s.echoWindow {
			// Expired echoes stay rendered but no longer absorb arrivals.
			continue
		}
		if p.content == content {
			return s.removePendingLocked(i), true
		}
	}
	return pendingEcho{}, false
}

func (s *Session) removePendingLocked(i int) pendingEcho {
	p := s.pending[i]
	s.pending = append(s.pending[:i], s.pending[i+1:]...)
	return p
}

// rollbackEcho drops one pending echo and tells the UI to remove it.
func (s *Session) rollbackEcho(localID string) {
	s.mu.Lock()
	for i, p := range s.pending {
		if p.localID == localID {
			s.removePendingLocked(i)
			break
		}
	}
	if s.state == StateOpen {
		s.emitRemovedLocked(localID)
	}
	s.mu.Unlock()
}

func (s *Session) handleFeedUpdate(m Message) {
	metricFeedEvents.WithLabelValues("update").Inc()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return
	}

	if !m.VisibleTo(s.viewerID) {
		// The row is now soft-deleted for this viewer: treat as a removal.
		if _, ok := s.seen[m.ID]; ok {
			s.emitRemovedLocked(m.ID)
		}
		return
	}

	// Metadata update (read receipt etc.) for a delivered message. Updates
	// for rows not yet delivered are ignored; the row itself arrives through
	// the normal paths.
	if _, ok := s.seen[m.ID]; ok {
		s.emitUpdatedLocked(m)
	}
}

func (s *Session) handleFeedDelete(messageID string) {
	metricFeedEvents.WithLabelValues("delete").Inc()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return
	}
	s.emitRemovedLocked(messageID)
}

func (s *Session) handleFeedStatus(st FeedStatus, err error) {
	switch st {
	case FeedChannelError, FeedTimedOut:
		// Non-fatal: the polling fallback keeps delivering and the feed may
		// reconnect on its own schedule.
		metricFeedErrors.Inc()
		s.log.Warn("session.feed.status", "match_id", s.matchID, "status", string(st), "err", err)
	default:
		s.log.Debug("session.feed.status", "match_id", s.matchID, "status", string(st))
	}
}
