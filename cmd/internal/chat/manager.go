package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Manager owns conversation sessions and enforces the one-session-per
// (match, viewer) contract. Entering an already open conversation attaches
// to the existing session and never starts a second poller or subscription;
// the session closes when its last registrant leaves.
type Manager struct {
	log   *slog.Logger
	store MessageStore
	feed  ChangeFeed

	pollInterval time.Duration
	pollPage     int
	initialPage  int
	echoWindow   time.Duration
	clock        func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// ManagerOption configures the Manager.
type ManagerOption func(*Manager)

// WithPollInterval overrides the polling fallback interval.
func WithPollInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.pollInterval = d }
}

// WithPollPage overrides the polling fallback page size.
func WithPollPage(n int) ManagerOption {
	return func(m *Manager) { m.pollPage = n }
}

// WithInitialPage overrides the initial snapshot page size.
func WithInitialPage(n int) ManagerOption {
	return func(m *Manager) { m.initialPage = n }
}

// WithEchoWindow overrides how long optimistic echoes stay matchable.
func WithEchoWindow(d time.Duration) ManagerOption {
	return func(m *Manager) { m.echoWindow = d }
}

// WithClock overrides the time source (tests).
func WithClock(clock func() time.Time) ManagerOption {
	return func(m *Manager) { m.clock = clock }
}

// NewManager constructs a Manager. A nil feed degrades to poll-only delivery.
func NewManager(log *slog.Logger, store MessageStore, feed ChangeFeed, opts ...ManagerOption) (*Manager, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	if log == nil {
		log = slog.Default()
	}
	if feed == nil {
		feed = NopFeed{}
	}

	m := &Manager{
		log:      log,
		store:    store,
		feed:     feed,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

func sessionKey(matchID, viewerID string) string {
	return matchID + "/" + viewerID
}

// Registration ties one callback sink to a (possibly shared) session. Every
// Enter returns its own Registration; the session shuts down when the last
// registrant leaves.
type Registration struct {
	mgr  *Manager
	s    *Session
	key  string
	sink int
	once sync.Once
}

// Session returns the underlying shared session.
func (r *Registration) Session() *Session { return r.s }

// Leave detaches this registration's callbacks. The last Leave closes the
// session and removes it from the manager. Idempotent.
func (r *Registration) Leave() {
	r.once.Do(func() {
		r.mgr.mu.Lock()
		last := r.s.detach(r.sink) == 0
		if last && r.mgr.sessions[r.key] == r.s {
			delete(r.mgr.sessions, r.key)
		}
		r.mgr.mu.Unlock()

		if last {
			r.s.Leave()
		}
	})
}

// Enter opens the session for one viewer of one match, or attaches cb to the
// session another connection already opened, together with the initial
// message snapshot.
func (mgr *Manager) Enter(ctx context.Context, matchID, viewerID string, role Role, cb Callbacks) (*Registration, []Message, error) {
	if matchID == "" || viewerID == "" {
		return nil, nil, ErrInvalidInput
	}
	key := sessionKey(matchID, viewerID)

	for {
		mgr.mu.Lock()
		if s, ok := mgr.sessions[key]; ok {
			sink := s.attach(cb)
			mgr.mu.Unlock()

			snap, err := s.Snapshot(ctx)
			if err != nil {
				mgr.mu.Lock()
				s.detach(sink)
				mgr.mu.Unlock()
				return nil, nil, err
			}

			// The first Enter may have failed its initial fetch, or the last
			// registrant may have left, after our lookup. Only hand out
			// registrations on sessions still in the map.
			mgr.mu.Lock()
			alive := mgr.sessions[key] == s
			if !alive {
				s.detach(sink)
			}
			mgr.mu.Unlock()
			if !alive {
				continue
			}
			return &Registration{mgr: mgr, s: s, key: key, sink: sink}, snap, nil
		}

		s, err := NewSession(mgr.log, mgr.store, mgr.feed, SessionConfig{
			MatchID:      matchID,
			ViewerID:     viewerID,
			ViewerRole:   role,
			Callbacks:    cb,
			PollInterval: mgr.pollInterval,
			PollPage:     mgr.pollPage,
			InitialPage:  mgr.initialPage,
			EchoWindow:   mgr.echoWindow,
			Clock:        mgr.clock,
		})
		if err != nil {
			mgr.mu.Unlock()
			return nil, nil, err
		}
		mgr.sessions[key] = s
		mgr.mu.Unlock()

		snap, err := s.Enter(ctx)
		if err != nil {
			mgr.mu.Lock()
			if mgr.sessions[key] == s {
				delete(mgr.sessions, key)
			}
			mgr.mu.Unlock()
			return nil, nil, err
		}
		return &Registration{mgr: mgr, s: s, key: key, sink: 0}, snap, nil
	}
}

// Session returns the open session for one viewer of one match, or nil.
func (mgr *Manager) Session(matchID, viewerID string) *Session {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return mgr.sessions[sessionKey(matchID, viewerID)]
}

// Leave force-closes the session for one viewer of one match, regardless of
// how many registrations it still carries. Idempotent. Connection-scoped
// teardown should go through Registration.Leave instead.
func (mgr *Manager) Leave(matchID, viewerID string) {
	key := sessionKey(matchID, viewerID)

	mgr.mu.Lock()
	s := mgr.sessions[key]
	delete(mgr.sessions, key)
	mgr.mu.Unlock()

	if s != nil {
		s.Leave()
	}
}

// CloseAll tears down every open session (process shutdown).
func (mgr *Manager) CloseAll() {
	mgr.mu.Lock()
	all := make([]*Session, 0, len(mgr.sessions))
	for _, s := range mgr.sessions {
		all = append(all, s)
	}
	mgr.sessions = make(map[string]*Session)
	mgr.mu.Unlock()

	for _, s := range all {
		s.Leave()
	}
}
