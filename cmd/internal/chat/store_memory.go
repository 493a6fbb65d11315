package chat

import (
	"context"
	"sort"
	"sync"
	"time"
)

const memMaxMessagesPerMatch = 10_000

// InMemoryStore is a dev/test MessageStore that doubles as its own
// ChangeFeed: every accepted mutation is pushed synchronously to subscribers
// of the affected match. This mirrors production, where the store and the
// row feed observe the same table.
type InMemoryStore struct {
	mu      sync.Mutex
	matches map[string]*memMatch
	subs    map[string]map[int]FeedHandlers
	nextSub int

	// missingOptionalColumns simulates schema drift: inserts carrying the
	// optional denormalized fields fail with *SchemaError until retried with
	// the minimal field set.
	missingOptionalColumns bool
}

type memMatch struct {
	msgs []Message
}

// MemoryOption configures InMemoryStore behavior.
type MemoryOption func(*InMemoryStore)

// WithMissingOptionalColumns makes inserts that carry sender_role or
// client_token fail with *SchemaError, exercising the minimal-insert retry.
func WithMissingOptionalColumns() MemoryOption {
	return func(s *InMemoryStore) { s.missingOptionalColumns = true }
}

// NewInMemoryStore constructs an in-memory MessageStore implementation.
func NewInMemoryStore(opts ...MemoryOption) *InMemoryStore {
	s := &InMemoryStore{
		matches: make(map[string]*memMatch),
		subs:    make(map[string]map[int]FeedHandlers),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// InsertMessage appends a message and notifies feed subscribers, retrying
// once with the minimal field set on simulated schema drift.
func (s *InMemoryStore) InsertMessage(ctx context.Context, in InsertMessageInput) (Message, error) {
	if in.MatchID == "" || in.SenderID == "" {
		return Message{}, ErrInvalidInput
	}
	in.Content = NormalizeContent(in.Content)
	if in.Content == "" {
		return Message{}, ErrEmptyContent
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	return InsertWithFallback(ctx, in, s.insertOnce)
}

func (s *InMemoryStore) insertOnce(_ context.Context, in InsertMessageInput) (Message, error) {
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	if s.missingOptionalColumns && (in.SenderRole != "" || in.ClientToken != "") {
		s.mu.Unlock()
		return Message{}, &SchemaError{Column: "sender_role", Err: ErrInvalidInput}
	}

	id, err := NewMessageID(now)
	if err != nil {
		s.mu.Unlock()
		return Message{}, err
	}

	m := Message{
		ID:          id,
		MatchID:     in.MatchID,
		SenderID:    in.SenderID,
		SenderRole:  in.SenderRole,
		Content:     in.Content,
		CreatedAt:   now,
		IsSystem:    in.IsSystem,
		ClientToken: in.ClientToken,
	}

	mm := s.matches[in.MatchID]
	if mm == nil {
		mm = &memMatch{msgs: make([]Message, 0, 64)}
		s.matches[in.MatchID] = mm
	}
	mm.msgs = append(mm.msgs, m)

	// Bound memory to avoid unbounded growth in dev.
	if len(mm.msgs) > memMaxMessagesPerMatch {
		mm.msgs = mm.msgs[len(mm.msgs)-memMaxMessagesPerMatch:]
	}

	handlers := s.handlersLocked(in.MatchID)
	s.mu.Unlock()

	for _, h := range handlers {
		if h.OnInsert != nil {
			h.OnInsert(m)
		}
	}
	return m, nil
}

// FetchMessages returns messages ordered by created_at ASC (ties by id ASC),
// excluding messages soft-deleted for the viewer.
func (s *InMemoryStore) FetchMessages(ctx context.Context, in FetchMessagesInput) ([]Message, error) {
	if in.MatchID == "" {
		return nil, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	limit := in.Limit
	if limit <= 0 {
		limit = defaultInitialPage
	}

	s.mu.Lock()
	mm := s.matches[in.MatchID]
	var snap []Message
	if mm != nil {
		snap = make([]Message, 0, len(mm.msgs))
		for _, m := range mm.msgs {
			if in.ViewerID != "" && !m.VisibleTo(in.ViewerID) {
				continue
			}
			snap = append(snap, m)
		}
	}
	s.mu.Unlock()

	sort.Slice(snap, func(i, j int) bool {
		if snap[i].CreatedAt.Equal(snap[j].CreatedAt) {
			return snap[i].ID < snap[j].ID
		}
		return snap[i].CreatedAt.Before(snap[j].CreatedAt)
	})

	if in.Latest {
		if len(snap) > limit {
			snap = snap[len(snap)-limit:]
		}
	} else {
		if in.Offset >= len(snap) {
			return nil, nil
		}
		snap = snap[in.Offset:]
		if len(snap) > limit {
			snap = snap[:limit]
		}
	}
	out := make([]Message, len(snap))
	copy(out, snap)
	return out, nil
}

// MarkRead stamps read_at on all unread messages addressed to viewerID.
// Idempotent: already-read messages are untouched.
func (s *InMemoryStore) MarkRead(ctx context.Context, matchID, viewerID string, now time.Time) error {
	if matchID == "" || viewerID == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var updated []Message

	s.mu.Lock()
	mm := s.matches[matchID]
	if mm != nil {
		for i := range mm.msgs {
			m := &mm.msgs[i]
			if m.ReadAt != nil || m.SenderID == viewerID {
				continue
			}
			ts := now
			m.ReadAt = &ts
			updated = append(updated, *m)
		}
	}
	handlers := s.handlersLocked(matchID)
	s.mu.Unlock()

	for _, m := range updated {
		for _, h := range handlers {
			if h.OnUpdate != nil {
				h.OnUpdate(m)
			}
		}
	}
	return nil
}

// SoftDelete adds viewerID to the message's deleted_by set. Idempotent.
func (s *InMemoryStore) SoftDelete(ctx context.Context, messageID, viewerID string) error {
	if messageID == "" || viewerID == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var (
		updated  Message
		found    bool
		matchID  string
		handlers []FeedHandlers
	)

	s.mu.Lock()
	for _, mm := range s.matches {
		for i := range mm.msgs {
			if mm.msgs[i].ID != messageID {
				continue
			}
			found = true
			matchID = mm.msgs[i].MatchID
			if !containsViewer(mm.msgs[i].DeletedBy, viewerID) {
				mm.msgs[i].DeletedBy = append(mm.msgs[i].DeletedBy, viewerID)
			}
			updated = mm.msgs[i]
			break
		}
		if found {
			break
		}
	}
	if found {
		handlers = s.handlersLocked(matchID)
	}
	s.mu.Unlock()

	if !found {
		return ErrNotFound
	}
	for _, h := range handlers {
		if h.OnUpdate != nil {
			h.OnUpdate(updated)
		}
	}
	return nil
}

// HardDelete removes a message entirely and fires a feed DELETE event.
// The delivery core never hard-deletes; this exists for operator tooling and
// for exercising the feed delete path.
func (s *InMemoryStore) HardDelete(ctx context.Context, messageID string) error {
	if messageID == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var (
		found    bool
		matchID  string
		handlers []FeedHandlers
	)

	s.mu.Lock()
	for id, mm := range s.matches {
		for i := range mm.msgs {
			if mm.msgs[i].ID != messageID {
				continue
			}
			found = true
			matchID = id
			mm.msgs = append(mm.msgs[:i], mm.msgs[i+1:]...)
			break
		}
		if found {
			break
		}
	}
	if found {
		handlers = s.handlersLocked(matchID)
	}
	s.mu.Unlock()

	if !found {
		return ErrNotFound
	}
	for _, h := range handlers {
		if h.OnDelete != nil {
			h.OnDelete(messageID)
		}
	}
	return nil
}

// Subscribe implements ChangeFeed over the store's own mutations.
func (s *InMemoryStore) Subscribe(ctx context.Context, matchID string, h FeedHandlers) (func(), error) {
	if matchID == "" {
		return nil, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	byMatch := s.subs[matchID]
	if byMatch == nil {
		byMatch = make(map[int]FeedHandlers)
		s.subs[matchID] = byMatch
	}
	key := s.nextSub
	s.nextSub++
	byMatch[key] = h
	s.mu.Unlock()

	if h.OnStatus != nil {
		h.OnStatus(FeedSubscribed, nil)
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			s.mu.Lock()
			if byMatch := s.subs[matchID]; byMatch != nil {
				delete(byMatch, key)
				if len(byMatch) == 0 {
					delete(s.subs, matchID)
				}
			}
			s.mu.Unlock()
			if h.OnStatus != nil {
				h.OnStatus(FeedClosed, nil)
			}
		})
	}
	return unsubscribe, nil
}

func (s *InMemoryStore) handlersLocked(matchID string) []FeedHandlers {
	byMatch := s.subs[matchID]
	if len(byMatch) == 0 {
		return nil
	}
	out := make([]FeedHandlers, 0, len(byMatch))
	for _, h := range byMatch {
		out = append(out, h)
	}
	return out
}
