package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestPoller_DeliversAndStops(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()

	var (
		mu   sync.Mutex
		seen []string
	)
	observe := func(m Message, src Source) {
		if src != SourcePoll {
			t.Errorf("unexpected source: %s", src)
		}
		mu.Lock()
		seen = append(seen, m.ID)
		mu.Unlock()
	}

	p := startPoller(nil, store, "m1", "eng-1", 10*time.Millisecond, 20, observe)

	m := mustInsert(t, store, InsertMessageInput{MatchID: "m1", SenderID: "org-1", Content: "tick"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("poller never delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// stop blocks until no further observe can fire.
	p.stop()
	mu.Lock()
	before := len(seen)
	mu.Unlock()

	mustInsert(t, store, InsertMessageInput{MatchID: "m1", SenderID: "org-1", Content: "after stop"})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != before {
		t.Fatalf("observe fired after stop: %d -> %d", before, len(seen))
	}
	if seen[0] != m.ID {
		t.Fatalf("wrong message observed first: %s", seen[0])
	}
}

// flakyFetchStore fails its first fetch; later fetches delegate.
type flakyFetchStore struct {
	MessageStore
	mu     sync.Mutex
	failed bool
}

func (f *flakyFetchStore) FetchMessages(ctx context.Context, in FetchMessagesInput) ([]Message, error) {
	f.mu.Lock()
	first := !f.failed
	f.failed = true
	f.mu.Unlock()
	if first {
		return nil, errors.New("store down")
	}
	return f.MessageStore.FetchMessages(ctx, in)
}

func TestPoller_SurvivesFetchError(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	m := mustInsert(t, store, InsertMessageInput{MatchID: "m1", SenderID: "org-1", Content: "eventually"})

	var (
		mu   sync.Mutex
		seen []string
	)
	// The first tick errors out; the loop must keep ticking and deliver on a
	// later one.
	p := startPoller(nil, &flakyFetchStore{MessageStore: store}, "m1", "eng-1", 10*time.Millisecond, 20, func(m Message, _ Source) {
		mu.Lock()
		seen = append(seen, m.ID)
		mu.Unlock()
	})
	defer p.stop()

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("poller died after a fetch error")
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if seen[0] != m.ID {
		t.Fatalf("wrong message observed: %s", seen[0])
	}
}

func TestPoller_SkipsMessagesHiddenFromViewer(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	m := mustInsert(t, store, InsertMessageInput{MatchID: "m1", SenderID: "org-1", Content: "hidden"})
	if err := store.SoftDelete(context.Background(), m.ID, "eng-1"); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}

	var (
		mu   sync.Mutex
		seen []string
	)
	p := startPoller(nil, store, "m1", "eng-1", 10*time.Millisecond, 20, func(m Message, _ Source) {
		mu.Lock()
		seen = append(seen, m.ID)
		mu.Unlock()
	})
	defer p.stop()

	time.Sleep(80 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 0 {
		t.Fatalf("soft-deleted row surfaced through the poller: %v", seen)
	}
}
