package chat

import (
	"context"
	"log/slog"
	"time"
)

// poller is the timer-driven reconciliation loop behind one open session.
// It re-fetches the most recent message page on a fixed interval and pushes
// every row through the session's observe path; the seen-set absorbs rows
// already delivered by the change feed.
//
// A failed fetch never terminates the loop: the error is logged, counted,
// and the next scheduled tick proceeds.
type poller struct {
	log      *slog.Logger
	store    MessageStore
	matchID  string
	viewerID string
	interval time.Duration
	page     int
	observe  func(Message, Source)

	cancel context.CancelFunc
	done   chan struct{}
}

// startPoller launches the loop. Exactly one poller exists per open session;
// stop cancels it and waits for the goroutine to exit.
func startPoller(log *slog.Logger, store MessageStore, matchID, viewerID string, interval time.Duration, page int, observe func(Message, Source)) *poller {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if page <= 0 {
		page = defaultPollPage
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &poller{
		log:      log,
		store:    store,
		matchID:  matchID,
		viewerID: viewerID,
		interval: interval,
		page:     page,
		observe:  observe,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go p.run(ctx)
	return p
}

func (p *poller) run(ctx context.Context) {
	defer close(p.done)

	t := time.NewTicker(p.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.tick(ctx)
		}
	}
}

func (p *poller) tick(ctx context.Context) {
	metricPollTicks.Inc()

	fetchCtx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()

	msgs, err := p.store.FetchMessages(fetchCtx, FetchMessagesInput{
		MatchID:  p.matchID,
		ViewerID: p.viewerID,
		Limit:    p.page,
		Latest:   true,
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		metricPollErrors.Inc()
		p.log.Warn("poll.fetch.fail", "match_id", p.matchID, "err", err)
		return
	}

	for _, m := range msgs {
		p.observe(m, SourcePoll)
	}
}

// stop cancels the loop and blocks until no further observe call can fire.
func (p *poller) stop() {
	if p == nil {
		return
	}
	p.cancel()
	<-p.done
}
