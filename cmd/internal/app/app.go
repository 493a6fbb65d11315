// Package app wires the MatchTalk delivery runtime: config, logging, HTTP
// routes, and the conversation gateway.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"matchtalk/cmd/internal/chat"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is a small app-level lifecycle abstraction so DB-backed resources
// can be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

// nopStore is used in in-memory mode.
type nopStore struct{}

func (nopStore) Close(_ context.Context) error { return nil }

// App owns the HTTP server wiring and the delivery-layer dependencies.
type App struct {
	cfg Config
	log Logger

	store Store

	dbPool    *pgxpool.Pool
	dbEnabled bool

	mgr *chat.Manager
	gw  *chat.Gateway
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogPretty)
	}

	st, dbPool, dbEnabled, msgStore, localFeed, err := newStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	feed, err := newFeed(cfg, log, localFeed)
	if err != nil {
		_ = st.Close(context.Background())
		return nil, err
	}

	mgr, err := chat.NewManager(log, msgStore, feed,
		chat.WithPollInterval(cfg.PollInterval),
		chat.WithPollPage(cfg.PollPage),
		chat.WithInitialPage(cfg.InitialPage),
		chat.WithEchoWindow(cfg.EchoWindow),
	)
	if err != nil {
		_ = st.Close(context.Background())
		return nil, err
	}

	return &App{
		cfg:       cfg,
		log:       log,
		store:     st,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		mgr:       mgr,
		gw:        chat.NewGateway(log, mgr),
	}, nil
}

const shutdownGrace = 10 * time.Second

// Run starts the HTTP server and blocks until context cancellation or a
// fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.gw)
	srv := a.buildServer(mux)

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled, "feed_url", a.cfg.FeedURL)

	errCh := make(chan error, 1)
	go func() {
		serveErr := srv.ListenAndServe()
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
	}()

	select {
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	err := srv.Shutdown(shutdownCtx)
	if err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
	}

	// Tear down remaining conversation sessions before closing the store
	// they read from.
	a.mgr.CloseAll()
	if cerr := a.store.Close(shutdownCtx); cerr != nil {
		a.log.Error("store.close.fail", "err", cerr)
	}

	a.log.Info("server.stopped")
	return err
}

func (a *App) buildServer(mux *http.ServeMux) *http.Server {
	return &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newStore decides between Postgres-backed persistence and the in-memory
// dev store. The in-memory store is also returned as a local change feed.
func newStore(ctx context.Context, cfg Config, log Logger) (Store, *pgxpool.Pool, bool, chat.MessageStore, chat.ChangeFeed, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		mem := chat.NewInMemoryStore()
		return nopStore{}, nil, false, mem, mem, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, nil, nil, err
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)

	// Ownership model: app owns the pool lifecycle; PostgresStore.Close is
	// a no-op.
	msgStore, err := chat.NewPostgresStore(pool, chat.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, false, nil, nil, err
	}

	return dbStore{pool: pool, msgStore: msgStore}, pool, true, msgStore, nil, nil
}

// newFeed selects the change-feed source. An explicit MT_FEED_URL wins;
// otherwise the in-memory store's local feed is used when available, and a
// Postgres deployment without a feed runs on polling alone.
func newFeed(cfg Config, log Logger, localFeed chat.ChangeFeed) (chat.ChangeFeed, error) {
	if cfg.FeedURL != "" {
		return chat.NewWSFeed(log, chat.WSFeedConfig{
			URL:         cfg.FeedURL,
			DialTimeout: cfg.FeedDialTimeout,
		})
	}
	if localFeed != nil {
		return localFeed, nil
	}
	log.Info("feed.disabled.poll_only")
	return chat.NopFeed{}, nil
}

type dbStore struct {
	pool     *pgxpool.Pool
	msgStore chat.MessageStore
}

func (s dbStore) Close(_ context.Context) error {
	if s.msgStore != nil {
		_ = s.msgStore.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
