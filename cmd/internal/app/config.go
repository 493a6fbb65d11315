package app

import "time"

// Config is the full runtime configuration, loaded from MT_* environment
// variables with working defaults for local development.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogPretty bool

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// Message store. Empty DatabaseURL selects the in-memory store.
	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// Change feed. Empty FeedURL means no external feed: the in-memory
	// store doubles as a local feed, and a Postgres-backed deployment
	// falls back to polling only.
	FeedURL         string
	FeedDialTimeout time.Duration

	// Delivery tuning.
	PollInterval time.Duration
	PollPage     int
	InitialPage  int
	EchoWindow   time.Duration

	// If true, /readyz returns 503 unless the database is configured and
	// reachable.
	ReadinessRequireDB bool
}

// LoadConfig reads Config from the environment.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("MT_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("MT_LOG_LEVEL", "info"),
		LogPretty: EnvBool("MT_LOG_PRETTY", false),

		ReadHeaderTimeout: EnvDuration("MT_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("MT_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("MT_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("MT_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("MT_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("MT_DATABASE_URL", ""),
		DBSchema:    EnvString("MT_DB_SCHEMA", "talent"),
		DBMaxConns:  EnvInt32("MT_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("MT_DB_MIN_CONNS", 0),

		FeedURL:         EnvString("MT_FEED_URL", ""),
		FeedDialTimeout: EnvDuration("MT_FEED_DIAL_TIMEOUT", 5*time.Second),

		PollInterval: EnvDuration("MT_POLL_INTERVAL", 3*time.Second),
		PollPage:     EnvInt("MT_POLL_PAGE", 20),
		InitialPage:  EnvInt("MT_INITIAL_PAGE", 50),
		EchoWindow:   EnvDuration("MT_ECHO_WINDOW", 15*time.Second),

		ReadinessRequireDB: EnvBool("MT_READINESS_REQUIRE_DB", false),
	}
}
