package app

import (
	"testing"
	"time"
)

func TestEnvString(t *testing.T) {
	t.Setenv("MT_TEST_STR", "  value  ")
	if got := EnvString("MT_TEST_STR", "def"); got != "value" {
		t.Fatalf("got %q want %q", got, "value")
	}
	if got := EnvString("MT_TEST_STR_MISSING", "def"); got != "def" {
		t.Fatalf("got %q want default", got)
	}
}

func TestEnvBool(t *testing.T) {
	t.Setenv("MT_TEST_BOOL", "true")
	if !EnvBool("MT_TEST_BOOL", false) {
		t.Fatalf("expected true")
	}
	t.Setenv("MT_TEST_BOOL", "nope")
	if !EnvBool("MT_TEST_BOOL", true) {
		t.Fatalf("parse failure should fall back to default")
	}
}

func TestEnvInt(t *testing.T) {
	t.Setenv("MT_TEST_INT", "42")
	if got := EnvInt("MT_TEST_INT", 7); got != 42 {
		t.Fatalf("got %d want 42", got)
	}
	t.Setenv("MT_TEST_INT", "-3")
	if got := EnvInt("MT_TEST_INT", 7); got != 7 {
		t.Fatalf("non-positive value should fall back, got %d", got)
	}
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("MT_TEST_DUR", "1500ms")
	if got := EnvDuration("MT_TEST_DUR", time.Second); got != 1500*time.Millisecond {
		t.Fatalf("got %v want 1.5s", got)
	}
	t.Setenv("MT_TEST_DUR", "0s")
	if got := EnvDuration("MT_TEST_DUR", time.Second); got != time.Second {
		t.Fatalf("non-positive duration should fall back, got %v", got)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	// Clear the knobs this test asserts on.
	for _, k := range []string{"MT_HTTP_ADDR", "MT_POLL_INTERVAL", "MT_DB_SCHEMA", "MT_DATABASE_URL", "MT_FEED_URL"} {
		t.Setenv(k, "")
	}

	cfg := LoadConfig()
	if cfg.HTTPAddr != "0.0.0.0:8080" {
		t.Fatalf("HTTPAddr=%q", cfg.HTTPAddr)
	}
	if cfg.PollInterval != 3*time.Second {
		t.Fatalf("PollInterval=%v want 3s", cfg.PollInterval)
	}
	if cfg.DBSchema != "talent" {
		t.Fatalf("DBSchema=%q", cfg.DBSchema)
	}
	if cfg.DatabaseURL != "" || cfg.FeedURL != "" {
		t.Fatalf("expected in-memory poll-backed defaults")
	}
}
