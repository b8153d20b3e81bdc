package config

import (
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
database:
  url: postgres://localhost/parley
secrets:
  encryption_key: test-key
`

func TestLoadMinimalAppliesDefaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != DefaultListenAddr {
		t.Errorf("listen_addr = %q, want %q", cfg.Server.ListenAddr, DefaultListenAddr)
	}
	if cfg.Server.LogLevel != LogInfo {
		t.Errorf("log_level = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Database.VectorStoreURL != cfg.Database.URL {
		t.Errorf("vector_store_url should default to database.url, got %q", cfg.Database.VectorStoreURL)
	}
	if cfg.Orchestrator.LLMCallTimeout != DefaultLLMCallTimeout {
		t.Errorf("llm_call_timeout = %v, want %v", cfg.Orchestrator.LLMCallTimeout, DefaultLLMCallTimeout)
	}
	if cfg.Orchestrator.SessionIdleEviction != DefaultSessionIdleEviction {
		t.Errorf("session_idle_eviction = %v, want %v", cfg.Orchestrator.SessionIdleEviction, DefaultSessionIdleEviction)
	}
	if cfg.Orchestrator.SubscriberBuffer != DefaultSubscriberBuffer {
		t.Errorf("subscriber buffer = %d, want %d", cfg.Orchestrator.SubscriberBuffer, DefaultSubscriberBuffer)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("server:\n  listen_addr: ':9999'\n"))
	if err == nil {
		t.Fatal("want error for missing database.url and encryption key")
	}
	msg := err.Error()
	if !strings.Contains(msg, "database.url") {
		t.Errorf("error should mention database.url: %v", err)
	}
	if !strings.Contains(msg, "encryption_key") {
		t.Errorf("error should mention encryption_key: %v", err)
	}
}

func TestLoadUnknownField(t *testing.T) {
	yaml := minimalYAML + "does_not_exist: true\n"
	if _, err := LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("want error for unknown top-level field")
	}
}

func TestLoadInvalidLogLevel(t *testing.T) {
	yaml := minimalYAML + "server:\n  log_level: verbose\n"
	if _, err := LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("want error for invalid log level")
	}
}

func TestMaxHistoryHardCap(t *testing.T) {
	yaml := minimalYAML + "orchestrator:\n  max_history_per_request: 10000\n"
	cfg, err := LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Orchestrator.MaxHistoryPerRequest != MaxHistoryHardCap {
		t.Errorf("max_history_per_request = %d, want hard cap %d", cfg.Orchestrator.MaxHistoryPerRequest, MaxHistoryHardCap)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PARLEY_DATABASE_URL", "postgres://env/parley")
	t.Setenv("PARLEY_LLM_CALL_TIMEOUT_SECONDS", "5")

	cfg, err := LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Database.URL != "postgres://env/parley" {
		t.Errorf("database.url = %q, want env override", cfg.Database.URL)
	}
	if cfg.Orchestrator.LLMCallTimeout != 5*time.Second {
		t.Errorf("llm_call_timeout = %v, want 5s", cfg.Orchestrator.LLMCallTimeout)
	}
}
