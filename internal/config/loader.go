package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path, applies PARLEY_*
// environment overrides, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment
// overrides, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides cfg fields from the PARLEY_* environment variables
// enumerated in the deployment contract. Unset variables leave the YAML
// values untouched.
func applyEnv(cfg *Config) {
	if v := os.Getenv("PARLEY_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("PARLEY_DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("PARLEY_VECTOR_STORE_URL"); v != "" {
		cfg.Database.VectorStoreURL = v
	}
	if v := os.Getenv("PARLEY_ENCRYPTION_KEY"); v != "" {
		cfg.Secrets.EncryptionKey = v
	}
	if v := os.Getenv("PARLEY_LLM_CALL_TIMEOUT_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.Orchestrator.LLMCallTimeout = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("PARLEY_SESSION_IDLE_EVICTION_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.Orchestrator.SessionIdleEviction = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("PARLEY_MAX_HISTORY_PER_REQUEST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Orchestrator.MaxHistoryPerRequest = n
		}
	}
	if v := os.Getenv("PARLEY_EVENT_BUS_PER_SUBSCRIBER_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Orchestrator.SubscriberBuffer = n
		}
	}
}

// Validate checks that cfg contains a coherent set of values and fills in
// defaults for unset fields. It returns a joined error listing all
// validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}
	if cfg.Database.VectorStoreURL == "" {
		cfg.Database.VectorStoreURL = cfg.Database.URL
	}

	if cfg.Secrets.EncryptionKey == "" {
		errs = append(errs, errors.New("secrets.encryption_key is required"))
	}

	if cfg.Orchestrator.LLMCallTimeout <= 0 {
		cfg.Orchestrator.LLMCallTimeout = DefaultLLMCallTimeout
	}
	if cfg.Orchestrator.SessionIdleEviction <= 0 {
		cfg.Orchestrator.SessionIdleEviction = DefaultSessionIdleEviction
	}
	if cfg.Orchestrator.SubscriberBuffer <= 0 {
		cfg.Orchestrator.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if cfg.Orchestrator.MaxHistoryPerRequest <= 0 {
		cfg.Orchestrator.MaxHistoryPerRequest = DefaultMaxHistory
	}
	if cfg.Orchestrator.MaxHistoryPerRequest > MaxHistoryHardCap {
		cfg.Orchestrator.MaxHistoryPerRequest = MaxHistoryHardCap
	}

	return errors.Join(errs...)
}
