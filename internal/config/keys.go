package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "LENSDESK_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "LENSDESK_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "LENSDESK_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "client.backend_url", typ: kString, env: "LENSDESK_CLIENT_BACKEND_URL",
		apply:   func(cfg *Config, v any) { cfg.Client.BackendURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Client.BackendURL },
	},
	{
		key: "client.timeout", typ: kDuration, env: "LENSDESK_CLIENT_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Client.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Client.Timeout },
	},
	{
		key: "cache.max_age", typ: kDuration, env: "LENSDESK_CACHE_MAX_AGE",
		apply:   func(cfg *Config, v any) { cfg.Cache.MaxAge = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.MaxAge },
	},
	{
		key: "cache.memory_limit_bytes", typ: kInt, env: "LENSDESK_CACHE_MEMORY_LIMIT_BYTES",
		apply:   func(cfg *Config, v any) { cfg.Cache.MemoryLimitBytes = v.(int) },
		extract: func(cfg Config) any { return cfg.Cache.MemoryLimitBytes },
	},
	{
		key: "cache.subscriber_breaker_threshold", typ: kInt, env: "LENSDESK_CACHE_SUBSCRIBER_BREAKER_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Cache.SubscriberBreakerThreshold = v.(int) },
		extract: func(cfg Config) any { return cfg.Cache.SubscriberBreakerThreshold },
	},
	{
		key: "bus.breaker_threshold", typ: kInt, env: "LENSDESK_BUS_BREAKER_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Bus.BreakerThreshold = v.(int) },
		extract: func(cfg Config) any { return cfg.Bus.BreakerThreshold },
	},
	{
		key: "bus.history_size", typ: kInt, env: "LENSDESK_BUS_HISTORY_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Bus.HistorySize = v.(int) },
		extract: func(cfg Config) any { return cfg.Bus.HistorySize },
	},
	{
		key: "offline.replay_delay", typ: kDuration, env: "LENSDESK_OFFLINE_REPLAY_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Offline.ReplayDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Offline.ReplayDelay },
	},
	{
		key: "offline.failure_policy", typ: kString, env: "LENSDESK_OFFLINE_FAILURE_POLICY",
		apply:   func(cfg *Config, v any) { cfg.Offline.FailurePolicy = v.(string) },
		extract: func(cfg Config) any { return cfg.Offline.FailurePolicy },
	},
	{
		key: "offline.max_attempts", typ: kInt, env: "LENSDESK_OFFLINE_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Offline.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Offline.MaxAttempts },
	},
	{
		key: "push.enabled", typ: kBool, env: "LENSDESK_PUSH_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Push.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Push.Enabled },
	},
	{
		key: "eventlog.capacity", typ: kInt, env: "LENSDESK_EVENTLOG_CAPACITY",
		apply:   func(cfg *Config, v any) { cfg.EventLog.Capacity = v.(int) },
		extract: func(cfg Config) any { return cfg.EventLog.Capacity },
	},
	{
		key: "auth.api_token", typ: kString, env: "LENSDESK_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Auth.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Auth.APIToken },
	},
}

// parse converts raw into the Go value of the key's type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		case kBool:
			v, ok, err := b.GetBool(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
