package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	keychainService = "lensdesk"
	keychainAccount = "api_token"
)

type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Log      LogConfig
	Client   ClientConfig
	Cache    CacheConfig
	Bus      BusConfig
	Offline  OfflineConfig
	Push     PushConfig
	EventLog EventLogConfig
	Auth     AuthConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type ClientConfig struct {
	// BackendURL defaults to the local backend on Server.Port.
	BackendURL string
	Timeout    time.Duration
}

type CacheConfig struct {
	MaxAge                     time.Duration
	MemoryLimitBytes           int
	SubscriberBreakerThreshold int
}

type BusConfig struct {
	BreakerThreshold int
	HistorySize      int
}

type OfflineConfig struct {
	ReplayDelay   time.Duration
	FailurePolicy string
	MaxAttempts   int
}

type PushConfig struct {
	Enabled bool
}

type EventLogConfig struct {
	Capacity int
}

type AuthConfig struct {
	APIToken string
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config { return defaults() }

func defaults() Config {
	return Config{
		Server:  ServerConfig{Port: 4780},
		Storage: StorageConfig{DataDir: defaultDataDir()},
		Log:     LogConfig{Level: "info"},
		Client:  ClientConfig{Timeout: 10 * time.Second},
		Cache: CacheConfig{
			MaxAge:                     10 * time.Minute,
			MemoryLimitBytes:           50 << 20,
			SubscriberBreakerThreshold: 5,
		},
		Bus: BusConfig{
			BreakerThreshold: 3,
			HistorySize:      100,
		},
		Offline: OfflineConfig{
			ReplayDelay:   100 * time.Millisecond,
			FailurePolicy: "drop",
			MaxAttempts:   3,
		},
		Push:     PushConfig{Enabled: true},
		EventLog: EventLogConfig{Capacity: 1000},
	}
}

// BackendURL returns the address the client talks to.
func (c Config) BackendURL() string {
	if c.Client.BackendURL != "" {
		return strings.TrimRight(c.Client.BackendURL, "/")
	}
	return "http://127.0.0.1:" + strconv.Itoa(c.Server.Port)
}

// LogLevel maps Log.Level onto a slog level; unknown names select info.
func (c Config) LogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.lensdesk.app) and the API
// token lives in the Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/lensdesk/config.json
// and the token is kept in $XDG_DATA_HOME/lensdesk/secrets.json.
//
// Environment variables (LENSDESK_*) override backend values on all platforms.
// A missing API token is generated and stored so that the backend and its
// clients agree on it.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainStore{})
}

// errSecretNotFound means the secret store holds no value for the account.
var errSecretNotFound = errors.New("secret not found")

// keychain abstracts secret storage for testing.
type keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Auth.APIToken == "" {
		tok, err := kc.Get(keychainService, keychainAccount)
		switch {
		case err == nil:
			cfg.Auth.APIToken = tok
		case !errors.Is(err, errSecretNotFound):
			fmt.Fprintf(os.Stderr, "[WARN] could not read API token: %v. Generating a new one.\n", err)
		}
	}
	if cfg.Auth.APIToken == "" {
		tok := strings.ReplaceAll(uuid.New().String(), "-", "")
		if err := kc.Set(keychainService, keychainAccount, tok); err != nil {
			return Config{}, fmt.Errorf("missing required config: API token. "+
				"Set it via environment variable LENSDESK_API_TOKEN%s (storing a generated one failed: %w)", tokenHint(), err)
		}
		cfg.Auth.APIToken = tok
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch {
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	case c.Client.Timeout <= 0:
		return fmt.Errorf("client.timeout must be positive")
	case c.Cache.MaxAge <= 0:
		return fmt.Errorf("cache.max_age must be positive")
	case c.Cache.SubscriberBreakerThreshold <= 0 || c.Bus.BreakerThreshold <= 0:
		return fmt.Errorf("breaker thresholds must be positive")
	case c.Offline.MaxAttempts <= 0:
		return fmt.Errorf("offline.max_attempts must be positive")
	}
	switch strings.ToLower(c.Offline.FailurePolicy) {
	case "drop", "retry", "dead-letter", "deadletter", "dead_letter":
	default:
		return fmt.Errorf("offline.failure_policy must be drop, retry or dead-letter, got %q", c.Offline.FailurePolicy)
	}
	return nil
}

// keychainStore reads and writes the platform secret store.
type keychainStore struct{}

func (keychainStore) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (keychainStore) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}
