// Package config loads the device configuration of scoresync.
//
// Configuration is a YAML file decoded strictly: unknown keys are errors,
// so a typo never silently falls back to a default. Missing keys take the
// defaults of Default.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/scoresync/internal/engine"
	"github.com/roach88/scoresync/internal/presence"
	"github.com/roach88/scoresync/internal/remote"
	"github.com/roach88/scoresync/internal/store"
	"github.com/roach88/scoresync/internal/version"
)

// Config is the full device configuration.
type Config struct {
	// ClientID pins the device id. Empty means generate one on first use.
	ClientID string `yaml:"client_id"`

	// Database is the path of the local SQLite store.
	Database string `yaml:"database"`

	// PolicyFile is a CUE policy file. Empty means the built-in tournament
	// policy.
	PolicyFile string `yaml:"policy_file"`

	Remote    RemoteConfig    `yaml:"remote"`
	Sync      SyncConfig      `yaml:"sync"`
	Network   NetworkConfig   `yaml:"network"`
	Conflicts ConflictsConfig `yaml:"conflicts"`
	Presence  PresenceConfig  `yaml:"presence"`
	Versions  VersionsConfig  `yaml:"versions"`
}

// RemoteConfig locates the store of record.
type RemoteConfig struct {
	URL             string        `yaml:"url"`
	Timeout         time.Duration `yaml:"timeout"`
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`
}

// SyncConfig tunes batching and retries.
type SyncConfig struct {
	BatchSize        int           `yaml:"batch_size"`
	MinimalBatchSize int           `yaml:"minimal_batch_size"`
	MaxAttempts      int           `yaml:"max_attempts"`
	CycleAttempts    int           `yaml:"cycle_attempts"`
	Interval         time.Duration `yaml:"interval"`
	InitialBackoff   time.Duration `yaml:"initial_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
	Jitter           float64       `yaml:"jitter"`
}

// NetworkConfig sets the thresholds below which sync turns minimal.
type NetworkConfig struct {
	DegradedRTT time.Duration `yaml:"degraded_rtt"`
	// DegradedBandwidth is in bytes per second.
	DegradedBandwidth float64 `yaml:"degraded_bandwidth"`
}

// ConflictsConfig bounds the local conflict log.
type ConflictsConfig struct {
	LogSize int `yaml:"log_size"`
}

// PresenceConfig configures the advisory editing-presence channel.
type PresenceConfig struct {
	// URL is the websocket address of a presence hub. Empty disables
	// presence broadcasting.
	URL string        `yaml:"url"`
	TTL time.Duration `yaml:"ttl"`
}

// VersionsConfig bounds version vector growth.
type VersionsConfig struct {
	MaxTrackedClients int           `yaml:"max_tracked_clients"`
	Retention         time.Duration `yaml:"retention"`
}

// Default returns the configuration used for keys a file leaves out.
func Default() Config {
	return Config{
		Database: "scoresync.db",
		Remote: RemoteConfig{
			URL:             "http://127.0.0.1:8088",
			Timeout:         15 * time.Second,
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
		},
		Sync: SyncConfig{
			BatchSize:        engine.DefaultBatchSize,
			MinimalBatchSize: engine.DefaultMinimalBatchSize,
			MaxAttempts:      engine.DefaultMaxAttempts,
			CycleAttempts:    engine.DefaultCycleAttempts,
			Interval:         engine.DefaultInterval,
			InitialBackoff:   engine.DefaultInitialBackoff,
			MaxBackoff:       engine.DefaultMaxBackoff,
			Jitter:           engine.DefaultJitter,
		},
		Network: NetworkConfig{
			DegradedRTT:       engine.DefaultDegradedRTT,
			DegradedBandwidth: engine.DefaultDegradedBandwidth,
		},
		Conflicts: ConflictsConfig{LogSize: store.DefaultConflictLogSize},
		Presence:  PresenceConfig{TTL: presence.DefaultTTL},
		Versions: VersionsConfig{
			MaxTrackedClients: version.DefaultMaxClients,
			Retention:         version.DefaultRetention,
		},
	}
}

// Load reads a configuration file. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		return &cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML configuration over the defaults and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	if c.Database == "" {
		return errors.New("database is required")
	}
	if c.Remote.URL != "" {
		u, err := url.Parse(c.Remote.URL)
		if err != nil {
			return fmt.Errorf("remote.url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("remote.url: scheme must be http or https, got %q", u.Scheme)
		}
	}
	if c.Remote.Timeout <= 0 {
		return errors.New("remote.timeout must be positive")
	}
	if c.Sync.BatchSize < 1 {
		return errors.New("sync.batch_size must be at least 1")
	}
	if c.Sync.MinimalBatchSize < 1 || c.Sync.MinimalBatchSize > c.Sync.BatchSize {
		return errors.New("sync.minimal_batch_size must be between 1 and sync.batch_size")
	}
	if c.Sync.MaxAttempts < 1 {
		return errors.New("sync.max_attempts must be at least 1")
	}
	if c.Sync.CycleAttempts < 1 {
		return errors.New("sync.cycle_attempts must be at least 1")
	}
	if c.Sync.Interval <= 0 {
		return errors.New("sync.interval must be positive")
	}
	if c.Sync.InitialBackoff <= 0 || c.Sync.MaxBackoff < c.Sync.InitialBackoff {
		return errors.New("sync.initial_backoff must be positive and not above sync.max_backoff")
	}
	if c.Sync.Jitter < 0 || c.Sync.Jitter > 1 {
		return errors.New("sync.jitter must be within [0, 1]")
	}
	if c.Network.DegradedRTT < 0 || c.Network.DegradedBandwidth < 0 {
		return errors.New("network thresholds must not be negative")
	}
	if c.Conflicts.LogSize < 1 {
		return errors.New("conflicts.log_size must be at least 1")
	}
	if c.Presence.TTL <= 0 {
		return errors.New("presence.ttl must be positive")
	}
	if c.Presence.URL != "" {
		u, err := url.Parse(c.Presence.URL)
		if err != nil {
			return fmt.Errorf("presence.url: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("presence.url: scheme must be ws or wss, got %q", u.Scheme)
		}
	}
	if c.Versions.MaxTrackedClients < 2 {
		return errors.New("versions.max_tracked_clients must be at least 2")
	}
	if c.Versions.Retention <= 0 {
		return errors.New("versions.retention must be positive")
	}
	return nil
}

// EngineOptions translates the configuration into engine options.
func (c *Config) EngineOptions() []engine.EngineOption {
	opts := []engine.EngineOption{
		engine.WithBatchSize(c.Sync.BatchSize, c.Sync.MinimalBatchSize),
		engine.WithMaxAttempts(c.Sync.MaxAttempts),
		engine.WithCycleAttempts(c.Sync.CycleAttempts),
		engine.WithInterval(c.Sync.Interval),
		engine.WithBackoff(c.Sync.InitialBackoff, c.Sync.MaxBackoff, c.Sync.Jitter),
		engine.WithClassifier(engine.NewClassifier(c.Network.DegradedRTT, c.Network.DegradedBandwidth)),
		engine.WithVersionPruning(c.Versions.MaxTrackedClients, c.Versions.Retention),
	}
	if c.ClientID != "" {
		opts = append(opts, engine.WithClientID(c.ClientID))
	}
	return opts
}

// StoreOptions translates the configuration into local store options.
func (c *Config) StoreOptions() []store.Option {
	return []store.Option{store.WithConflictLogSize(c.Conflicts.LogSize)}
}

// HTTPRemote builds the client for the configured store of record.
func (c *Config) HTTPRemote(logger *slog.Logger) (*remote.HTTPClient, error) {
	if c.Remote.URL == "" {
		return nil, errors.New("remote.url is not configured")
	}
	return remote.NewHTTPClient(c.Remote.URL,
		remote.WithHTTPClient(&http.Client{Timeout: c.Remote.Timeout}),
		remote.WithBreaker(c.Remote.BreakerFailures, c.Remote.BreakerTimeout),
		remote.WithHTTPLogger(logger),
	)
}
