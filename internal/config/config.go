// Package config defines service configuration structures and loading hooks.
//
// Conventions:
// - Provide New() initializer to build a Config with defaults.
// - Load layers a YAML file and GUIDEPULSE_* env vars on top of the defaults.
// - External errors must be wrapped via this package's sentinel errors.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Supported store drivers.
const (
	StoreDriverSQLite = "sqlite"
	StoreDriverMemory = "memory"
)

// MaxHistoryDays bounds default_history_days; the trend reader enforces the same limit.
const MaxHistoryDays = 180

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// LogFormat selects the log encoding: text or json.
	LogFormat string `koanf:"log_format"`

	// LogFile mirrors logs into a file when set.
	LogFile string `koanf:"log_file"`

	// Addr configures the HTTP listen address, e.g. ":9080".
	Addr string `koanf:"addr"`

	// Timezone is the IANA zone used to compute "today" for locks and aggregates.
	Timezone string `koanf:"timezone"`

	// StoreDriver selects the backing store: sqlite or memory.
	StoreDriver string `koanf:"store_driver"`

	// StorePath is the SQLite database file.
	StorePath string `koanf:"store_path"`

	// StoreBusyTimeoutMS is the SQLite busy_timeout in milliseconds.
	StoreBusyTimeoutMS int `koanf:"store_busy_timeout_ms"`

	// MaxEvaluationsPerRequest caps the batch size accepted by POST /evaluations.
	MaxEvaluationsPerRequest int `koanf:"max_evaluations_per_request"`

	// APISharedKey, when set, must match the x-client-key header on submissions.
	APISharedKey string `koanf:"api_shared_key"`

	// DefaultHistoryDays is used when GET /guidelines/history omits days.
	DefaultHistoryDays int `koanf:"default_history_days"`

	// SubmitMaxAttempts bounds engine retries on a busy store.
	SubmitMaxAttempts int `koanf:"submit_max_attempts"`

	// BodyLimitBytes caps request bodies.
	BodyLimitBytes int64 `koanf:"body_limit_bytes"`

	// MetricsNamespace and MetricsSubsystem prefix every metric name.
	MetricsNamespace string `koanf:"metrics_namespace"`
	MetricsSubsystem string `koanf:"metrics_subsystem"`

	// MetricsLatencyBucketsMS overrides the latency histogram buckets.
	MetricsLatencyBucketsMS []float64 `koanf:"metrics_latency_buckets_ms"`

	// MetricsLabels are constant labels added to every metric.
	MetricsLabels map[string]string `koanf:"metrics_labels"`

	// Guidelines seeds the guideline catalog at start.
	Guidelines []Guideline `koanf:"guidelines"`
}

// Guideline is a catalog entry declared in configuration.
type Guideline struct {
	ID       string         `koanf:"id"`
	Text     string         `koanf:"text"`
	Metadata map[string]any `koanf:"metadata"`
}

// New creates a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel:                 "info",
		LogFormat:                "text",
		Addr:                     ":9080",
		Timezone:                 "UTC",
		StoreDriver:              StoreDriverSQLite,
		StorePath:                "guidepulse.db",
		StoreBusyTimeoutMS:       5000,
		MaxEvaluationsPerRequest: 200,
		DefaultHistoryDays:       30,
		SubmitMaxAttempts:        3,
		BodyLimitBytes:           64 << 10,
		MetricsNamespace:         "guidepulse",
		MetricsSubsystem:         "evaluations",
	}
}

// BusyTimeout returns StoreBusyTimeoutMS as a duration.
func (c *Config) BusyTimeout() time.Duration {
	return time.Duration(c.StoreBusyTimeoutMS) * time.Millisecond
}

// Validate checks the loaded values. Errors wrap ErrInvalidConfig.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("%w: timezone %q: %v", ErrInvalidConfig, c.Timezone, err)
	}
	switch c.StoreDriver {
	case StoreDriverSQLite:
		if strings.TrimSpace(c.StorePath) == "" {
			return fmt.Errorf("%w: store_path must not be empty for the sqlite driver", ErrInvalidConfig)
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("%w: unknown store_driver %q", ErrInvalidConfig, c.StoreDriver)
	}
	if c.StoreBusyTimeoutMS < 0 {
		return fmt.Errorf("%w: store_busy_timeout_ms must not be negative", ErrInvalidConfig)
	}
	if c.MaxEvaluationsPerRequest < 1 {
		return fmt.Errorf("%w: max_evaluations_per_request must be positive", ErrInvalidConfig)
	}
	if c.DefaultHistoryDays < 1 || c.DefaultHistoryDays > MaxHistoryDays {
		return fmt.Errorf("%w: default_history_days must be in [1,%d]", ErrInvalidConfig, MaxHistoryDays)
	}
	if c.SubmitMaxAttempts < 1 {
		return fmt.Errorf("%w: submit_max_attempts must be positive", ErrInvalidConfig)
	}
	if c.BodyLimitBytes < 1 {
		return fmt.Errorf("%w: body_limit_bytes must be positive", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.MetricsNamespace) == "" {
		return fmt.Errorf("%w: metrics_namespace must not be empty", ErrInvalidConfig)
	}
	for i, b := range c.MetricsLatencyBucketsMS {
		if b <= 0 || (i > 0 && b <= c.MetricsLatencyBucketsMS[i-1]) {
			return fmt.Errorf("%w: metrics_latency_buckets_ms must be positive and increasing", ErrInvalidConfig)
		}
	}
	seen := make(map[string]struct{}, len(c.Guidelines))
	for i, g := range c.Guidelines {
		id := strings.TrimSpace(g.ID)
		if id == "" {
			return fmt.Errorf("%w: guidelines[%d].id must not be empty", ErrInvalidConfig, i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: duplicate guideline id %q", ErrInvalidConfig, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}
