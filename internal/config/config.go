// Package config resolves the runtime configuration once at startup:
// defaults, then the YAML file, then the environment (optionally read from a
// .env file), then command-line flags applied by the caller.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/xtxerr/raintier/config"
	"github.com/xtxerr/raintier/internal/storage/types"
)

// Config represents the complete configuration.
type Config struct {
	// DataDir is the root directory for product files.
	DataDir string `yaml:"data_dir"`

	Log       LogConfig       `yaml:"log"`
	Grid      GridConfig      `yaml:"grid"`
	Stations  []string        `yaml:"stations"`
	Scans     ScanConfig      `yaml:"scans"`
	Composite CompositeConfig `yaml:"composite"`
	Aggregate AggregateConfig `yaml:"aggregate"`
	Calibrate CalibrateConfig `yaml:"calibrate"`
	Stores    StoresConfig    `yaml:"stores"`
	Locks     LockConfig      `yaml:"locks"`
	Publish   PublishConfig   `yaml:"publish"`
	Retention RetentionConfig `yaml:"retention"`
	Query     QueryConfig     `yaml:"query"`
	HTTP      HTTPConfig      `yaml:"http"`
	Daemon    DaemonConfig    `yaml:"daemon"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// GridConfig describes the common spatial index.
type GridConfig struct {
	Rows int `yaml:"rows"`
	Cols int `yaml:"cols"`
}

// ScanConfig locates the resampled station scans.
type ScanConfig struct {
	// Dir holds <station>/<station>_<YYYYMMDDHHMM>.nc files.
	Dir string `yaml:"dir"`
}

// CompositeConfig configures the compositor.
type CompositeConfig struct {
	Declutter types.DeclutterConfig `yaml:"declutter"`

	// ClutterDir holds <station>.nc clutter-frequency maps. Empty disables
	// historical decluttering regardless of Declutter.History.
	ClutterDir string `yaml:"clutter_dir"`

	// ClutterPair lists the overlapping stations subject to historical declutter.
	ClutterPair []string `yaml:"clutter_pair"`

	// BeamWidthDeg is the half-power beam width.
	BeamWidthDeg float64 `yaml:"beam_width_deg"`
}

// AggregateConfig configures the aggregator.
type AggregateConfig struct {
	// HourWorkers bounds concurrent hour builds for one day.
	HourWorkers int `yaml:"hour_workers"`
}

// CalibrateConfig configures gauge calibration.
type CalibrateConfig struct {
	// GaugeDSN is the PostgreSQL connection string of the gauge database.
	// Empty runs without gauges (every product uncalibrated).
	GaugeDSN string `yaml:"gauge_dsn"`

	// CountryMask is a netCDF file with a "mask" weight grid in [0, 1].
	CountryMask string `yaml:"country_mask"`

	// IDWPower is the inverse distance exponent.
	IDWPower float64 `yaml:"idw_power"`
}

// StoresConfig locates the tiered stores.
type StoresConfig struct {
	// Dir is the root that relative tier paths are resolved against.
	Dir string `yaml:"dir"`

	// Manifest is the StoreGroup manifest file.
	Manifest string `yaml:"manifest"`
}

// LockConfig selects the lock service.
type LockConfig struct {
	// Backend is memory, postgres or sqlite.
	Backend string `yaml:"backend"`

	// DSN is the PostgreSQL URL or the sqlite file path.
	DSN string `yaml:"dsn"`

	// Timeout bounds one acquisition.
	Timeout time.Duration `yaml:"timeout"`

	// Lease is the sqlite lease length.
	Lease time.Duration `yaml:"lease"`
}

// PublishConfig configures product-ready events.
type PublishConfig struct {
	// Brokers lists Kafka bootstrap brokers. Empty logs events instead.
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// RetentionConfig defines how long product files are kept.
type RetentionConfig struct {
	Aggregate5Min time.Duration `yaml:"aggregate_5min"`
	AggregateHour time.Duration `yaml:"aggregate_hour"`
	AggregateDay  time.Duration `yaml:"aggregate_day"`
	Calibrated    time.Duration `yaml:"calibrated"`
	Consistent    time.Duration `yaml:"consistent"`
}

// QueryConfig configures the DuckDB query service.
type QueryConfig struct {
	MemoryLimit string        `yaml:"memory_limit"`
	Timeout     time.Duration `yaml:"timeout"`
}

// HTTPConfig configures the status API.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// DaemonConfig configures the promotion scheduler.
type DaemonConfig struct {
	PromoteInterval time.Duration `yaml:"promote_interval"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "/var/lib/raintier",
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
		Grid: GridConfig{
			Rows: config.DefaultGridRows,
			Cols: config.DefaultGridCols,
		},
		Stations: []string{"NL60", "NL61", "ess", "emd", "JAB"},
		Composite: CompositeConfig{
			Declutter: types.DeclutterConfig{
				Size:    config.DefaultDeclutterSize,
				History: config.DefaultDeclutterHistory,
			},
			ClutterPair:  append([]string(nil), config.DefaultClutterPair...),
			BeamWidthDeg: config.DefaultBeamWidthDeg,
		},
		Aggregate: AggregateConfig{
			HourWorkers: config.DefaultHourWorkers,
		},
		Calibrate: CalibrateConfig{
			IDWPower: config.DefaultIDWPower,
		},
		Locks: LockConfig{
			Backend: "memory",
			Timeout: config.DefaultLockTimeout,
			Lease:   config.DefaultLockLease,
		},
		Publish: PublishConfig{
			Topic: config.DefaultKafkaTopic,
		},
		Retention: RetentionConfig{
			Aggregate5Min: 7 * 24 * time.Hour,
			AggregateHour: 31 * 24 * time.Hour,
			AggregateDay:  366 * 24 * time.Hour,
			Calibrated:    2 * 366 * 24 * time.Hour,
			Consistent:    2 * 366 * 24 * time.Hour,
		},
		Query: QueryConfig{
			MemoryLimit: "1GB",
			Timeout:     30 * time.Second,
		},
		HTTP: HTTPConfig{
			Listen: config.DefaultHTTPListen,
		},
		Daemon: DaemonConfig{
			PromoteInterval: config.DefaultPromoteInterval,
		},
	}
}

// Load resolves defaults, the YAML file at path (skipped when empty) and the
// environment. envFile, when non-empty, is read into the environment first
// without overriding variables that are already set.
// The result is not validated: callers apply flag overrides, then Validate.
func Load(path, envFile string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnv overrides fields from RAINTIER_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			var out []string
			for _, p := range strings.Split(v, ",") {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
			*dst = out
		}
	}

	str("RAINTIER_DATA_DIR", &c.DataDir)
	str("RAINTIER_LOG_LEVEL", &c.Log.Level)
	str("RAINTIER_LOG_FORMAT", &c.Log.Format)
	str("RAINTIER_SCAN_DIR", &c.Scans.Dir)
	str("RAINTIER_GAUGE_DSN", &c.Calibrate.GaugeDSN)
	str("RAINTIER_STORES_DIR", &c.Stores.Dir)
	str("RAINTIER_STORES_MANIFEST", &c.Stores.Manifest)
	str("RAINTIER_LOCK_BACKEND", &c.Locks.Backend)
	str("RAINTIER_LOCK_DSN", &c.Locks.DSN)
	str("RAINTIER_KAFKA_TOPIC", &c.Publish.Topic)
	str("RAINTIER_HTTP_LISTEN", &c.HTTP.Listen)
	list("RAINTIER_KAFKA_BROKERS", &c.Publish.Brokers)
	list("RAINTIER_STATIONS", &c.Stations)

	if v, ok := lookup("RAINTIER_LOCK_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid RAINTIER_LOCK_TIMEOUT: %w", err)
		}
		c.Locks.Timeout = d
	}

	return nil
}

// ProductsDir returns the root of the product files.
func (c *Config) ProductsDir() string {
	return filepath.Join(c.DataDir, "products")
}

// StoresDir returns the directory tier paths are relative to.
func (c *Config) StoresDir() string {
	if c.Stores.Dir != "" {
		return c.Stores.Dir
	}
	return filepath.Join(c.DataDir, "stores")
}

// ManifestPath returns the StoreGroup manifest location.
func (c *Config) ManifestPath() string {
	if c.Stores.Manifest != "" {
		return c.Stores.Manifest
	}
	return filepath.Join(c.StoresDir(), "stores.yaml")
}

// EnsureDirectories creates the data directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.DataDir, c.ProductsDir(), c.StoresDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
