package config

import (
	"errors"
	"fmt"

	rterrors "github.com/xtxerr/raintier/internal/errors"
	"github.com/xtxerr/raintier/internal/logging"
	"github.com/xtxerr/raintier/internal/validation"
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log: %w", err))
	}
	switch c.Log.Format {
	case "text", "json", "auto", "":
	default:
		errs = append(errs, fmt.Errorf("log: unknown format %q", c.Log.Format))
	}

	if c.Grid.Rows <= 0 || c.Grid.Cols <= 0 {
		errs = append(errs, fmt.Errorf("grid: rows and cols must be positive, got %dx%d", c.Grid.Rows, c.Grid.Cols))
	}

	if len(c.Stations) == 0 {
		errs = append(errs, errors.New("stations: at least one station is required"))
	}
	for _, st := range c.Stations {
		if err := validation.ValidateStation(st); err != nil {
			errs = append(errs, fmt.Errorf("stations: %s: %w", st, err))
		}
	}

	if err := c.Composite.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("composite: %w", err))
	}

	if c.Aggregate.HourWorkers <= 0 {
		errs = append(errs, errors.New("aggregate: hour_workers must be positive"))
	}

	if c.Calibrate.IDWPower <= 0 {
		errs = append(errs, errors.New("calibrate: idw_power must be positive"))
	}

	if err := c.Locks.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("locks: %w", err))
	}

	if len(c.Publish.Brokers) > 0 && c.Publish.Topic == "" {
		errs = append(errs, errors.New("publish: topic is required when brokers are set"))
	}

	if c.Daemon.PromoteInterval <= 0 {
		errs = append(errs, errors.New("daemon: promote_interval must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", rterrors.ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Validate checks the composite configuration.
func (c *CompositeConfig) Validate() error {
	var errs []error

	if err := c.Declutter.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.BeamWidthDeg <= 0 {
		errs = append(errs, errors.New("beam_width_deg must be positive"))
	}
	if c.ClutterDir != "" && c.Declutter.History > 0 && len(c.ClutterPair) < 2 {
		errs = append(errs, errors.New("clutter_pair needs two stations when historical declutter is enabled"))
	}

	return errors.Join(errs...)
}

// Validate checks the lock configuration.
func (c *LockConfig) Validate() error {
	var errs []error

	switch c.Backend {
	case "memory":
	case "postgres", "sqlite":
		if c.DSN == "" {
			errs = append(errs, fmt.Errorf("dsn is required for backend %s", c.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}

	if c.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be positive"))
	}
	if c.Backend == "sqlite" && c.Lease <= c.Timeout {
		errs = append(errs, errors.New("lease must exceed timeout"))
	}

	return errors.Join(errs...)
}
