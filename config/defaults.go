// Package config provides configuration defaults for the raintier tools.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml, environment variables or
// command-line flags.
package config

import "time"

// =============================================================================
// Grid Defaults
// =============================================================================

const (
	// DefaultGridRows and DefaultGridCols describe the national composite grid
	// (1 km cells).
	// Override via config: grid.rows, grid.cols
	DefaultGridRows = 490
	DefaultGridCols = 500
)

// =============================================================================
// Composite Defaults
// =============================================================================

const (
	// DefaultDeclutterSize removes connected echo clusters of up to this many cells.
	// Override via config: composite.declutter.size
	DefaultDeclutterSize = 4

	// DefaultDeclutterHistory is the clutter-frequency threshold for the paired
	// stations.
	// Override via config: composite.declutter.history
	DefaultDeclutterHistory = 50.0

	// DefaultBeamWidthDeg is the half-power beam width used for beam height bounds.
	// Override via config: composite.beam_width_deg
	DefaultBeamWidthDeg = 1.0
)

// DefaultClutterPair lists the overlapping stations whose systematic clutter is
// suppressed where the sibling sees the location cleanly.
var DefaultClutterPair = []string{"NL60", "NL61"}

// =============================================================================
// Aggregation and Calibration Defaults
// =============================================================================

const (
	// DefaultHourWorkers bounds concurrent hour builds while building a day.
	// Override via config: aggregate.hour_workers
	DefaultHourWorkers = 4

	// DefaultIDWPower is the inverse distance exponent of the factor grid.
	// Override via config: calibrate.idw_power
	DefaultIDWPower = 2.0

	// MaxCalibrationFactor is the upper bound of an acceptable IDW factor.
	// Factors outside [0, MaxCalibrationFactor] are replaced by 1.
	MaxCalibrationFactor = 10.0
)

// =============================================================================
// Store and Lock Defaults
// =============================================================================

const (
	// DefaultLockTimeout bounds a single lock acquisition (one chunk, one rotation).
	// Override via config: locks.timeout
	DefaultLockTimeout = 30 * time.Second

	// DefaultLockLease is how long a sqlite lease survives a crashed holder.
	// Override via config: locks.lease
	DefaultLockLease = 10 * time.Minute

	// DefaultLockPollInterval is the retry interval of polling lock backends.
	DefaultLockPollInterval = 100 * time.Millisecond

	// DefaultPromoteInterval is how often the daemon drains tiers.
	// Override via config: daemon.promote_interval
	DefaultPromoteInterval = 5 * time.Minute
)

// =============================================================================
// Service Defaults
// =============================================================================

const (
	// DefaultHTTPListen is the status API listen address.
	// Override via config: http.listen
	DefaultHTTPListen = "127.0.0.1:8470"

	// DefaultKafkaTopic receives product-ready events.
	// Override via config: publish.topic
	DefaultKafkaTopic = "radar-products"

	// DefaultShutdownTimeout bounds graceful HTTP shutdown.
	DefaultShutdownTimeout = 10 * time.Second
)
