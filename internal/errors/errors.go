// Package errors defines the sentinel errors of the radar product pipeline
// and the category checks used to decide between failing, degrading and
// retrying.
package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Contract violations: fatal, never retried.
	ErrMisalignedPeriod  = errors.New("period not aligned to timeframe boundary")
	ErrInvalidDeclutter  = errors.New("invalid declutter configuration")
	ErrIllegalTransition = errors.New("illegal tier transition")
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrInvalidPeriod     = errors.New("invalid period expression")

	// Upstream data absence: degrade and continue.
	ErrScanMissing       = errors.New("scan file missing")
	ErrGaugesMissing     = errors.New("gauge data missing")
	ErrNoGauges          = errors.New("no usable gauges")
	ErrSubProductMissing = errors.New("sub-product missing")

	// Lookup.
	ErrNotFound      = errors.New("not found")
	ErrStoreNotFound = errors.New("store not found")
	ErrTierNotFound  = errors.New("tier not found")

	// Store and lock failures: fatal for the invocation, safe to retry.
	ErrStoreIO       = errors.New("store i/o failure")
	ErrShapeMismatch = errors.New("grid shape mismatch")
	ErrLockTimeout   = errors.New("lock acquisition timed out")
	ErrLockFailed    = errors.New("lock service failure")

	// Calibration.
	ErrCalibrationFailed = errors.New("calibration failed")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// New is a convenience wrapper for errors.New
var New = errors.New

// Join is a convenience wrapper for errors.Join
var Join = errors.Join

// IsContractViolation returns true for programming-contract failures that must
// surface immediately.
func IsContractViolation(err error) bool {
	return errors.Is(err, ErrMisalignedPeriod) ||
		errors.Is(err, ErrInvalidDeclutter) ||
		errors.Is(err, ErrIllegalTransition) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrInvalidPeriod)
}

// IsUpstreamAbsence returns true when input data is missing upstream. Such
// errors degrade the product instead of failing it.
func IsUpstreamAbsence(err error) bool {
	return errors.Is(err, ErrScanMissing) ||
		errors.Is(err, ErrGaugesMissing) ||
		errors.Is(err, ErrNoGauges) ||
		errors.Is(err, ErrSubProductMissing)
}

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrStoreNotFound) ||
		errors.Is(err, ErrTierNotFound)
}

// IsRetriable returns true if retrying the whole invocation is safe and may
// succeed.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrStoreIO) ||
		errors.Is(err, ErrLockTimeout) ||
		errors.Is(err, ErrLockFailed)
}

// ============================================================================
// Wrapping utilities
// ============================================================================

// Wrap annotates a sentinel with detail while keeping it matchable.
func Wrap(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

// StoreIO wraps a low-level error as a retryable store failure.
func StoreIO(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreIO, op, err)
}
