package errors

import (
	"fmt"
	"testing"
)

func TestCategories(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		contract  bool
		absence   bool
		retriable bool
	}{
		{"misaligned", Wrap(ErrMisalignedPeriod, "hour at 12:05"), true, false, false},
		{"illegal transition", ErrIllegalTransition, true, false, false},
		{"scan missing", fmt.Errorf("load: %w", ErrScanMissing), false, true, false},
		{"no gauges", ErrNoGauges, false, true, false},
		{"lock timeout", Wrap(ErrLockTimeout, "store:5min"), false, false, true},
		{"store io", StoreIO("update", fmt.Errorf("disk full")), false, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsContractViolation(tt.err); got != tt.contract {
				t.Errorf("IsContractViolation = %v, want %v", got, tt.contract)
			}
			if got := IsUpstreamAbsence(tt.err); got != tt.absence {
				t.Errorf("IsUpstreamAbsence = %v, want %v", got, tt.absence)
			}
			if got := IsRetriable(tt.err); got != tt.retriable {
				t.Errorf("IsRetriable = %v, want %v", got, tt.retriable)
			}
		})
	}
}

func TestStoreIONil(t *testing.T) {
	if StoreIO("delete", nil) != nil {
		t.Error("StoreIO(nil) should be nil")
	}
}
