package errors

import (
	"fmt"
	"syscall"
	"testing"
)

func TestClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorType
	}{
		{"explicit transient", NewTransientError(fmt.Errorf("x"), ""), ErrorTypeTransient},
		{"explicit permanent", NewPermanentError(fmt.Errorf("x"), ""), ErrorTypePermanent},
		{"degraded", NewDegradedError(fmt.Errorf("x"), ""), ErrorTypeDegraded},
		{"connection refused", fmt.Errorf("dial tcp: connection refused"), ErrorTypeTransient},
		{"syscall", syscall.ECONNRESET, ErrorTypeTransient},
		{"run not found", fmt.Errorf("run not found: run-123"), ErrorTypePermanent},
		{"unknown", fmt.Errorf("something odd"), ErrorTypePermanent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := GetErrorType(tc.err); got != tc.want {
				t.Errorf("GetErrorType(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestWrappedPermanentBeatsNetworkHeuristics(t *testing.T) {
	err := fmt.Errorf("dispatch: %w", NewPermanentError(fmt.Errorf("connection refused"), ""))
	if IsTransient(err) {
		t.Error("explicit permanent marker must win over message heuristics")
	}
}
