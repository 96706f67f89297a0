package apperr

import (
	"context"
	"fmt"
	"testing"
)

func TestClassOf(t *testing.T) {
	permanent := New(Permanent, "bad amount")
	operator := New(NeedsOperator, "credit failed")

	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"sentinel", permanent, Permanent},
		{"wrapped", fmt.Errorf("apply: %w", operator), NeedsOperator},
		{"deadline", context.DeadlineExceeded, Retryable},
		{"unclassified", fmt.Errorf("connection reset"), Retryable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassOf(tt.err); got != tt.want {
				t.Fatalf("ClassOf() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(nil) {
		t.Fatal("nil error must not be retryable")
	}
	if IsRetryable(New(Permanent, "x")) {
		t.Fatal("permanent error reported retryable")
	}
	if !IsRetryable(New(Retryable, "x")) {
		t.Fatal("retryable error not reported retryable")
	}
}
