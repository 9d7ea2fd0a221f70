package core

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"chimenotify/internal/types"
)

func newTestPolicyEngine() *PolicyEngineImpl {
	return NewPolicyEngine(RetryPolicy{
		MaxAttempts:   3,
		BaseDelay:     10 * time.Second,
		MaxDelay:      5 * time.Minute,
		BackoffFactor: 2.0,
	}, &mockLogger{})
}

func TestPolicyEngine_NilErrorCompletes(t *testing.T) {
	result := newTestPolicyEngine().Evaluate(nil, 0)
	if result.Decision != PolicyComplete {
		t.Errorf("expected complete, got %s", result.Decision)
	}
}

func TestPolicyEngine_StoreErrorRedelivers(t *testing.T) {
	err := fmt.Errorf("dispatch demo: load preferences: %w", errors.New("connection reset"))
	result := newTestPolicyEngine().Evaluate(err, 0)
	if result.Decision != PolicyRedeliver {
		t.Errorf("expected redeliver, got %s (%s)", result.Decision, result.Reason)
	}
}

func TestPolicyEngine_PermanentFailuresAbandon(t *testing.T) {
	tests := []error{
		types.NewNotifyError(types.KindInvalidConfig, "bad url", nil),
		types.NewHTTPError(404, "not found"),
		types.NewNotifyError(types.KindSerializationError, "marshal", nil),
	}
	for _, err := range tests {
		wrapped := fmt.Errorf("dispatch demo #42: %w", err)
		result := newTestPolicyEngine().Evaluate(wrapped, 0)
		if result.Decision != PolicyAbandon {
			t.Errorf("%v: expected abandon, got %s", err, result.Decision)
		}
	}
}

func TestPolicyEngine_TransientFailureRetriesWithBackoff(t *testing.T) {
	engine := newTestPolicyEngine()
	err := types.NewNotifyError(types.KindTimeout, "slow", nil)

	first := engine.Evaluate(err, 0)
	if first.Decision != PolicyRetry || first.Delay != 10*time.Second {
		t.Errorf("retry 0: got %s after %v, want retry after 10s", first.Decision, first.Delay)
	}

	second := engine.Evaluate(err, 1)
	if second.Decision != PolicyRetry || second.Delay != 20*time.Second {
		t.Errorf("retry 1: got %s after %v, want retry after 20s", second.Decision, second.Delay)
	}
}

func TestPolicyEngine_BudgetExhausted(t *testing.T) {
	err := types.NewNotifyError(types.KindConnectionError, "refused", nil)
	result := newTestPolicyEngine().Evaluate(err, 2)
	if result.Decision != PolicyAbandon {
		t.Errorf("third attempt failing should abandon, got %s", result.Decision)
	}
}

func TestPolicyEngine_RetryAfterWins(t *testing.T) {
	ne := types.NewHTTPError(429, "slow down")
	ne.RetryAfter = 2 * time.Minute

	result := newTestPolicyEngine().Evaluate(ne, 0)
	if result.Decision != PolicyRetry {
		t.Fatalf("expected retry, got %s", result.Decision)
	}
	if result.Delay != 2*time.Minute {
		t.Errorf("expected Retry-After delay 2m, got %v", result.Delay)
	}
}
