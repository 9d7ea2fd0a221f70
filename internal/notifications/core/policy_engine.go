package core

import (
	"fmt"

	"chimenotify/internal/types"
)

// Compile-time assertion that PolicyEngineImpl implements PolicyEngine.
var _ PolicyEngine = (*PolicyEngineImpl)(nil)

// PolicyEngineImpl maps a dispatch error onto a retry decision using a
// RetryPolicy.
type PolicyEngineImpl struct {
	policy RetryPolicy
	logger types.Logger
}

// NewPolicyEngine creates a new PolicyEngineImpl.
func NewPolicyEngine(policy RetryPolicy, logger types.Logger) *PolicyEngineImpl {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &PolicyEngineImpl{
		policy: policy,
		logger: logger,
	}
}

// Evaluate decides what to do after a dispatch attempt. retryCount is the
// number of times the message has already been re-published.
//
// Decision logic (in order of precedence):
//  1. nil error -> complete
//  2. error that is not a NotifyError (preference store, decoding) -> redeliver
//  3. non-retryable NotifyError (InvalidConfig, 4xx) -> abandon
//  4. retry budget spent -> abandon
//  5. otherwise -> retry after max(backoff, Retry-After)
func (e *PolicyEngineImpl) Evaluate(err error, retryCount int) PolicyResult {
	if err == nil {
		return PolicyResult{Decision: PolicyComplete, Reason: "dispatch succeeded"}
	}

	ne, ok := types.AsNotifyError(err)
	if !ok {
		return PolicyResult{
			Decision: PolicyRedeliver,
			Reason:   "failure before delivery: " + err.Error(),
		}
	}

	if !ne.Retryable() {
		return PolicyResult{
			Decision: PolicyAbandon,
			Reason:   fmt.Sprintf("permanent failure (%s)", ne.Kind),
		}
	}

	attempts := retryCount + 1
	if attempts >= e.policy.MaxAttempts {
		e.logger.Warn("retry budget exhausted",
			"attempts", attempts,
			"max_attempts", e.policy.MaxAttempts,
			"kind", string(ne.Kind),
		)
		return PolicyResult{
			Decision: PolicyAbandon,
			Reason:   fmt.Sprintf("gave up after %d attempts (%s)", attempts, ne.Kind),
		}
	}

	delay := CalculateNextRetry(e.policy, retryCount)
	if ne.RetryAfter > delay {
		delay = ne.RetryAfter
	}

	return PolicyResult{
		Decision: PolicyRetry,
		Reason:   fmt.Sprintf("transient failure (%s), attempt %d of %d", ne.Kind, attempts, e.policy.MaxAttempts),
		Delay:    delay,
	}
}
