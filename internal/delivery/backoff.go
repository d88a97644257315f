package delivery

import (
	"math"
	"time"

	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/config"
)

// Backoff returns the delay before retry number attempt (1-based) under
// policy. Scheduling stays with the caller; the tracker only records state.
func Backoff(policy config.BackoffConfig, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var delay time.Duration
	switch policy.Strategy {
	case config.BackoffFixed:
		delay = policy.Base
	case config.BackoffLinear:
		delay = policy.Base * time.Duration(attempt)
	default:
		f := float64(policy.Base) * math.Pow(2, float64(attempt-1))
		if f >= float64(math.MaxInt64) {
			delay = time.Duration(math.MaxInt64)
		} else {
			delay = time.Duration(f)
		}
	}

	if policy.Max > 0 && delay > policy.Max {
		delay = policy.Max
	}
	return delay
}
