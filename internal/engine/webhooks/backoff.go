package webhooks

import (
	"time"

	"webhookd/internal/platform/models"
)

// exponentialSchedule runs from one minute to one day and is clamped at the
// last entry.
var exponentialSchedule = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	60 * time.Minute,
	360 * time.Minute,
	1440 * time.Minute,
}

// RetryDelay maps the number of attempts already made to the wait before the
// next one. Unknown policies fall back to exponential.
func RetryDelay(attempts int, policy string) time.Duration {
	if attempts < 0 {
		attempts = 0
	}

	if policy == models.BackoffLinear {
		return time.Duration(attempts+1) * time.Minute
	}

	idx := attempts
	if idx > len(exponentialSchedule)-1 {
		idx = len(exponentialSchedule) - 1
	}
	return exponentialSchedule[idx]
}

func NextRetryAt(attempts int, policy string, now time.Time) time.Time {
	return now.Add(RetryDelay(attempts, policy))
}

// ValidBackoff reports whether policy names a supported backoff.
func ValidBackoff(policy string) bool {
	return policy == models.BackoffExponential || policy == models.BackoffLinear
}
