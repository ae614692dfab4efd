package ingest

import "time"

const (
	defaultRetryBase        = 2 * time.Second
	defaultRetryFactor      = 2
	defaultRetryMax         = 5 * time.Minute
	defaultRetryMaxAttempts = 8
)

// RetryPolicy is a capped exponential backoff.
type RetryPolicy struct {
	Base        time.Duration
	Factor      int
	Max         time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy retries after 2s, 4s, 8s ... up to 5m, eight attempts in total.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base:        defaultRetryBase,
		Factor:      defaultRetryFactor,
		Max:         defaultRetryMax,
		MaxAttempts: defaultRetryMaxAttempts,
	}
}

func (policy RetryPolicy) normalized() RetryPolicy {
	defaults := DefaultRetryPolicy()
	if policy.Base <= 0 {
		policy.Base = defaults.Base
	}
	if policy.Factor < 1 {
		policy.Factor = defaults.Factor
	}
	if policy.Max <= 0 {
		policy.Max = defaults.Max
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = defaults.MaxAttempts
	}
	return policy
}

// Delay returns the wait before the attempt following attempt number attempt (1-based).
func (policy RetryPolicy) Delay(attempt int) time.Duration {
	policy = policy.normalized()
	delay := policy.Base
	for step := 1; step < attempt; step++ {
		delay *= time.Duration(policy.Factor)
		if delay >= policy.Max {
			return policy.Max
		}
	}
	if delay > policy.Max {
		return policy.Max
	}
	return delay
}

// Exhausted reports whether no attempt remains after attempt.
func (policy RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= policy.normalized().MaxAttempts
}
