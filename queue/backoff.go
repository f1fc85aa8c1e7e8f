package queue

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryDelay computes the delay before retry number attempt (1-based) using a
// capped exponential policy. Deterministic: randomization is disabled so the
// schedule is auditable.
func RetryDelay(attempt int, cfg Config) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BaseBackoff
	b.MaxInterval = cfg.MaxBackoff
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxElapsedTime = 0

	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	if delay == backoff.Stop || delay > cfg.MaxBackoff {
		delay = cfg.MaxBackoff
	}
	return delay
}
