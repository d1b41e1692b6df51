package tracker

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ReconnectPolicy decides how long the fetch cycle waits after a failed
// fetch. It never gives up. Only the fetch loop uses it, so it is not
// safe for concurrent use.
type ReconnectPolicy struct {
	retry    time.Duration
	b        backoff.BackOff
	failures int
}

// NewReconnectPolicy waits a constant retry after each failure, or, when
// maxWait is larger than retry, doubles the wait per consecutive failure up
// to maxWait.
func NewReconnectPolicy(retry, maxWait time.Duration) *ReconnectPolicy {
	var b backoff.BackOff
	if maxWait > retry {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = retry
		eb.MaxInterval = maxWait
		eb.Multiplier = 2
		eb.RandomizationFactor = 0
		eb.MaxElapsedTime = 0
		eb.Reset()
		b = eb
	} else {
		b = backoff.NewConstantBackOff(retry)
	}
	return &ReconnectPolicy{retry: retry, b: b}
}

// Next records a failure and returns the wait before the next attempt.
func (p *ReconnectPolicy) Next() time.Duration {
	p.failures++
	d := p.b.NextBackOff()
	if d == backoff.Stop || d <= 0 {
		d = p.retry
	}
	return d
}

// Reset is called after a successful fetch.
func (p *ReconnectPolicy) Reset() {
	p.failures = 0
	p.b.Reset()
}

// Failures is the number of consecutive failures since the last Reset.
func (p *ReconnectPolicy) Failures() int {
	return p.failures
}
