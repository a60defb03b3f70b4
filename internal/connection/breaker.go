package connection

import "time"

// Circuit breaker defaults.
const (
	DefaultBreakerSleep          = 30 * time.Minute
	DefaultMaxBreakerSleep       = 24 * time.Hour
	DefaultMaxBreakerEscalations = 3
	DefaultHealthCheckInterval   = 5 * time.Minute
)

// BreakerState is a point-in-time view of a Breaker.
type BreakerState struct {
	Open        bool          `json:"open"`
	RetryCount  int           `json:"retry_count"`
	NextRetryAt time.Time     `json:"next_retry_at"`
	Sleep       time.Duration `json:"sleep"`
}

// Breaker suspends reconnection after an episode exhausts its attempts.
//
// Each failed breaker-triggered episode increments the retry count. Once the
// count exceeds maxEscalations the sleep doubles per extra cycle, capped at
// maxSleep.
//
// Breaker is not safe for concurrent use; the Machine serialises access.
type Breaker struct {
	sleep          time.Duration
	maxSleep       time.Duration
	maxEscalations int

	open        bool
	retryCount  int
	nextRetryAt time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(sleep, maxSleep time.Duration, maxEscalations int) *Breaker {
	if sleep <= 0 {
		sleep = DefaultBreakerSleep
	}
	if maxSleep < sleep {
		maxSleep = sleep
	}
	if maxEscalations < 0 {
		maxEscalations = 0
	}
	return &Breaker{sleep: sleep, maxSleep: maxSleep, maxEscalations: maxEscalations}
}

// Trip opens the breaker; no retry is due before now + Sleep().
func (b *Breaker) Trip(now time.Time) {
	b.open = true
	b.nextRetryAt = now.Add(b.Sleep())
}

// Escalate records a failed breaker-triggered retry.
func (b *Breaker) Escalate() {
	b.retryCount++
}

// Due reports whether the breaker is open and its sleep has elapsed.
func (b *Breaker) Due(now time.Time) bool {
	return b.open && !now.Before(b.nextRetryAt)
}

// HalfOpen marks the start of a retry episode. The retry count is kept.
func (b *Breaker) HalfOpen() {
	b.open = false
}

// Reset closes the breaker and clears the retry count.
func (b *Breaker) Reset() {
	b.open = false
	b.retryCount = 0
	b.nextRetryAt = time.Time{}
}

// RetryCount returns the number of failed breaker-triggered retries.
func (b *Breaker) RetryCount() int {
	return b.retryCount
}

// Sleep returns the interval applied on the next Trip.
func (b *Breaker) Sleep() time.Duration {
	extra := b.retryCount - b.maxEscalations
	if extra <= 0 {
		return b.sleep
	}
	d := b.sleep
	for i := 0; i < extra; i++ {
		d *= 2
		if d >= b.maxSleep || d <= 0 {
			return b.maxSleep
		}
	}
	return d
}

// State returns a snapshot of the breaker.
func (b *Breaker) State() BreakerState {
	return BreakerState{
		Open:        b.open,
		RetryCount:  b.retryCount,
		NextRetryAt: b.nextRetryAt,
		Sleep:       b.Sleep(),
	}
}
