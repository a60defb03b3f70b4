package connection

import (
	"math/rand"
	"time"
)

// Backoff defaults.
const (
	// DefaultBaseDelay is the first wait of a reconnection episode.
	DefaultBaseDelay = 1 * time.Second

	// DefaultMaxDelay caps the reconnection delay.
	DefaultMaxDelay = 60 * time.Second

	// DefaultJitter is the maximum jitter as a fraction of the base delay.
	DefaultJitter = 0.25
)

// BackoffState is a point-in-time view of a Backoff.
type BackoffState struct {
	Attempts     int           `json:"attempts"`
	CurrentDelay time.Duration `json:"current_delay"`
	BaseDelay    time.Duration `json:"base_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
}

// Backoff calculates bounded exponential delays with jitter for one
// reconnection episode. The delay never decreases until Reset.
//
// Backoff is not safe for concurrent use; the Machine serialises access.
type Backoff struct {
	base   time.Duration
	max    time.Duration
	jitter float64

	current  time.Duration
	attempts int

	rng *rand.Rand
}

// NewBackoff creates a backoff starting at base and capped at max.
func NewBackoff(base, max time.Duration, jitter float64) *Backoff {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if max < base {
		max = base
	}
	if jitter < 0 {
		jitter = 0
	}
	return &Backoff{
		base:    base,
		max:     max,
		jitter:  jitter,
		current: base,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Delay returns the wait before the next attempt.
func (b *Backoff) Delay() time.Duration {
	return b.current
}

// Fail records a failed attempt and advances the delay:
// min(max, max(base, delay*2 + jitter)). It returns the new delay.
func (b *Backoff) Fail() time.Duration {
	b.attempts++

	next := b.current*2 + b.addJitter()
	if next < b.base {
		next = b.base
	}
	// Also guards against overflow of current*2
	if next > b.max || next <= 0 {
		next = b.max
	}
	b.current = next
	return next
}

// Reset restores the base delay and clears the attempt counter.
func (b *Backoff) Reset() {
	b.current = b.base
	b.attempts = 0
}

// Attempts returns the number of failed attempts since the last reset.
func (b *Backoff) Attempts() int {
	return b.attempts
}

// State returns a snapshot of the backoff.
func (b *Backoff) State() BackoffState {
	return BackoffState{
		Attempts:     b.attempts,
		CurrentDelay: b.current,
		BaseDelay:    b.base,
		MaxDelay:     b.max,
	}
}

func (b *Backoff) addJitter() time.Duration {
	if b.jitter <= 0 {
		return 0
	}
	return time.Duration(float64(b.base) * b.jitter * b.rng.Float64())
}
