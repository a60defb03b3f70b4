package connection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	t.Run("DefaultSequence", func(t *testing.T) {
		b := NewBackoff(time.Second, 60*time.Second, 0)

		// Expected sequence (without jitter): 1s, 2s, 4s, 8s, 16s, 32s, 60s, 60s
		expected := []time.Duration{
			1 * time.Second,
			2 * time.Second,
			4 * time.Second,
			8 * time.Second,
			16 * time.Second,
			32 * time.Second,
			60 * time.Second,
			60 * time.Second,
		}

		for i, exp := range expected {
			assert.Equal(t, exp, b.Delay(), "attempt %d", i)
			b.Fail()
		}
		assert.Equal(t, len(expected), b.Attempts())
	})

	t.Run("MonotonicAndBoundedWithJitter", func(t *testing.T) {
		base, max := 100*time.Millisecond, 3*time.Second
		b := NewBackoff(base, max, 1.0)

		prev := b.Delay()
		for i := 0; i < 50; i++ {
			d := b.Fail()
			assert.GreaterOrEqual(t, d, base)
			assert.LessOrEqual(t, d, max)
			assert.GreaterOrEqual(t, d, prev, "delay decreased at attempt %d", i)
			prev = d
		}
	})

	t.Run("Reset", func(t *testing.T) {
		b := NewBackoff(time.Second, time.Minute, DefaultJitter)
		for i := 0; i < 5; i++ {
			b.Fail()
		}
		assert.Greater(t, b.Delay(), time.Second)

		b.Reset()

		assert.Equal(t, time.Second, b.Delay())
		assert.Zero(t, b.Attempts())
	})

	t.Run("InvalidConfigFallsBack", func(t *testing.T) {
		b := NewBackoff(0, -1, -0.5)
		st := b.State()

		assert.Equal(t, DefaultBaseDelay, st.BaseDelay)
		assert.Equal(t, DefaultBaseDelay, st.MaxDelay)
		assert.Equal(t, DefaultBaseDelay, b.Fail())
	})

	t.Run("NoOverflow", func(t *testing.T) {
		b := NewBackoff(time.Hour, 1<<62, 0)
		for i := 0; i < 80; i++ {
			assert.Positive(t, b.Fail())
		}
	})
}

func TestBreaker(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("TripAndDue", func(t *testing.T) {
		b := NewBreaker(30*time.Minute, 24*time.Hour, 3)
		assert.False(t, b.Due(now))

		b.Trip(now)

		assert.False(t, b.Due(now.Add(29*time.Minute)))
		assert.True(t, b.Due(now.Add(30*time.Minute)))
		assert.Equal(t, now.Add(30*time.Minute), b.State().NextRetryAt)
	})

	t.Run("Escalation", func(t *testing.T) {
		b := NewBreaker(time.Minute, 10*time.Minute, 2)

		// Sleep stays flat up to the escalation ceiling, then doubles, then caps
		want := []time.Duration{
			time.Minute,      // 0
			time.Minute,      // 1
			time.Minute,      // 2
			2 * time.Minute,  // 3
			4 * time.Minute,  // 4
			8 * time.Minute,  // 5
			10 * time.Minute, // 6 capped
			10 * time.Minute, // 7
		}
		for i, w := range want {
			assert.Equal(t, w, b.Sleep(), "retry count %d", i)
			b.Escalate()
		}
	})

	t.Run("HalfOpenKeepsCount", func(t *testing.T) {
		b := NewBreaker(time.Minute, time.Hour, 3)
		b.Escalate()
		b.Trip(now)

		b.HalfOpen()

		assert.False(t, b.Due(now.Add(time.Hour)))
		assert.Equal(t, 1, b.RetryCount())
	})

	t.Run("Reset", func(t *testing.T) {
		b := NewBreaker(time.Minute, time.Hour, 0)
		b.Escalate()
		b.Trip(now)

		b.Reset()

		st := b.State()
		assert.False(t, st.Open)
		assert.Zero(t, st.RetryCount)
		assert.True(t, st.NextRetryAt.IsZero())
		assert.Equal(t, time.Minute, st.Sleep)
	})
}
