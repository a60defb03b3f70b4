package connection

import (
	"fmt"
	"time"

	"github.com/muurk/zonelink/internal/deviceerr"
)

// Settings defaults not covered by backoff.go and breaker.go.
const (
	DefaultFailureThreshold     = 3
	DefaultMaxReconnectAttempts = 5
	DefaultPollOnline           = 30 * time.Second
	DefaultPollReconnecting     = 60 * time.Second
	DefaultPollOffline          = 5 * time.Minute
)

// Settings configures a Machine.
type Settings struct {
	// FailureThreshold is the number of consecutive failed polls that moves
	// the machine to OFFLINE and starts reconnection.
	FailureThreshold int

	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    float64

	// MaxReconnectAttempts failed attempts in one episode trip the breaker.
	MaxReconnectAttempts int

	BreakerSleep          time.Duration
	MaxBreakerSleep       time.Duration
	MaxBreakerEscalations int
	HealthCheckInterval   time.Duration

	PollOnline       time.Duration
	PollReconnecting time.Duration
	PollOffline      time.Duration

	// ConnectOnStart starts in RECONNECTING and attempts a connection as soon
	// as the machine is started.
	ConnectOnStart bool
}

// DefaultSettings returns the built-in settings.
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold:      DefaultFailureThreshold,
		BaseDelay:             DefaultBaseDelay,
		MaxDelay:              DefaultMaxDelay,
		Jitter:                DefaultJitter,
		MaxReconnectAttempts:  DefaultMaxReconnectAttempts,
		BreakerSleep:          DefaultBreakerSleep,
		MaxBreakerSleep:       DefaultMaxBreakerSleep,
		MaxBreakerEscalations: DefaultMaxBreakerEscalations,
		HealthCheckInterval:   DefaultHealthCheckInterval,
		PollOnline:            DefaultPollOnline,
		PollReconnecting:      DefaultPollReconnecting,
		PollOffline:           DefaultPollOffline,
	}
}

// Validate checks that every bound is positive and every min <= max.
func (s Settings) Validate() error {
	positive := []struct {
		name  string
		value time.Duration
	}{
		{"base delay", s.BaseDelay},
		{"max delay", s.MaxDelay},
		{"breaker sleep", s.BreakerSleep},
		{"max breaker sleep", s.MaxBreakerSleep},
		{"health check interval", s.HealthCheckInterval},
		{"online poll interval", s.PollOnline},
		{"reconnecting poll interval", s.PollReconnecting},
		{"offline poll interval", s.PollOffline},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return deviceerr.NewConfigurationError(fmt.Sprintf("%s must be positive, got %s", p.name, p.value))
		}
	}

	switch {
	case s.FailureThreshold < 1:
		return deviceerr.NewConfigurationError(fmt.Sprintf("failure threshold must be at least 1, got %d", s.FailureThreshold))
	case s.MaxReconnectAttempts < 1:
		return deviceerr.NewConfigurationError(fmt.Sprintf("max reconnect attempts must be at least 1, got %d", s.MaxReconnectAttempts))
	case s.MaxBreakerEscalations < 0:
		return deviceerr.NewConfigurationError(fmt.Sprintf("max breaker escalations must not be negative, got %d", s.MaxBreakerEscalations))
	case s.Jitter < 0 || s.Jitter > 1:
		return deviceerr.NewConfigurationError(fmt.Sprintf("jitter must be within [0, 1], got %g", s.Jitter))
	case s.BaseDelay > s.MaxDelay:
		return deviceerr.NewConfigurationError(fmt.Sprintf("base delay %s exceeds max delay %s", s.BaseDelay, s.MaxDelay))
	case s.BreakerSleep > s.MaxBreakerSleep:
		return deviceerr.NewConfigurationError(fmt.Sprintf("breaker sleep %s exceeds max breaker sleep %s", s.BreakerSleep, s.MaxBreakerSleep))
	case s.PollOnline > s.PollOffline:
		return deviceerr.NewConfigurationError(fmt.Sprintf("online poll interval %s exceeds offline poll interval %s", s.PollOnline, s.PollOffline))
	}
	return nil
}
