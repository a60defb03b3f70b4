package synccore

import (
	"fmt"
	"time"

	"github.com/muurk/zonelink/internal/arbiter"
	"github.com/muurk/zonelink/internal/channel"
	"github.com/muurk/zonelink/internal/connection"
	"github.com/muurk/zonelink/internal/deviceerr"
)

// Settings configures a Core.
type Settings struct {
	Connection connection.Settings
	Arbiter    arbiter.Settings

	// OperationTimeout bounds every connect, fetch and set.
	OperationTimeout time.Duration
}

// DefaultSettings returns the built-in settings.
func DefaultSettings() Settings {
	return Settings{
		Connection:       connection.DefaultSettings(),
		Arbiter:          arbiter.DefaultSettings(),
		OperationTimeout: channel.DefaultTimeout,
	}
}

// Validate checks every nested setting.
func (s Settings) Validate() error {
	if s.OperationTimeout <= 0 {
		return deviceerr.NewConfigurationError(fmt.Sprintf("operation timeout must be positive, got %s", s.OperationTimeout))
	}
	if err := s.Connection.Validate(); err != nil {
		return err
	}
	return s.Arbiter.Validate()
}
