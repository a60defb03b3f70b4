package config

import (
	"fmt"
	"time"

	"github.com/muurk/zonelink/internal/arbiter"
	"github.com/muurk/zonelink/internal/channel"
	"github.com/muurk/zonelink/internal/connection"
	"github.com/muurk/zonelink/internal/deviceerr"
	"github.com/muurk/zonelink/internal/synccore"
)

// CurrentVersion is the registry file format version.
const CurrentVersion = 1

// Registry represents the entire user configuration file.
// It is owned by whoever loaded it; there is no shared instance.
type Registry struct {
	Version     int                `yaml:"version"`
	Defaults    *SyncSettings      `yaml:"defaults,omitempty"`
	Devices     map[string]*Device `yaml:"devices,omitempty"` // Keyed by device serial number
	Preferences *Preferences       `yaml:"preferences,omitempty"`

	path string
}

// Device represents one configured appliance. This is keyed by the device's
// serial number in the Registry.
type Device struct {
	Nickname string `yaml:"nickname,omitempty"`
	Model    string `yaml:"model"` // Profile model id, e.g. "HOB-IND-4"

	Local *LocalEndpoint `yaml:"local,omitempty"`
	Cloud *CloudEndpoint `yaml:"cloud,omitempty"`

	// Preferred overrides Defaults.Preferred for this device ("local" or "cloud")
	Preferred string `yaml:"preferred,omitempty"`

	// Sync overrides individual fields of Defaults for this device
	Sync *SyncSettings `yaml:"sync,omitempty"`

	LastIP   string    `yaml:"last_ip,omitempty"`   // Last address seen by discovery
	LastSeen time.Time `yaml:"last_seen,omitempty"` // Last discovery time
}

// LocalEndpoint addresses the LAN channel. An empty Host means the address
// is resolved through discovery.
type LocalEndpoint struct {
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	Username string `yaml:"username,omitempty"`
	// Password is NEVER stored in config file; see PasswordEnvVar
}

// CloudEndpoint addresses the cloud channel.
type CloudEndpoint struct {
	URL      string `yaml:"url"`
	DeviceID string `yaml:"device_id"`
	// Token is NEVER stored in config file; see TokenEnvVar
}

// Preferences represents application-wide user preferences.
type Preferences struct {
	DiscoverTimeout int    `yaml:"discover_timeout"`        // mDNS discovery timeout in seconds
	DiscoveryTTL    int    `yaml:"discovery_ttl,omitempty"` // Seconds a discovered address stays valid
	ProfilesFile    string `yaml:"profiles_file,omitempty"` // Extra device profiles merged over the built-in ones
}

// SyncSettings mirrors synccore.Settings in file form. Zero fields inherit
// from the next level: device, then registry defaults, then built-ins.
type SyncSettings struct {
	FailureThreshold        int           `yaml:"failure_threshold,omitempty"`
	ChannelFailureThreshold int           `yaml:"channel_failure_threshold,omitempty"`
	Preferred               string        `yaml:"preferred,omitempty"`
	BaseDelay               time.Duration `yaml:"base_delay,omitempty"`
	MaxDelay                time.Duration `yaml:"max_delay,omitempty"`
	Jitter                  *float64      `yaml:"jitter,omitempty"`
	MaxReconnectAttempts    int           `yaml:"max_reconnect_attempts,omitempty"`
	BreakerSleep            time.Duration `yaml:"breaker_sleep,omitempty"`
	MaxBreakerSleep         time.Duration `yaml:"max_breaker_sleep,omitempty"`
	MaxBreakerEscalations   int           `yaml:"max_breaker_escalations,omitempty"`
	HealthCheckInterval     time.Duration `yaml:"health_check_interval,omitempty"`
	OperationTimeout        time.Duration `yaml:"operation_timeout,omitempty"`
	PollOnline              time.Duration `yaml:"poll_online,omitempty"`
	PollReconnecting        time.Duration `yaml:"poll_reconnecting,omitempty"`
	PollOffline             time.Duration `yaml:"poll_offline,omitempty"`
	ConnectOnStart          *bool         `yaml:"connect_on_start,omitempty"`
}

// DefaultSyncSettings returns the built-in settings in file form.
func DefaultSyncSettings() *SyncSettings {
	d := synccore.DefaultSettings()
	jitter := d.Connection.Jitter
	connectOnStart := d.Connection.ConnectOnStart
	return &SyncSettings{
		FailureThreshold:        d.Connection.FailureThreshold,
		ChannelFailureThreshold: d.Arbiter.FailureThreshold,
		Preferred:               string(d.Arbiter.Preferred),
		BaseDelay:               d.Connection.BaseDelay,
		MaxDelay:                d.Connection.MaxDelay,
		Jitter:                  &jitter,
		MaxReconnectAttempts:    d.Connection.MaxReconnectAttempts,
		BreakerSleep:            d.Connection.BreakerSleep,
		MaxBreakerSleep:         d.Connection.MaxBreakerSleep,
		MaxBreakerEscalations:   d.Connection.MaxBreakerEscalations,
		HealthCheckInterval:     d.Connection.HealthCheckInterval,
		OperationTimeout:        d.OperationTimeout,
		PollOnline:              d.Connection.PollOnline,
		PollReconnecting:        d.Connection.PollReconnecting,
		PollOffline:             d.Connection.PollOffline,
		ConnectOnStart:          &connectOnStart,
	}
}

// Merge returns s with every set field of over applied on top.
func (s SyncSettings) Merge(over *SyncSettings) SyncSettings {
	if over == nil {
		return s
	}
	setInt(&s.FailureThreshold, over.FailureThreshold)
	setInt(&s.ChannelFailureThreshold, over.ChannelFailureThreshold)
	setInt(&s.MaxReconnectAttempts, over.MaxReconnectAttempts)
	setInt(&s.MaxBreakerEscalations, over.MaxBreakerEscalations)
	setDuration(&s.BaseDelay, over.BaseDelay)
	setDuration(&s.MaxDelay, over.MaxDelay)
	setDuration(&s.BreakerSleep, over.BreakerSleep)
	setDuration(&s.MaxBreakerSleep, over.MaxBreakerSleep)
	setDuration(&s.HealthCheckInterval, over.HealthCheckInterval)
	setDuration(&s.OperationTimeout, over.OperationTimeout)
	setDuration(&s.PollOnline, over.PollOnline)
	setDuration(&s.PollReconnecting, over.PollReconnecting)
	setDuration(&s.PollOffline, over.PollOffline)
	if over.Preferred != "" {
		s.Preferred = over.Preferred
	}
	if over.Jitter != nil {
		s.Jitter = over.Jitter
	}
	if over.ConnectOnStart != nil {
		s.ConnectOnStart = over.ConnectOnStart
	}
	return s
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}

// CoreSettings converts s to validated synccore settings.
func (s SyncSettings) CoreSettings() (synccore.Settings, error) {
	full := DefaultSyncSettings().Merge(&s)

	preferred, err := channel.ParseKind(full.Preferred)
	if err != nil {
		return synccore.Settings{}, deviceerr.NewConfigurationError(err.Error())
	}

	out := synccore.Settings{
		Connection: connection.Settings{
			FailureThreshold:      full.FailureThreshold,
			BaseDelay:             full.BaseDelay,
			MaxDelay:              full.MaxDelay,
			Jitter:                *full.Jitter,
			MaxReconnectAttempts:  full.MaxReconnectAttempts,
			BreakerSleep:          full.BreakerSleep,
			MaxBreakerSleep:       full.MaxBreakerSleep,
			MaxBreakerEscalations: full.MaxBreakerEscalations,
			HealthCheckInterval:   full.HealthCheckInterval,
			PollOnline:            full.PollOnline,
			PollReconnecting:      full.PollReconnecting,
			PollOffline:           full.PollOffline,
			ConnectOnStart:        *full.ConnectOnStart,
		},
		Arbiter: arbiter.Settings{
			FailureThreshold: full.ChannelFailureThreshold,
			Preferred:        preferred,
		},
		OperationTimeout: full.OperationTimeout,
	}
	if err := out.Validate(); err != nil {
		return synccore.Settings{}, err
	}
	return out, nil
}

// NewRegistry creates a new Registry with default values.
func NewRegistry() *Registry {
	return &Registry{
		Version:     CurrentVersion,
		Defaults:    DefaultSyncSettings(),
		Devices:     make(map[string]*Device),
		Preferences: defaultPreferences(),
	}
}

func defaultPreferences() *Preferences {
	return &Preferences{
		DiscoverTimeout: 5,
		DiscoveryTTL:    300,
	}
}

// Validate checks every device entry and the sync settings each resolves to.
func (r *Registry) Validate() error {
	if r.Version != CurrentVersion {
		return deviceerr.NewConfigurationError(fmt.Sprintf("unsupported config version: %d (expected %d)", r.Version, CurrentVersion))
	}
	if _, err := r.defaults().CoreSettings(); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}
	for serial := range r.Devices {
		if _, err := r.SettingsFor(serial); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) defaults() SyncSettings {
	if r.Defaults == nil {
		return *DefaultSyncSettings()
	}
	return DefaultSyncSettings().Merge(r.Defaults)
}

// SettingsFor resolves the effective sync settings of one device.
func (r *Registry) SettingsFor(serial string) (synccore.Settings, error) {
	device := r.GetDevice(serial)
	if device == nil {
		return synccore.Settings{}, deviceerr.NewConfigurationError(fmt.Sprintf("unknown device %s", serial))
	}
	if device.Local == nil && device.Cloud == nil {
		return synccore.Settings{}, deviceerr.NewConfigurationError(fmt.Sprintf("device %s: no local or cloud endpoint configured", serial))
	}
	if device.Cloud != nil && (device.Cloud.URL == "" || device.Cloud.DeviceID == "") {
		return synccore.Settings{}, deviceerr.NewConfigurationError(fmt.Sprintf("device %s: cloud endpoint needs url and device_id", serial))
	}

	merged := r.defaults().Merge(device.Sync)
	if device.Preferred != "" {
		merged.Preferred = device.Preferred
	}
	settings, err := merged.CoreSettings()
	if err != nil {
		return synccore.Settings{}, fmt.Errorf("device %s: %w", serial, err)
	}
	return settings, nil
}

// GetDevice retrieves a device by serial number.
// Returns nil if the device doesn't exist in the registry.
func (r *Registry) GetDevice(serial string) *Device {
	return r.Devices[serial]
}

// FindDevice looks a device up by serial or nickname.
func (r *Registry) FindDevice(name string) (string, *Device, bool) {
	if d, ok := r.Devices[name]; ok {
		return name, d, true
	}
	for serial, d := range r.Devices {
		if d.Nickname != "" && d.Nickname == name {
			return serial, d, true
		}
	}
	return "", nil, false
}

// EnsureDevice ensures a device entry exists in the registry.
// Returns the device entry (existing or newly created).
func (r *Registry) EnsureDevice(serial string) *Device {
	if r.Devices == nil {
		r.Devices = make(map[string]*Device)
	}

	if device, exists := r.Devices[serial]; exists {
		return device
	}

	device := &Device{}
	r.Devices[serial] = device
	return device
}

// UpdateDeviceLastSeen records a discovery sighting.
func (r *Registry) UpdateDeviceLastSeen(serial, ip string, at time.Time) {
	device := r.EnsureDevice(serial)
	device.LastSeen = at
	device.LastIP = ip
}

// SetDeviceNickname sets a user-friendly nickname for a device.
func (r *Registry) SetDeviceNickname(serial, nickname string) {
	device := r.EnsureDevice(serial)
	device.Nickname = nickname
}
