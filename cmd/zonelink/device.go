package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/zonelink/internal/channel"
	"github.com/muurk/zonelink/internal/config"
	"github.com/muurk/zonelink/internal/connection"
	"github.com/muurk/zonelink/internal/deviceerr"
	"github.com/muurk/zonelink/internal/discovery"
	"github.com/muurk/zonelink/internal/logging"
	"github.com/muurk/zonelink/internal/profile"
	"github.com/muurk/zonelink/internal/synccore"
)

// session is one opened device.
type session struct {
	serial  string
	device  *config.Device
	profile *profile.Profile
	core    synccore.Core

	// cache is set when the LAN address comes from discovery
	cache   *discovery.Cache
	scanner *discovery.Scanner
	logger  *zap.Logger
}

const readyPollInterval = 50 * time.Millisecond

// environment supplies credentials; tests replace os.Getenv.
type environment func(string) string

func loadRegistry() (*config.Registry, error) {
	reg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load registry: %w", err)
	}
	return reg, nil
}

func loadCatalog(reg *config.Registry) (*profile.Catalog, error) {
	catalog, err := profile.Builtin()
	if err != nil {
		return nil, err
	}
	if reg.Preferences != nil && reg.Preferences.ProfilesFile != "" {
		if err := catalog.LoadFile(reg.Preferences.ProfilesFile); err != nil {
			return nil, err
		}
	}
	return catalog, nil
}

func newScanner(reg *config.Registry) *discovery.Scanner {
	s := discovery.NewScanner()
	if reg.Preferences != nil && reg.Preferences.DiscoverTimeout > 0 {
		s.Timeout = time.Duration(reg.Preferences.DiscoverTimeout) * time.Second
	}
	return s
}

func newCache(reg *config.Registry) *discovery.Cache {
	ttl := discovery.DefaultTTL
	if reg.Preferences != nil && reg.Preferences.DiscoveryTTL > 0 {
		ttl = time.Duration(reg.Preferences.DiscoveryTTL) * time.Second
	}
	return discovery.NewCache(ttl)
}

// openDevice builds and starts the core for the registry entry called name.
func openDevice(ctx context.Context, reg *config.Registry, name string, env environment) (*session, error) {
	serial, device, ok := reg.FindDevice(name)
	if !ok {
		return nil, deviceerr.NewConfigurationError(fmt.Sprintf("device %q is not in the registry", name))
	}
	settings, err := reg.SettingsFor(serial)
	if err != nil {
		return nil, err
	}

	s := &session{
		serial: serial,
		device: device,
		logger: logging.GetLogger().With(zap.String("device", serial)),
	}

	if device.Model != "" {
		catalog, err := loadCatalog(reg)
		if err != nil {
			return nil, err
		}
		if s.profile, err = catalog.Resolve(device.Model); err != nil {
			return nil, err
		}
	}

	if device.Local != nil && device.Local.Host == "" {
		s.cache = newCache(reg)
		s.scanner = newScanner(reg)
		s.seed(ctx)
	}

	local, cloud, err := s.channels(env)
	if err != nil {
		return nil, err
	}

	opts := []synccore.Option{
		synccore.WithLogger(logging.GetLogger()),
		synccore.WithName(serial),
	}
	if s.profile != nil {
		opts = append(opts, synccore.WithProfile(s.profile))
	}
	if s.core, err = synccore.New(local, cloud, settings, opts...); err != nil {
		return nil, err
	}
	s.core.Start()
	if err := s.ready(ctx, connectWait); err != nil {
		_ = s.core.Close()
		return nil, err
	}
	return s, nil
}

// seed fills the discovery cache before the first connect: from the last
// recorded sighting, then from a scan if that is too old.
func (s *session) seed(ctx context.Context) {
	if s.device.LastIP != "" {
		s.cache.Put(&discovery.Device{
			Serial:       s.serial,
			Model:        s.device.Model,
			IP:           s.device.LastIP,
			Port:         s.localPort(),
			DiscoveredAt: s.device.LastSeen,
		})
	}
	if _, ok := s.cache.Get(s.serial); ok {
		return
	}
	if _, err := s.cache.Refresh(ctx, s.scanner); err != nil {
		s.logger.Warn("Discovery failed", zap.Error(err))
	}
}

func (s *session) localPort() int {
	if s.device.Local != nil && s.device.Local.Port != 0 {
		return s.device.Local.Port
	}
	return discovery.DefaultPort
}

// channels builds the configured channels. An unconfigured channel stays a
// nil interface.
func (s *session) channels(env environment) (local, cloud channel.Channel, err error) {
	if env == nil {
		env = os.Getenv
	}

	if l := s.device.Local; l != nil {
		cfg := channel.LocalConfig{
			Host:     l.Host,
			Port:     l.Port,
			Serial:   s.serial,
			Username: l.Username,
			Password: env(config.PasswordEnvVar),
			Logger:   s.logger.Named("local"),
		}
		if s.cache != nil {
			cfg.Resolver = s.cache
		}
		local = channel.NewLocalClient(cfg)
	}

	if c := s.device.Cloud; c != nil {
		token := env(config.TokenEnvVar)
		if token == "" {
			return nil, nil, deviceerr.NewConfigurationError(fmt.Sprintf("device %s has a cloud endpoint but %s is not set", s.serial, config.TokenEnvVar))
		}
		cloud = channel.NewCloudClient(channel.CloudConfig{
			URL:      c.URL,
			DeviceID: c.DeviceID,
			Token:    token,
			Logger:   s.logger.Named("cloud"),
		})
	}
	return local, cloud, nil
}

// ready starts the first connection if none is in flight and waits up to
// wait for that episode to end. Failures are left for the caller's Refresh
// to report.
func (s *session) ready(ctx context.Context, wait time.Duration) error {
	if !s.core.Diagnostics().Connection.Reconnecting && s.core.CurrentState() != connection.StateOnline {
		if err := s.core.Reconnect(ctx); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for s.core.Diagnostics().Connection.Reconnecting {
		select {
		case <-ctx.Done():
			s.logger.Debug("Still connecting", zap.Duration("waited", wait))
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

// rediscover keeps the discovery cache warm until ctx is done, so reconnects
// after an address change resolve the new address.
func (s *session) rediscover(ctx context.Context) {
	if s.cache == nil {
		return
	}
	interval := s.cache.TTL() / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.cache.Prune(); n > 0 {
				s.logger.Debug("Pruned expired sightings", zap.Int("count", n))
			}
			if _, err := s.cache.Refresh(ctx, s.scanner); err != nil && ctx.Err() == nil {
				s.logger.Warn("Discovery refresh failed", zap.Error(err))
			}
		}
	}
}

func (s *session) Close() error {
	return s.core.Close()
}
