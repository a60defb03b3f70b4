package synccore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/muurk/zonelink/internal/arbiter"
	"github.com/muurk/zonelink/internal/channel"
	"github.com/muurk/zonelink/internal/connection"
	"github.com/muurk/zonelink/internal/deviceerr"
	"github.com/muurk/zonelink/internal/logging"
	"github.com/muurk/zonelink/internal/model"
	"github.com/muurk/zonelink/internal/profile"
)

// Variant names the channel arrangement behind a Core.
type Variant string

const (
	VariantSimple Variant = "simple"
	VariantHybrid Variant = "hybrid"
)

// Core is the device-facing API. It is the only thing consumers call.
type Core interface {
	// Start launches background health checking and, if configured, the
	// first connection attempt.
	Start()

	// Refresh polls the device once. See connection.Machine.Poll for the
	// stale-data rules.
	Refresh(ctx context.Context) (*model.Snapshot, error)

	// SetProperty writes one property and, on success, refreshes.
	SetProperty(ctx context.Context, propertyID string, value any) error

	// SetZoneValue rewrites one zone of a packed value field.
	SetZoneValue(ctx context.Context, propertyID string, zone int, value uint64) error

	// SetZoneFlag rewrites one zone of a packed flag field.
	SetZoneFlag(ctx context.Context, propertyID string, zone int, on bool) error

	// ZoneValues expands a packed property of snap into per-zone readings.
	ZoneValues(snap *model.Snapshot, propertyID string) ([]profile.Zone, error)

	CurrentState() connection.State
	Snapshot() *model.Snapshot
	Diagnostics() Diagnostics
	PollInterval() time.Duration

	// Reconnect cancels any reconnection in flight, resets every counter
	// and reconnects immediately.
	Reconnect(ctx context.Context) error

	// Run refreshes at PollInterval until ctx is done, handing every result
	// to fn.
	Run(ctx context.Context, fn func(*model.Snapshot, error)) error

	Close() error
}

// Diagnostics combines connection and channel health for one device.
type Diagnostics struct {
	Device             string                       `json:"device,omitempty"`
	Variant            Variant                      `json:"variant"`
	Connection         connection.Diagnostics       `json:"connection"`
	Mode               channel.Kind                 `json:"mode"`
	Channels           []arbiter.ChannelStats       `json:"channels"`
	LastReconciliation time.Time                    `json:"last_reconciliation,omitempty"`
	Discrepancies      map[string]model.Discrepancy `json:"discrepancies,omitempty"`
	LastSync           time.Time                    `json:"last_sync"`
	Stale              bool                         `json:"stale"`
}

// Option configures a Core.
type Option func(*options)

type options struct {
	logger   *zap.Logger
	name     string
	profile  *profile.Profile
	now      func() time.Time
	observer func(connection.Transition)
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithName labels the device in logs and diagnostics.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithProfile enables property validation and zone operations.
func WithProfile(p *profile.Profile) Option {
	return func(o *options) { o.profile = p }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithObserver is called after every connection state transition.
func WithObserver(fn func(connection.Transition)) Option {
	return func(o *options) { o.observer = fn }
}

// source is what the machine and the command path need from either variant.
type source interface {
	connection.Source
	Set(ctx context.Context, propertyID string, value any) error
}

// core implements Core for both variants; only the source behind the
// machine differs.
type core struct {
	variant  Variant
	settings Settings
	opts     options
	base     *zap.Logger
	logger   *zap.Logger

	machine  *connection.Machine
	source   source
	arb      *arbiter.Arbitrator
	channels []channel.Channel
}

// New builds a hybrid core when both channels are given and a simple core
// otherwise.
func New(local, cloud channel.Channel, settings Settings, opts ...Option) (Core, error) {
	switch {
	case local != nil && cloud != nil:
		return NewHybrid(local, cloud, settings, opts...)
	case local != nil:
		return NewSimple(local, settings, opts...)
	case cloud != nil:
		return NewSimple(cloud, settings, opts...)
	}
	return nil, deviceerr.NewConfigurationError("at least one channel is required")
}

// NewSimple builds a core over a single channel.
func NewSimple(ch channel.Channel, settings Settings, opts ...Option) (Core, error) {
	if ch == nil {
		return nil, deviceerr.NewConfigurationError("channel is required")
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	c := newCore(VariantSimple, settings, opts)
	wrapped := channel.WithTimeout(ch, settings.OperationTimeout)
	single := channel.NewSingle(wrapped)
	c.source = single
	c.channels = []channel.Channel{wrapped}

	if err := c.buildMachine(); err != nil {
		return nil, err
	}
	return c, nil
}

// NewHybrid builds a core arbitrating between a LAN and a cloud channel.
// Either may be nil.
func NewHybrid(local, cloud channel.Channel, settings Settings, opts ...Option) (Core, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	c := newCore(VariantHybrid, settings, opts)
	if local != nil {
		local = channel.WithTimeout(local, settings.OperationTimeout)
		c.channels = append(c.channels, local)
	}
	if cloud != nil {
		cloud = channel.WithTimeout(cloud, settings.OperationTimeout)
		c.channels = append(c.channels, cloud)
	}

	arbOpts := []arbiter.Option{arbiter.WithLogger(c.logger.Named("arbiter"))}
	if c.opts.now != nil {
		arbOpts = append(arbOpts, arbiter.WithClock(c.opts.now))
	}
	arb, err := arbiter.New(local, cloud, settings.Arbiter, arbOpts...)
	if err != nil {
		return nil, err
	}
	c.arb = arb
	c.source = arb

	if err := c.buildMachine(connection.WithResetHook(arb.ResetCounters)); err != nil {
		return nil, err
	}
	return c, nil
}

func newCore(variant Variant, settings Settings, opts []Option) *core {
	c := &core{variant: variant, settings: settings}
	for _, opt := range opts {
		opt(&c.opts)
	}
	c.base = c.opts.logger
	if c.base == nil {
		c.base = logging.GetLogger().Named("synccore")
	}
	c.logger = c.base
	if c.opts.name != "" {
		c.logger = c.base.With(zap.String("device", c.opts.name))
	}
	return c
}

func (c *core) buildMachine(extra ...connection.Option) error {
	mopts := []connection.Option{
		connection.WithLogger(c.base.Named("connection")),
		connection.WithName(c.opts.name),
	}
	if c.opts.now != nil {
		mopts = append(mopts, connection.WithClock(c.opts.now))
	}
	if c.opts.observer != nil {
		mopts = append(mopts, connection.WithObserver(c.opts.observer))
	}
	mopts = append(mopts, extra...)

	m, err := connection.New(c.source, c.settings.Connection, mopts...)
	if err != nil {
		return err
	}
	c.machine = m
	return nil
}

func (c *core) Start() { c.machine.Start() }

func (c *core) Refresh(ctx context.Context) (*model.Snapshot, error) {
	return c.machine.Poll(ctx)
}

func (c *core) SetProperty(ctx context.Context, propertyID string, value any) error {
	if err := c.checkWrite(propertyID, value); err != nil {
		return err
	}

	if err := c.source.Set(ctx, propertyID, value); err != nil {
		c.logger.Warn("Set failed",
			zap.String("property", propertyID),
			zap.Error(err),
		)
		return err
	}
	c.logger.Debug("Set delivered", zap.String("property", propertyID))

	if _, err := c.machine.Poll(ctx); err != nil {
		c.logger.Warn("Refresh after set failed",
			zap.String("property", propertyID),
			zap.Error(err),
		)
	}
	return nil
}

// checkWrite validates a write against the profile, when one is configured.
func (c *core) checkWrite(propertyID string, value any) error {
	p := c.opts.profile
	if p == nil {
		return nil
	}
	prop, err := p.Writable(propertyID)
	if err != nil {
		return err
	}
	if prop.Kind != profile.KindScalar || !prop.Range().Bounded {
		return nil
	}

	var n float64
	switch v := model.Normalize(value).(type) {
	case int64:
		n = float64(v)
	case uint64:
		n = float64(v)
	case float64:
		n = v
	default:
		return nil
	}
	if n < float64(prop.Min) || n > float64(prop.Max) {
		return fmt.Errorf("%s: value %v outside [%d, %d]", propertyID, value, prop.Min, prop.Max)
	}
	return nil
}

func (c *core) SetZoneValue(ctx context.Context, propertyID string, zone int, value uint64) error {
	prop, current, err := c.zoneTarget(propertyID, profile.KindValueField)
	if err != nil {
		return err
	}
	data, err := c.opts.profile.ValueLayout(prop).SetZone(current, zone, value, prop.Range())
	if err != nil {
		return fmt.Errorf("%s: %w", propertyID, err)
	}
	return c.SetProperty(ctx, propertyID, data)
}

func (c *core) SetZoneFlag(ctx context.Context, propertyID string, zone int, on bool) error {
	_, current, err := c.zoneTarget(propertyID, profile.KindFlagField)
	if err != nil {
		return err
	}
	data, err := c.opts.profile.FlagLayout().SetZone(current, zone, on)
	if err != nil {
		return fmt.Errorf("%s: %w", propertyID, err)
	}
	return c.SetProperty(ctx, propertyID, data)
}

// zoneTarget resolves a writable packed property and its current blob. The
// other zones are preserved from the last snapshot, so one is required.
func (c *core) zoneTarget(propertyID string, kind profile.Kind) (profile.Property, []byte, error) {
	p := c.opts.profile
	if p == nil {
		return profile.Property{}, nil, deviceerr.NewConfigurationError("zone operations need a device profile")
	}
	prop, err := p.Writable(propertyID)
	if err != nil {
		return profile.Property{}, nil, err
	}
	if prop.Kind != kind {
		return profile.Property{}, nil, fmt.Errorf("%w: %s is a %s", profile.ErrWrongKind, propertyID, prop.Kind)
	}

	snap := c.machine.Snapshot()
	if snap == nil {
		return profile.Property{}, nil, fmt.Errorf("%s: %w", propertyID, deviceerr.ErrNoSnapshot)
	}
	if snap.Stale() {
		c.logger.Warn("Zone write based on stale snapshot", zap.String("property", propertyID))
	}
	return prop, snap.Bytes(propertyID), nil
}

func (c *core) ZoneValues(snap *model.Snapshot, propertyID string) ([]profile.Zone, error) {
	if c.opts.profile == nil {
		return nil, deviceerr.NewConfigurationError("zone operations need a device profile")
	}
	return c.opts.profile.Expand(snap, propertyID)
}

func (c *core) CurrentState() connection.State { return c.machine.State() }

func (c *core) Snapshot() *model.Snapshot { return c.machine.Snapshot() }

func (c *core) PollInterval() time.Duration { return c.machine.PollInterval() }

func (c *core) Reconnect(ctx context.Context) error { return c.machine.Reconnect(ctx) }

func (c *core) Diagnostics() Diagnostics {
	conn := c.machine.Diagnostics()
	d := Diagnostics{
		Device:     c.opts.name,
		Variant:    c.variant,
		Connection: conn,
		LastSync:   conn.LastSync,
		Stale:      conn.State != connection.StateOnline,
	}

	if c.arb != nil {
		ad := c.arb.Diagnostics()
		d.Mode = ad.Mode
		d.Channels = ad.Channels
		d.LastReconciliation = ad.LastReconciliation
		d.Discrepancies = ad.Discrepancies
		return d
	}

	kind := c.channels[0].Kind()
	d.Mode = kind
	d.Channels = []arbiter.ChannelStats{{
		Kind:       kind,
		Available:  true,
		AuthFailed: conn.AuthHalted,
		Errors:     conn.ConsecutiveFailures,
		LastError:  conn.LastError,
	}}
	return d
}

func (c *core) Run(ctx context.Context, fn func(*model.Snapshot, error)) error {
	for {
		snap, err := c.Refresh(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fn(snap, err)

		timer := time.NewTimer(c.PollInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Close stops background work and disconnects every channel.
func (c *core) Close() error {
	err := c.machine.Close()

	ctx, cancel := context.WithTimeout(context.Background(), c.settings.OperationTimeout)
	defer cancel()
	for _, ch := range c.channels {
		if derr := ch.Disconnect(ctx); derr != nil && !errors.Is(derr, context.Canceled) {
			err = multierr.Append(err, fmt.Errorf("disconnect %s: %w", ch.Kind(), derr))
		}
	}
	return err
}
