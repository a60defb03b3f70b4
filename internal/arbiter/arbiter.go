// Package arbiter picks the authoritative channel for a hybrid device each
// cycle, falls back on repeated error and reconciles the two channels when
// both respond.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/muurk/zonelink/internal/channel"
	"github.com/muurk/zonelink/internal/deviceerr"
	"github.com/muurk/zonelink/internal/logging"
	"github.com/muurk/zonelink/internal/model"
)

// DefaultFailureThreshold is the number of consecutive errors after which the
// current mode switches to the other channel.
const DefaultFailureThreshold = 3

// Settings configures an Arbitrator.
type Settings struct {
	FailureThreshold int
	Preferred        channel.Kind
}

// DefaultSettings prefers the LAN channel.
func DefaultSettings() Settings {
	return Settings{FailureThreshold: DefaultFailureThreshold, Preferred: channel.Local}
}

// Validate checks the threshold and preferred channel.
func (s Settings) Validate() error {
	if s.FailureThreshold < 1 {
		return deviceerr.NewConfigurationError(fmt.Sprintf("channel failure threshold must be at least 1, got %d", s.FailureThreshold))
	}
	if _, err := channel.ParseKind(string(s.Preferred)); err != nil {
		return deviceerr.NewConfigurationError(err.Error())
	}
	return nil
}

// ChannelStats describes one channel's health.
type ChannelStats struct {
	Kind       channel.Kind `json:"kind"`
	Available  bool         `json:"available"`
	AuthFailed bool         `json:"auth_failed,omitempty"`
	Errors     int          `json:"consecutive_errors"`
	LastError  string       `json:"last_error,omitempty"`
}

// Diagnostics is a point-in-time view of the arbitrator.
type Diagnostics struct {
	Mode               channel.Kind                 `json:"mode"`
	Preferred          channel.Kind                 `json:"preferred"`
	Channels           []ChannelStats               `json:"channels"`
	LastReconciliation time.Time                    `json:"last_reconciliation,omitempty"`
	Discrepancies      map[string]model.Discrepancy `json:"discrepancies,omitempty"`
}

// AuthFaultCode marks the fault attached to snapshots while a channel's
// credentials are rejected.
const AuthFaultCode = "auth"

// Option configures an Arbitrator.
type Option func(*Arbitrator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Arbitrator) { a.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Arbitrator) { a.now = now }
}

type slot struct {
	ch        channel.Channel
	available bool
	errors    int
	lastErr   error

	// dropped is set by a transport failure; the channel is connected again
	// before its next use
	dropped bool
	// authErr takes the channel out of use while the other one is usable,
	// until a successful fetch or ResetCounters
	authErr error
}

func (s *slot) usable() bool {
	return s.available && s.authErr == nil
}

// Arbitrator fetches from two channels with a sticky current mode.
//
// Each cycle starts with the current mode's channel. When that channel's
// consecutive error count reaches the threshold the mode flips to the other
// channel and stays there; it does not flap back on a single success. A
// channel that rejects its credentials is skipped while the other is usable.
type Arbitrator struct {
	settings Settings
	logger   *zap.Logger
	now      func() time.Time

	mu            sync.Mutex
	slots         map[channel.Kind]*slot
	mode          channel.Kind
	cache         *model.Snapshot
	reconciledAt  time.Time
	discrepancies map[string]model.Discrepancy
}

// New creates an arbitrator. Either channel may be nil; at least one is
// required.
func New(local, cloud channel.Channel, settings Settings, opts ...Option) (*Arbitrator, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if local == nil && cloud == nil {
		return nil, deviceerr.NewConfigurationError("hybrid mode needs at least one channel")
	}

	a := &Arbitrator{
		settings: settings,
		now:      time.Now,
		mode:     settings.Preferred,
		slots: map[channel.Kind]*slot{
			channel.Local: {ch: local, available: local != nil},
			channel.Cloud: {ch: cloud, available: cloud != nil},
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = logging.GetLogger().Named("arbiter")
	}
	return a, nil
}

// Mode returns the channel tried first in the next cycle.
func (a *Arbitrator) Mode() channel.Kind {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

// Connect connects every eligible channel. It succeeds if any channel does.
func (a *Arbitrator) Connect(ctx context.Context) error {
	kinds := a.eligible()
	if len(kinds) == 0 {
		return deviceerr.ErrNoChannel
	}

	var errs error
	connected := 0
	for _, kind := range kinds {
		if err := a.connect(ctx, kind); err != nil {
			a.logger.Debug("Channel connect failed", zap.String("channel", string(kind)), zap.Error(err))
			errs = multierr.Append(errs, err)
			continue
		}
		connected++
	}
	if connected > 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", deviceerr.ErrAllSourcesFailed, errs)
}

// Fetch runs one arbitration cycle and returns a fresh snapshot or an error.
func (a *Arbitrator) Fetch(ctx context.Context) (*model.Snapshot, error) {
	order := a.order()
	if len(order) == 0 {
		return nil, deviceerr.ErrNoChannel
	}

	var errs error
	for _, kind := range order {
		snap, err := a.capture(ctx, kind, a.now())
		if err == nil {
			return a.recordSuccess(kind, snap), nil
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		a.recordFailure(kind, err)
		errs = multierr.Append(errs, err)
	}

	if len(a.usable()) == 2 {
		snap, err := a.reconcile(ctx)
		if err == nil {
			return snap, nil
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("%w: %w", deviceerr.ErrAllSourcesFailed, errs)
}

// Arbitrate is Fetch with the cache fallback: when every attempt fails the
// last snapshot is returned flagged stale. An error is returned only when no
// snapshot exists, or for authentication failures.
func (a *Arbitrator) Arbitrate(ctx context.Context) (*model.Snapshot, error) {
	snap, err := a.Fetch(ctx)
	if err == nil {
		return snap, nil
	}

	a.mu.Lock()
	cached := a.cache
	a.mu.Unlock()

	if cached == nil {
		return nil, fmt.Errorf("%w: %w", deviceerr.ErrNoSnapshot, err)
	}
	a.logger.Warn("All channels failed; serving cached snapshot", zap.Error(err))
	if deviceerr.IsAuth(err) {
		return cached.AsStale(), err
	}
	return cached.AsStale(), nil
}

// reconcile retries both channels once, concurrently. Failures here are not
// counted against the threshold.
func (a *Arbitrator) reconcile(ctx context.Context) (*model.Snapshot, error) {
	type result struct {
		snap *model.Snapshot
		err  error
	}
	results := make(map[channel.Kind]result, 2)
	var mu sync.Mutex
	var wg sync.WaitGroup
	now := a.now()

	for _, kind := range []channel.Kind{channel.Local, channel.Cloud} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := a.capture(ctx, kind, now)
			mu.Lock()
			results[kind] = result{snap, err}
			mu.Unlock()
		}()
	}
	wg.Wait()

	local, cloud := results[channel.Local], results[channel.Cloud]
	a.logger.Debug("Reconciliation pass",
		zap.Bool("local_ok", local.err == nil),
		zap.Bool("cloud_ok", cloud.err == nil),
	)

	a.mu.Lock()
	for kind, r := range results {
		if r.err != nil && !errors.Is(r.err, context.Canceled) {
			a.markLocked(kind, r.err)
		}
	}
	a.mu.Unlock()

	switch {
	case local.err == nil && cloud.err == nil:
		merged, diff := Merge(local.snap, cloud.snap, a.settings.Preferred, now)
		a.mu.Lock()
		for _, s := range a.slots {
			s.errors = 0
			s.lastErr = nil
		}
		a.reconciledAt = now
		a.discrepancies = diff
		a.cache = merged
		a.mu.Unlock()
		if len(diff) > 0 {
			a.logger.Info("Channels disagree", zap.Int("discrepancies", len(diff)))
		}
		return merged, nil
	case local.err == nil:
		return a.recordSuccess(channel.Local, local.snap), nil
	case cloud.err == nil:
		return a.recordSuccess(channel.Cloud, cloud.snap), nil
	}
	return nil, multierr.Combine(local.err, cloud.err)
}

// Set writes through the current mode's channel with at most one fallback to
// the other. Errors from both attempts are combined.
func (a *Arbitrator) Set(ctx context.Context, propertyID string, value any) error {
	a.mu.Lock()
	targets := a.eligibleLocked(a.mode, a.mode.Other())
	a.mu.Unlock()

	if len(targets) == 0 {
		return deviceerr.ErrNoChannel
	}

	var errs error
	for i, kind := range targets {
		err := a.reconnect(ctx, kind)
		if err == nil {
			err = a.channel(kind).Set(ctx, propertyID, value)
		}
		if err == nil {
			if i > 0 {
				a.logger.Info("Command delivered via fallback channel",
					zap.String("property", propertyID),
					zap.String("channel", string(kind)),
				)
			}
			return nil
		}
		if errors.Is(err, context.Canceled) {
			return err
		}
		a.mu.Lock()
		a.markLocked(kind, err)
		a.mu.Unlock()
		errs = multierr.Append(errs, err)
	}
	return fmt.Errorf("set %s: %w", propertyID, errs)
}

// ResetCounters clears every error counter and authentication failure and
// restores the preferred mode.
func (a *Arbitrator) ResetCounters() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.slots {
		s.errors = 0
		s.lastErr = nil
		s.authErr = nil
	}
	a.mode = a.settings.Preferred
}

// Diagnostics returns per-channel counters, the mode and the last
// reconciliation's discrepancy set.
func (a *Arbitrator) Diagnostics() Diagnostics {
	a.mu.Lock()
	defer a.mu.Unlock()

	d := Diagnostics{
		Mode:               a.mode,
		Preferred:          a.settings.Preferred,
		LastReconciliation: a.reconciledAt,
		Discrepancies:      maps.Clone(a.discrepancies),
	}
	for _, kind := range []channel.Kind{channel.Local, channel.Cloud} {
		s := a.slots[kind]
		st := ChannelStats{
			Kind:       kind,
			Available:  s.available,
			AuthFailed: s.authErr != nil,
			Errors:     s.errors,
		}
		if s.lastErr != nil {
			st.LastError = s.lastErr.Error()
		}
		d.Channels = append(d.Channels, st)
	}
	return d
}

// order returns the eligible channels, current mode first unless its error
// count has reached the threshold while the other is still healthy.
func (a *Arbitrator) order() []channel.Kind {
	a.mu.Lock()
	defer a.mu.Unlock()

	first, second := a.mode, a.mode.Other()
	fs, ss := a.slots[first], a.slots[second]
	if fs.usable() && ss.usable() &&
		fs.errors >= a.settings.FailureThreshold && ss.errors < a.settings.FailureThreshold {
		first, second = second, first
	}
	return a.eligibleLocked(first, second)
}

func (a *Arbitrator) eligible() []channel.Kind {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.eligibleLocked(channel.Local, channel.Cloud)
}

// eligibleLocked filters kinds to the usable channels. When every available
// channel has rejected its credentials they are all returned, so a corrected
// credential is picked up by the next attempt.
func (a *Arbitrator) eligibleLocked(kinds ...channel.Kind) []channel.Kind {
	out := make([]channel.Kind, 0, len(kinds))
	for _, kind := range kinds {
		if a.slots[kind].usable() {
			out = append(out, kind)
		}
	}
	if len(out) > 0 {
		return out
	}
	for _, kind := range kinds {
		if a.slots[kind].available {
			out = append(out, kind)
		}
	}
	return out
}

func (a *Arbitrator) usable() []channel.Kind {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []channel.Kind
	for _, kind := range []channel.Kind{channel.Local, channel.Cloud} {
		if a.slots[kind].usable() {
			out = append(out, kind)
		}
	}
	return out
}

func (a *Arbitrator) channel(kind channel.Kind) channel.Channel {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.slots[kind].ch
}

// connect connects kind and records whether its session is up.
func (a *Arbitrator) connect(ctx context.Context, kind channel.Kind) error {
	err := a.channel(kind).Connect(ctx)

	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.slots[kind]
	s.dropped = err != nil
	if err != nil && !errors.Is(err, context.Canceled) {
		s.lastErr = err
		a.markLocked(kind, err)
	}
	return err
}

// reconnect connects kind again if a transport failure dropped it.
func (a *Arbitrator) reconnect(ctx context.Context, kind channel.Kind) error {
	a.mu.Lock()
	dropped := a.slots[kind].dropped
	a.mu.Unlock()
	if !dropped {
		return nil
	}
	a.logger.Debug("Reconnecting channel", zap.String("channel", string(kind)))
	return a.connect(ctx, kind)
}

// capture fetches one snapshot from kind, reconnecting it first if needed.
func (a *Arbitrator) capture(ctx context.Context, kind channel.Kind, now time.Time) (*model.Snapshot, error) {
	if err := a.reconnect(ctx, kind); err != nil {
		return nil, err
	}
	return channel.Capture(ctx, a.channel(kind), now)
}

// recordSuccess resets kind's counter and caches snap. The returned snapshot
// carries a fault for every channel whose credentials were rejected.
func (a *Arbitrator) recordSuccess(kind channel.Kind, snap *model.Snapshot) *model.Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.slots[kind]
	s.errors = 0
	s.lastErr = nil
	s.authErr = nil

	var faults []model.Fault
	for _, k := range []channel.Kind{channel.Local, channel.Cloud} {
		if err := a.slots[k].authErr; err != nil {
			faults = append(faults, model.Fault{Code: AuthFaultCode, Message: deviceerr.ShortMessage(err), Source: k.Source()})
		}
	}
	if len(faults) > 0 {
		snap = snap.WithFaults(faults...)
	}
	a.cache = snap
	return snap
}

// recordFailure increments the channel's error count. Reaching the threshold
// on the current mode flips the mode to the other channel, if usable, and
// clears that channel's count.
func (a *Arbitrator) recordFailure(kind channel.Kind, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.slots[kind]
	s.errors++
	s.lastErr = err
	a.markLocked(kind, err)

	if kind == a.mode && s.errors >= a.settings.FailureThreshold {
		a.switchLocked(kind, err)
	}
}

// markLocked applies what a failure says about the channel itself: transport
// errors drop its session and rejected credentials take it out of use, moving
// the mode off it at once.
func (a *Arbitrator) markLocked(kind channel.Kind, err error) {
	s := a.slots[kind]
	switch {
	case deviceerr.IsAuth(err):
		if s.authErr == nil {
			a.logger.Warn("Channel credentials rejected; channel disabled until reconnect",
				zap.String("channel", string(kind)),
				zap.Error(err),
			)
		}
		s.authErr = err
		if kind == a.mode {
			a.switchLocked(kind, err)
		}
	case !deviceerr.IsDeviceReported(err):
		s.dropped = true
	}
}

// switchLocked moves the mode from kind to the other channel when that one is
// usable.
func (a *Arbitrator) switchLocked(kind channel.Kind, err error) {
	other := a.slots[kind.Other()]
	if !other.usable() {
		return
	}
	a.mode = kind.Other()
	other.errors = 0
	a.logger.Info("Switching channel",
		zap.String("from", string(kind)),
		zap.String("to", string(a.mode)),
		zap.Int("errors", a.slots[kind].errors),
		zap.Error(err),
	)
}

// Merge combines snapshots from both channels. On conflict the preferred
// channel's value wins and the pair is recorded as a discrepancy.
func Merge(local, cloud *model.Snapshot, preferred channel.Kind, at time.Time) (*model.Snapshot, map[string]model.Discrepancy) {
	winner, loser := local, cloud
	if preferred == channel.Cloud {
		winner, loser = cloud, local
	}

	values := loser.Values()
	maps.Copy(values, winner.Values())

	diff := make(map[string]model.Discrepancy)
	for _, id := range local.IDs() {
		lv, _ := local.Get(id)
		cv, ok := cloud.Get(id)
		if ok && !model.Equal(lv.Value, cv.Value) {
			diff[id] = model.Discrepancy{Local: lv.Value, Cloud: cv.Value}
		}
	}

	merged := model.NewSnapshotFromValues(values, preferred.Source(), at).
		WithFaults(append(local.Faults(), cloud.Faults()...)...).
		WithDiscrepancies(diff)
	return merged, diff
}
