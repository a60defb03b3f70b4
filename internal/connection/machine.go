package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/zonelink/internal/deviceerr"
	"github.com/muurk/zonelink/internal/logging"
	"github.com/muurk/zonelink/internal/model"
)

// ErrClosed is returned by operations on a closed Machine.
var ErrClosed = errors.New("connection machine closed")

// State is the reachability of a device.
type State uint8

const (
	// StateOffline: not connected; a reconnection loop may be running.
	StateOffline State = iota

	// StateOnline: the last fetch succeeded.
	StateOnline

	// StateReconnecting: recent fetches failed but the threshold is not reached.
	StateReconnecting

	// StateUnreachable: reconnection gave up; waiting on the circuit breaker.
	StateUnreachable
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateOffline:
		return "OFFLINE"
	case StateOnline:
		return "ONLINE"
	case StateReconnecting:
		return "RECONNECTING"
	case StateUnreachable:
		return "UNREACHABLE"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Source is what the machine polls: a single channel or an arbitrator.
type Source interface {
	Connect(ctx context.Context) error
	Fetch(ctx context.Context) (*model.Snapshot, error)
}

// Transition describes one state change.
type Transition struct {
	From   State
	To     State
	Reason string
	At     time.Time
}

// Diagnostics is a point-in-time view of the machine.
type Diagnostics struct {
	State               State         `json:"state"`
	LastSync            time.Time     `json:"last_sync"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Backoff             BackoffState  `json:"backoff"`
	CircuitBreaker      BreakerState  `json:"circuit_breaker"`
	Reconnecting        bool          `json:"reconnect_task_active"`
	AuthHalted          bool          `json:"auth_halted"`
	LastError           string        `json:"last_error,omitempty"`
	PollInterval        time.Duration `json:"poll_interval"`
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// WithName labels log output with a device name.
func WithName(name string) Option {
	return func(m *Machine) { m.name = name }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithObserver registers a callback invoked after every transition. It runs
// after both guard and mu are released, so it may call Poll or Reconnect.
func WithObserver(fn func(Transition)) Option {
	return func(m *Machine) { m.observer = fn }
}

// WithResetHook registers a callback run by Reconnect while counters are
// reset, e.g. to clear arbitration state.
func WithResetHook(fn func()) Option {
	return func(m *Machine) { m.onReset = fn }
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Machine tracks the reachability of one device and owns its reconnection
// loop and circuit breaker.
//
// guard serialises polls and reconnection attempts and is held across network
// I/O. mu protects the fields below it and is never held across I/O, so
// diagnostics never block on the network. Lock order is guard, then mu.
type Machine struct {
	source   Source
	settings Settings
	logger   *zap.Logger
	name     string
	now      func() time.Time
	observer func(Transition)
	onReset  func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	guard sync.Mutex

	mu         sync.Mutex
	state      State
	failures   int
	last       *model.Snapshot
	lastSync   time.Time
	lastErr    error
	authHalted bool
	backoff    *Backoff
	breaker    *Breaker
	task       *task
	fromBreak  bool
	started    bool
	closed     bool
	guarded    bool // guard is held; transitions wait for unlockGuard
	pending    []Transition
}

// New creates a machine polling source. Settings are validated here; invalid
// settings return a configuration error.
func New(source Source, settings Settings, opts ...Option) (*Machine, error) {
	if source == nil {
		return nil, deviceerr.NewConfigurationError("connection source is required")
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		source:   source,
		settings: settings,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		state:    StateOffline,
		backoff:  NewBackoff(settings.BaseDelay, settings.MaxDelay, settings.Jitter),
		breaker:  NewBreaker(settings.BreakerSleep, settings.MaxBreakerSleep, settings.MaxBreakerEscalations),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logging.GetLogger().Named("connection")
	}
	if m.name != "" {
		m.logger = m.logger.With(zap.String("device", m.name))
	}
	if settings.ConnectOnStart {
		m.state = StateReconnecting
	}
	return m, nil
}

// Start launches the circuit-breaker health check and, with ConnectOnStart,
// an immediate connection attempt. Calling Start twice is a no-op.
func (m *Machine) Start() {
	m.mu.Lock()
	if m.started || m.closed {
		m.mu.Unlock()
		return
	}
	m.started = true
	if m.settings.ConnectOnStart {
		m.startLoopLocked(true, false)
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go m.healthLoop()
}

// Close cancels the reconnection loop and health check and waits for them.
func (m *Machine) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	return nil
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// PollInterval returns the poll cadence for the current state.
func (m *Machine) PollInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pollIntervalLocked()
}

func (m *Machine) pollIntervalLocked() time.Duration {
	switch m.state {
	case StateOnline:
		return m.settings.PollOnline
	case StateReconnecting:
		return m.settings.PollReconnecting
	default:
		return m.settings.PollOffline
	}
}

// Snapshot returns the last-known snapshot, flagged stale unless ONLINE, or
// nil if none was ever obtained.
func (m *Machine) Snapshot() *model.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil || m.state == StateOnline {
		return m.last
	}
	return m.last.AsStale()
}

// Diagnostics returns a snapshot of the machine's counters.
func (m *Machine) Diagnostics() Diagnostics {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := Diagnostics{
		State:               m.state,
		LastSync:            m.lastSync,
		ConsecutiveFailures: m.failures,
		Backoff:             m.backoff.State(),
		CircuitBreaker:      m.breaker.State(),
		Reconnecting:        m.task != nil,
		AuthHalted:          m.authHalted,
		PollInterval:        m.pollIntervalLocked(),
	}
	if m.lastErr != nil {
		d.LastError = m.lastErr.Error()
	}
	return d
}

// Poll fetches the device once and applies the resulting transition before
// returning.
//
// While a reconnection task is in flight or the device is UNREACHABLE, Poll
// performs no I/O and returns the cached snapshot flagged stale. Transport
// failures return the cached snapshot flagged stale; an error is returned only
// when no snapshot was ever obtained. Authentication errors are always
// returned and halt reconnection until Reconnect.
func (m *Machine) Poll(ctx context.Context) (*model.Snapshot, error) {
	if skip, snap, err := m.skipPoll(); skip {
		return snap, err
	}

	m.lockGuard()
	defer m.unlockGuard()

	// A reconnection task may have started while we waited for the guard
	if skip, snap, err := m.skipPoll(); skip {
		return snap, err
	}

	snap, err := m.source.Fetch(ctx)
	switch {
	case err == nil:
		m.succeed(snap, nil, "poll succeeded")
		return snap, nil
	case errors.Is(err, context.Canceled):
		return nil, err
	case deviceerr.IsAuth(err):
		return m.halt(err)
	}
	return m.pollFailed(err)
}

func (m *Machine) skipPoll() (bool, *model.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return true, nil, ErrClosed
	}
	if m.task == nil && m.state != StateUnreachable {
		return false, nil, nil
	}
	m.logger.Debug("Skipping poll", zap.Stringer("state", m.state), zap.Bool("task_active", m.task != nil))
	snap, err := m.cachedLocked(m.lastErr)
	return true, snap, err
}

func (m *Machine) pollFailed(err error) (*model.Snapshot, error) {
	m.mu.Lock()
	m.failures++
	m.lastErr = err

	switch {
	case m.failures >= m.settings.FailureThreshold:
		if m.state != StateOffline {
			m.setStateLocked(StateOffline, fmt.Sprintf("%d consecutive failures", m.failures))
		}
		m.startLoopLocked(false, false)
	case m.state == StateOnline:
		m.setStateLocked(StateReconnecting, deviceerr.ShortMessage(err))
	}

	m.logger.Warn("Poll failed",
		zap.Int("consecutive_failures", m.failures),
		zap.Int("threshold", m.settings.FailureThreshold),
		zap.Error(err),
	)
	snap, cacheErr := m.cachedLocked(err)
	m.unlockAndNotify()
	return snap, cacheErr
}

// halt records an authentication failure. The reconnection loop stops and the
// breaker will not retry until Reconnect.
func (m *Machine) halt(err error) (*model.Snapshot, error) {
	m.mu.Lock()
	m.authHalted = true
	m.lastErr = err
	snap := m.last
	if snap != nil {
		snap = snap.AsStale()
	}
	m.mu.Unlock()

	m.logger.Error("Authentication failed; reconnection halted until manual reconnect", zap.Error(err))
	return snap, err
}

// succeed records a fresh snapshot. t is the reconnection task reporting the
// success, if any; it is released in the same critical section so a poll
// never sees ONLINE together with an active task.
func (m *Machine) succeed(snap *model.Snapshot, t *task, reason string) {
	m.mu.Lock()
	m.failures = 0
	m.lastErr = nil
	m.authHalted = false
	m.backoff.Reset()
	m.breaker.Reset()
	m.last = snap
	m.lastSync = m.now()
	if t != nil && m.task == t {
		m.task = nil
	}
	if m.state != StateOnline {
		m.setStateLocked(StateOnline, reason)
	}
	m.unlockAndNotify()
}

// cachedLocked returns the last snapshot flagged stale, or ErrNoSnapshot
// wrapping cause.
func (m *Machine) cachedLocked(cause error) (*model.Snapshot, error) {
	if m.last != nil {
		return m.last.AsStale(), nil
	}
	if cause == nil {
		return nil, fmt.Errorf("%w (device %s)", deviceerr.ErrNoSnapshot, m.state)
	}
	return nil, fmt.Errorf("%w: %w", deviceerr.ErrNoSnapshot, cause)
}

// Reconnect cancels any in-flight reconnection task, resets every counter,
// forces OFFLINE and starts reconnecting immediately, bypassing the circuit
// breaker.
func (m *Machine) Reconnect(ctx context.Context) error {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return ErrClosed
		}
		t := m.task
		if t == nil {
			break
		}
		m.mu.Unlock()

		t.cancel()
		select {
		case <-t.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// mu is held here
	m.failures = 0
	m.lastErr = nil
	m.authHalted = false
	m.backoff.Reset()
	m.breaker.Reset()
	if m.onReset != nil {
		m.onReset()
	}
	m.setStateLocked(StateOffline, "manual reconnect")
	m.startLoopLocked(true, false)
	m.unlockAndNotify()

	m.logger.Info("Manual reconnect requested")
	return nil
}

// startLoopLocked starts the reconnection task unless one is in flight.
// immediate skips the first wait.
func (m *Machine) startLoopLocked(immediate, fromBreaker bool) bool {
	if m.task != nil || m.closed || m.authHalted {
		return false
	}

	ctx, cancel := context.WithCancel(m.ctx)
	t := &task{cancel: cancel, done: make(chan struct{})}
	m.task = t
	m.fromBreak = fromBreaker

	m.wg.Add(1)
	go m.reconnectLoop(ctx, t, immediate)
	return true
}

func (m *Machine) reconnectLoop(ctx context.Context, t *task, immediate bool) {
	defer m.wg.Done()
	defer close(t.done)
	defer t.cancel()
	defer func() {
		m.mu.Lock()
		if m.task == t {
			m.task = nil
		}
		m.mu.Unlock()
	}()

	for {
		if !immediate {
			m.mu.Lock()
			delay := m.backoff.Delay()
			m.mu.Unlock()

			if !sleep(ctx, delay) {
				return
			}
		}
		immediate = false

		if m.attempt(ctx, t) {
			return
		}
	}
}

// attempt runs one connect+fetch under the guard. It reports whether the loop
// is finished.
func (m *Machine) attempt(ctx context.Context, t *task) bool {
	m.lockGuard()
	defer m.unlockGuard()

	if ctx.Err() != nil {
		return true
	}

	snap, err := m.connectAndFetch(ctx)
	if err == nil {
		m.succeed(snap, t, "reconnected")
		m.logger.Info("Reconnected")
		return true
	}
	if ctx.Err() != nil {
		return true
	}
	if deviceerr.IsAuth(err) {
		_, _ = m.halt(err)
		return true
	}

	m.mu.Lock()
	m.lastErr = err
	delay := m.backoff.Fail()
	attempts := m.backoff.Attempts()

	if attempts < m.settings.MaxReconnectAttempts {
		m.mu.Unlock()
		m.logger.Warn("Reconnection attempt failed",
			zap.Int("attempt", attempts),
			zap.Int("max_attempts", m.settings.MaxReconnectAttempts),
			zap.Duration("next_delay", delay),
			zap.Error(err),
		)
		return false
	}

	if m.fromBreak {
		m.breaker.Escalate()
	}
	m.breaker.Trip(m.now())
	if m.task == t {
		m.task = nil
	}
	m.setStateLocked(StateUnreachable, fmt.Sprintf("%d reconnection attempts failed", attempts))
	state := m.breaker.State()
	m.unlockAndNotify()

	m.logger.Warn("Circuit breaker tripped",
		zap.Int("retry_count", state.RetryCount),
		zap.Time("next_retry_at", state.NextRetryAt),
		zap.Error(err),
	)
	return true
}

func (m *Machine) connectAndFetch(ctx context.Context) (*model.Snapshot, error) {
	if err := m.source.Connect(ctx); err != nil {
		return nil, err
	}
	return m.source.Fetch(ctx)
}

func (m *Machine) healthLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.settings.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.healthCheck()
		}
	}
}

// healthCheck re-enters the reconnection loop once the breaker's sleep has
// elapsed. It reports whether a retry episode was started.
func (m *Machine) healthCheck() bool {
	m.mu.Lock()
	if m.state != StateUnreachable || m.task != nil || m.authHalted || !m.breaker.Due(m.now()) {
		m.mu.Unlock()
		return false
	}

	m.backoff.Reset()
	m.breaker.HalfOpen()
	m.setStateLocked(StateOffline, "circuit breaker retry")
	started := m.startLoopLocked(true, true)
	retry := m.breaker.RetryCount()
	m.unlockAndNotify()

	m.logger.Info("Circuit breaker retry", zap.Int("retry_count", retry))
	return started
}

// setStateLocked records a transition; observers run in unlockAndNotify.
func (m *Machine) setStateLocked(to State, reason string) {
	from := m.state
	m.state = to
	m.pending = append(m.pending, Transition{From: from, To: to, Reason: reason, At: m.now()})
}

func (m *Machine) lockGuard() {
	m.guard.Lock()
	m.mu.Lock()
	m.guarded = true
	m.mu.Unlock()
}

// unlockGuard releases guard and then delivers transitions queued while it
// was held.
func (m *Machine) unlockGuard() {
	m.mu.Lock()
	m.guarded = false
	m.mu.Unlock()
	m.guard.Unlock()

	m.mu.Lock()
	m.unlockAndNotify()
}

// unlockAndNotify releases mu and reports pending transitions. While guard is
// held the transitions stay queued for unlockGuard.
func (m *Machine) unlockAndNotify() {
	if m.guarded {
		m.mu.Unlock()
		return
	}
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, tr := range pending {
		logging.LogTransition(m.logger, m.name, tr.From.String(), tr.To.String(), tr.Reason)
		if m.observer != nil {
			m.observer(tr)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
