package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/muurk/zonelink/internal/deviceerr"
	"github.com/muurk/zonelink/internal/model"
)

// Kind names one of the two independent paths to a device.
type Kind string

const (
	Local Kind = "local"
	Cloud Kind = "cloud"
)

// Source returns the snapshot source matching the kind
func (k Kind) Source() model.Source {
	if k == Cloud {
		return model.SourceCloud
	}
	return model.SourceLocal
}

// Other returns the opposite kind
func (k Kind) Other() Kind {
	if k == Cloud {
		return Local
	}
	return Cloud
}

// ParseKind parses "local" or "cloud"
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case Local, Cloud:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown channel %q (expected local or cloud)", s)
}

// DefaultTimeout bounds every channel operation when no timeout is configured
const DefaultTimeout = 10 * time.Second

// Channel is a transport to the device. Implementations own their wire protocol;
// callers only see property maps.
//
// Fetch may return values together with a *deviceerr.DeviceError of type
// ErrTypeDeviceReported; the values are still valid and the fault is carried as
// snapshot diagnostics.
type Channel interface {
	Kind() Kind
	Connect(ctx context.Context) error
	Fetch(ctx context.Context) (map[string]any, error)
	Set(ctx context.Context, propertyID string, value any) error
	Disconnect(ctx context.Context) error
}

// WithTimeout wraps ch so every operation runs under its own deadline and every
// error is classified into the deviceerr taxonomy and attributed to ch.Kind().
func WithTimeout(ch Channel, timeout time.Duration) Channel {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &timeoutChannel{inner: ch, timeout: timeout}
}

type timeoutChannel struct {
	inner   Channel
	timeout time.Duration
}

func (c *timeoutChannel) Kind() Kind { return c.inner.Kind() }

func (c *timeoutChannel) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.classify(c.inner.Connect(ctx))
}

func (c *timeoutChannel) Fetch(ctx context.Context) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	values, err := c.inner.Fetch(ctx)
	return values, c.classify(err)
}

func (c *timeoutChannel) Set(ctx context.Context, propertyID string, value any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.classify(c.inner.Set(ctx, propertyID, value))
}

func (c *timeoutChannel) Disconnect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.inner.Disconnect(ctx)
}

func (c *timeoutChannel) classify(err error) error {
	if err == nil {
		return nil
	}
	// Caller cancellation is not a device failure; pass it through untouched
	if errors.Is(err, context.Canceled) {
		return err
	}
	return deviceerr.Classify(err).WithChannel(string(c.inner.Kind()))
}

// Capture fetches ch once and builds a snapshot. A device-reported fault returned
// alongside values becomes a snapshot fault rather than an error.
func Capture(ctx context.Context, ch Channel, now time.Time) (*model.Snapshot, error) {
	values, err := ch.Fetch(ctx)
	var fault *deviceerr.DeviceError
	if err != nil && !(errors.As(err, &fault) && fault.Type == deviceerr.ErrTypeDeviceReported && values != nil) {
		return nil, err
	}

	snap := model.NewSnapshot(values, ch.Kind().Source(), now)
	if fault != nil {
		snap = snap.WithFaults(model.Fault{Code: fault.Code, Message: fault.Message, Source: ch.Kind().Source()})
	}
	return snap, nil
}

// Single adapts one channel to the source contract used by the connection
// state machine. It is the simple, non-hybrid variant.
type Single struct {
	ch  Channel
	now func() time.Time
}

// NewSingle wraps ch.
func NewSingle(ch Channel) *Single {
	return &Single{ch: ch, now: time.Now}
}

// Channel returns the wrapped channel.
func (s *Single) Channel() Channel { return s.ch }

func (s *Single) Connect(ctx context.Context) error {
	return s.ch.Connect(ctx)
}

func (s *Single) Fetch(ctx context.Context) (*model.Snapshot, error) {
	return Capture(ctx, s.ch, s.now())
}

func (s *Single) Set(ctx context.Context, propertyID string, value any) error {
	return s.ch.Set(ctx, propertyID, value)
}

// Close disconnects the channel.
func (s *Single) Close(ctx context.Context) error {
	return s.ch.Disconnect(ctx)
}
