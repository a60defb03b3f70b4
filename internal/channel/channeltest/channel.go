// Package channeltest provides a scripted in-memory channel for tests.
package channeltest

import (
	"context"
	"maps"
	"sync"

	"github.com/muurk/zonelink/internal/channel"
	"github.com/muurk/zonelink/internal/deviceerr"
)

// ErrDropped is returned by Fetch and Set on a dropped channel.
var ErrDropped = deviceerr.NewConnectionError("session not connected", nil)

// SetCall records one Set invocation.
type SetCall struct {
	PropertyID string
	Value      any
}

// Channel is an in-memory channel.Channel whose failures are scripted.
//
// Fetch consults, in order: the dropped session, the queued one-shot errors,
// the persistent fetch error, then returns a copy of the current values with
// any reported fault.
type Channel struct {
	mu sync.Mutex

	kind       channel.Kind
	values     map[string]any
	queued     []error
	fetchErr   error
	connectErr error
	setErr     error
	faultErr   error
	dropped    bool
	block      chan struct{}

	fetches  int
	connects int
	sets     []SetCall
}

// New creates a channel of the given kind serving values.
func New(kind channel.Kind, values map[string]any) *Channel {
	return &Channel{kind: kind, values: maps.Clone(values)}
}

func (c *Channel) Kind() channel.Kind { return c.kind }

func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if c.connectErr != nil {
		return c.connectErr
	}
	if c.fetchErr != nil {
		return c.fetchErr
	}
	c.dropped = false
	return nil
}

func (c *Channel) Fetch(ctx context.Context) (map[string]any, error) {
	c.mu.Lock()
	block := c.block
	c.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetches++
	if c.dropped {
		return nil, ErrDropped
	}
	if len(c.queued) > 0 {
		err := c.queued[0]
		c.queued = c.queued[1:]
		if err != nil {
			return nil, err
		}
		return maps.Clone(c.values), nil
	}
	if c.fetchErr != nil {
		return nil, c.fetchErr
	}
	return maps.Clone(c.values), c.faultErr
}

func (c *Channel) Set(ctx context.Context, propertyID string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets = append(c.sets, SetCall{PropertyID: propertyID, Value: value})
	if c.dropped {
		return ErrDropped
	}
	if c.setErr != nil {
		return c.setErr
	}
	if c.values == nil {
		c.values = make(map[string]any)
	}
	c.values[propertyID] = value
	return nil
}

func (c *Channel) Disconnect(ctx context.Context) error { return nil }

// SetValues replaces the served values.
func (c *Channel) SetValues(values map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = maps.Clone(values)
}

// Fail makes every Fetch and Connect fail with err until Recover is called.
func (c *Channel) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchErr = err
}

// ReportFault makes successful Fetches return err alongside the values, the
// way a device flags an internal fault. nil clears it.
func (c *Channel) ReportFault(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faultErr = err
}

// Recover clears the persistent fetch and connect errors.
func (c *Channel) Recover() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchErr = nil
	c.connectErr = nil
}

// Drop ends the session the way a closed socket does: Fetch and Set fail
// with ErrDropped until the next successful Connect.
func (c *Channel) Drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropped = true
}

// FailConnect makes Connect fail with err until Recover is called.
func (c *Channel) FailConnect(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectErr = err
}

// FailSet makes Set fail with err; nil restores success.
func (c *Channel) FailSet(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setErr = err
}

// Queue adds one-shot Fetch outcomes; a nil entry is a success.
func (c *Channel) Queue(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queued = append(c.queued, errs...)
}

// Block makes Fetch wait until the returned release function is called.
func (c *Channel) Block() (release func()) {
	ch := make(chan struct{})
	c.mu.Lock()
	c.block = ch
	c.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.block = nil
			c.mu.Unlock()
			close(ch)
		})
	}
}

// Fetches returns the number of completed Fetch calls.
func (c *Channel) Fetches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetches
}

// Connects returns the number of Connect calls.
func (c *Channel) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

// Sets returns the recorded Set calls.
func (c *Channel) Sets() []SetCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SetCall(nil), c.sets...)
}

var _ channel.Channel = (*Channel)(nil)
