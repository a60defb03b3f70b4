package channel_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muurk/zonelink/internal/channel"
	"github.com/muurk/zonelink/internal/channel/channeltest"
	"github.com/muurk/zonelink/internal/deviceerr"
	"github.com/muurk/zonelink/internal/model"
)

func TestParseKind(t *testing.T) {
	k, err := channel.ParseKind("cloud")
	require.NoError(t, err)
	assert.Equal(t, channel.Cloud, k)
	assert.Equal(t, channel.Local, k.Other())
	assert.Equal(t, model.SourceCloud, k.Source())

	_, err = channel.ParseKind("bluetooth")
	assert.Error(t, err)
}

func TestWithTimeout_ClassifiesAndTags(t *testing.T) {
	fake := channeltest.New(channel.Cloud, nil)
	fake.Fail(errors.New("socket closed"))

	ch := channel.WithTimeout(fake, time.Second)
	_, err := ch.Fetch(context.Background())

	var devErr *deviceerr.DeviceError
	require.ErrorAs(t, err, &devErr)
	assert.Equal(t, deviceerr.ErrTypeConnection, devErr.Type)
	assert.Equal(t, "cloud", devErr.Channel)
}

func TestWithTimeout_DeadlineIsTimeout(t *testing.T) {
	fake := channeltest.New(channel.Local, map[string]any{"power": true})
	release := fake.Block()
	defer release()

	ch := channel.WithTimeout(fake, 10*time.Millisecond)
	start := time.Now()
	_, err := ch.Fetch(context.Background())

	assert.True(t, deviceerr.IsTimeout(err), "got %v", err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWithTimeout_PassesCancellation(t *testing.T) {
	fake := channeltest.New(channel.Local, nil)
	release := fake.Block()
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := channel.WithTimeout(fake, time.Second).Fetch(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, deviceerr.IsTransport(err))
}

func TestWithTimeout_Success(t *testing.T) {
	fake := channeltest.New(channel.Local, map[string]any{"power": true})
	ch := channel.WithTimeout(fake, 0)

	require.NoError(t, ch.Connect(context.Background()))
	values, err := ch.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, true, values["power"])
	require.NoError(t, ch.Set(context.Background(), "power", false))
	assert.Equal(t, channel.Local, ch.Kind())
}

func TestCapture_FaultBecomesDiagnostic(t *testing.T) {
	fake := channeltest.New(channel.Local, map[string]any{"power": true})
	fake.ReportFault(deviceerr.NewDeviceReportedError("E12", "pan sensor"))
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	snap, err := channel.Capture(context.Background(), fake, now)

	require.NoError(t, err)
	assert.Equal(t, now, snap.CapturedAt())
	assert.Equal(t, model.SourceLocal, snap.Source())
	require.Len(t, snap.Faults(), 1)
	assert.Equal(t, "E12", snap.Faults()[0].Code)
}

func TestCapture_TransportErrorFails(t *testing.T) {
	fake := channeltest.New(channel.Local, map[string]any{"power": true})
	fake.Fail(deviceerr.NewTimeoutError("slow", nil))

	snap, err := channel.Capture(context.Background(), fake, time.Now())

	assert.Nil(t, snap)
	assert.True(t, deviceerr.IsTimeout(err))
}

func TestSingle(t *testing.T) {
	fake := channeltest.New(channel.Cloud, map[string]any{"program": 3})
	s := channel.NewSingle(fake)
	ctx := context.Background()

	require.NoError(t, s.Connect(ctx))
	snap, err := s.Fetch(ctx)
	require.NoError(t, err)

	v, ok := snap.Get("program")
	require.True(t, ok)
	assert.Equal(t, int64(3), v.Value)
	assert.Equal(t, model.SourceCloud, v.Source)

	require.NoError(t, s.Set(ctx, "program", 5))
	assert.Equal(t, []channeltest.SetCall{{PropertyID: "program", Value: 5}}, fake.Sets())
	assert.Same(t, fake, s.Channel())
	require.NoError(t, s.Close(ctx))
}
