package arbiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/muurk/zonelink/internal/channel"
	"github.com/muurk/zonelink/internal/channel/channeltest"
	"github.com/muurk/zonelink/internal/deviceerr"
	"github.com/muurk/zonelink/internal/model"
)

var (
	errTimeout = deviceerr.NewTimeoutError("no answer", nil)
	errRefused = deviceerr.NewConnectionError("refused", nil)
)

func newPair(t *testing.T, settings Settings) (*channeltest.Channel, *channeltest.Channel, *Arbitrator) {
	t.Helper()
	local := channeltest.New(channel.Local, map[string]any{"power": true, "program": int64(4)})
	cloud := channeltest.New(channel.Cloud, map[string]any{"power": true, "program": int64(4)})
	a, err := New(local, cloud, settings)
	require.NoError(t, err)
	return local, cloud, a
}

// attempts counts every call that reached the channel in a fetch cycle.
func attempts(c *channeltest.Channel) int {
	return c.Fetches() + c.Connects()
}

// setAvailable marks a configured channel usable or not. Unconfigured
// channels stay unavailable.
func (a *Arbitrator) setAvailable(kind channel.Kind, available bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.slots[kind]; ok && s.ch != nil {
		s.available = available
	}
}

func TestNew_Validation(t *testing.T) {
	ch := channeltest.New(channel.Local, nil)

	_, err := New(ch, nil, Settings{FailureThreshold: 0, Preferred: channel.Local})
	assert.True(t, deviceerr.IsConfiguration(err))

	_, err = New(ch, nil, Settings{FailureThreshold: 3, Preferred: "zigbee"})
	assert.True(t, deviceerr.IsConfiguration(err))

	_, err = New(nil, nil, DefaultSettings())
	assert.True(t, deviceerr.IsConfiguration(err))
}

func TestFetch_PreferredFirst(t *testing.T) {
	local, cloud, a := newPair(t, DefaultSettings())

	snap, err := a.Fetch(context.Background())

	require.NoError(t, err)
	assert.Equal(t, model.SourceLocal, snap.Source())
	assert.Equal(t, 1, local.Fetches())
	assert.Zero(t, cloud.Fetches())
}

// Local fails three consecutive fetches (threshold 3) while cloud succeeds.
func TestScenario_LocalFailsCloudSucceeds(t *testing.T) {
	local, cloud, a := newPair(t, DefaultSettings())
	local.Fail(errTimeout)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		snap, err := a.Fetch(ctx)
		require.NoError(t, err)
		assert.Equal(t, model.SourceCloud, snap.Source(), "cycle %d", i)
		if i < 3 {
			assert.Equal(t, channel.Local, a.Mode(), "no switch before the threshold")
		}
	}
	assert.Equal(t, channel.Cloud, a.Mode(), "switched on the third failure")

	snap, err := a.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.SourceCloud, snap.Source())
	assert.Empty(t, snap.Discrepancies())
	assert.Empty(t, a.Diagnostics().Discrepancies)
	assert.Equal(t, 3, attempts(local), "cloud is tried first after the switch")
	assert.Equal(t, 4, cloud.Fetches())
}

func TestStickySwitch(t *testing.T) {
	local, _, a := newPair(t, DefaultSettings())
	local.Fail(errRefused)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _ = a.Fetch(ctx)
	}
	require.Equal(t, channel.Cloud, a.Mode())

	// Local would succeed now, but the mode does not flap back
	local.Recover()
	before := local.Fetches()
	for i := 0; i < 5; i++ {
		snap, err := a.Fetch(ctx)
		require.NoError(t, err)
		assert.Equal(t, model.SourceCloud, snap.Source())
	}
	assert.Equal(t, before, local.Fetches())
	assert.Equal(t, channel.Cloud, a.Mode())
}

func TestModeFlip_ClearsNewModeCounter(t *testing.T) {
	local, cloud, a := newPair(t, DefaultSettings())
	ctx := context.Background()

	// Both fail twice: both counters at 2 (reconciliation failures are not counted)
	local.Fail(errRefused)
	cloud.Fail(errRefused)
	_, err := a.Fetch(ctx)
	require.ErrorIs(t, err, deviceerr.ErrAllSourcesFailed)
	_, err = a.Fetch(ctx)
	require.Error(t, err)

	// Third local failure flips the mode and gives cloud a full threshold
	_, _ = a.Fetch(ctx)
	d := a.Diagnostics()
	assert.Equal(t, channel.Cloud, d.Mode)
	assert.Equal(t, 3, d.Channels[0].Errors)
	assert.Equal(t, 1, d.Channels[1].Errors)
}

func TestFetch_SkipsUnavailable(t *testing.T) {
	cloud := channeltest.New(channel.Cloud, map[string]any{"power": false})
	a, err := New(nil, cloud, DefaultSettings())
	require.NoError(t, err)

	snap, err := a.Fetch(context.Background())

	require.NoError(t, err)
	assert.Equal(t, model.SourceCloud, snap.Source())

	a.setAvailable(channel.Cloud, false)
	_, err = a.Fetch(context.Background())
	assert.ErrorIs(t, err, deviceerr.ErrNoChannel)

	// Unconfigured channels cannot be enabled
	a.setAvailable(channel.Local, true)
	assert.False(t, a.Diagnostics().Channels[0].Available)
}

func TestReconciliation_MergesWithPreferredWins(t *testing.T) {
	local, cloud, a := newPair(t, DefaultSettings())
	local.SetValues(map[string]any{"power": true, "program": int64(4), "zones": []byte{5, 3}})
	cloud.SetValues(map[string]any{"power": true, "program": int64(6), "firmware": "2.1"})
	// First attempt of each fails; the reconciliation pass succeeds on both
	local.Queue(errTimeout)
	cloud.Queue(errTimeout)

	snap, err := a.Fetch(context.Background())

	require.NoError(t, err)
	assert.Equal(t, model.SourceLocal, snap.Source())

	program, _ := snap.Get("program")
	assert.Equal(t, int64(4), program.Value, "preferred channel wins")
	assert.Equal(t, model.SourceLocal, program.Source)

	firmware, ok := snap.Get("firmware")
	require.True(t, ok, "properties only one channel reports are kept")
	assert.Equal(t, model.SourceCloud, firmware.Source)

	want := map[string]model.Discrepancy{"program": {Local: int64(4), Cloud: int64(6)}}
	assert.Equal(t, want, snap.Discrepancies())

	d := a.Diagnostics()
	assert.Equal(t, want, d.Discrepancies)
	assert.False(t, d.LastReconciliation.IsZero())
	assert.Zero(t, d.Channels[0].Errors)
	assert.Zero(t, d.Channels[1].Errors)
}

func TestReconciliation_OneSucceeds(t *testing.T) {
	local, cloud, a := newPair(t, DefaultSettings())
	local.Fail(errTimeout)
	cloud.Queue(errTimeout) // only the first cloud attempt fails

	snap, err := a.Fetch(context.Background())

	require.NoError(t, err)
	assert.Equal(t, model.SourceCloud, snap.Source())
	assert.Empty(t, snap.Discrepancies())
	assert.Equal(t, 2, cloud.Fetches())
}

func TestFetch_AllFail(t *testing.T) {
	local, cloud, a := newPair(t, DefaultSettings())
	local.Fail(errTimeout)
	cloud.Fail(errRefused)

	snap, err := a.Fetch(context.Background())

	assert.Nil(t, snap)
	require.ErrorIs(t, err, deviceerr.ErrAllSourcesFailed)
	assert.True(t, deviceerr.IsTimeout(err))
	assert.Equal(t, 2, attempts(local), "one regular attempt and one reconciliation attempt")
	assert.Equal(t, 2, attempts(cloud))
}

func TestFetch_ReconnectsDroppedChannel(t *testing.T) {
	local, cloud, a := newPair(t, DefaultSettings())
	ctx := context.Background()
	require.NoError(t, a.Connect(ctx))

	// The cloud session closes while the LAN goes away
	cloud.Drop()
	local.Fail(errTimeout)

	snap, err := a.Fetch(ctx)

	require.NoError(t, err)
	assert.Equal(t, model.SourceCloud, snap.Source())
	assert.Equal(t, 2, cloud.Connects(), "dropped session is connected again before the next fetch")

	for i := 0; i < 3; i++ {
		snap, err = a.Fetch(ctx)
		require.NoError(t, err)
		assert.Equal(t, model.SourceCloud, snap.Source())
	}
	assert.Equal(t, channel.Cloud, a.Mode())
	assert.Equal(t, 2, cloud.Connects(), "a healthy session is not reconnected")
}

func TestFetch_ReconnectsLocalAfterSwitchBack(t *testing.T) {
	local, _, a := newPair(t, DefaultSettings())
	ctx := context.Background()

	local.Fail(errRefused)
	for i := 0; i < 3; i++ {
		_, err := a.Fetch(ctx)
		require.NoError(t, err)
	}
	require.Equal(t, channel.Cloud, a.Mode())

	local.Recover()
	a.ResetCounters()
	connects := local.Connects()

	snap, err := a.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.SourceLocal, snap.Source())
	assert.Equal(t, connects+1, local.Connects())
}

func TestFetch_AuthFailureDisablesChannel(t *testing.T) {
	local, cloud, a := newPair(t, DefaultSettings())
	local.Fail(deviceerr.NewAuthError("bad password"))
	ctx := context.Background()

	snap, err := a.Fetch(ctx)

	require.NoError(t, err)
	assert.Equal(t, model.SourceCloud, snap.Source())
	assert.Equal(t, channel.Cloud, a.Mode(), "switched on the first rejection")
	require.Len(t, snap.Faults(), 1)
	assert.Equal(t, AuthFaultCode, snap.Faults()[0].Code)
	assert.Equal(t, model.SourceLocal, snap.Faults()[0].Source)

	d := a.Diagnostics()
	assert.True(t, d.Channels[0].AuthFailed)
	assert.False(t, d.Channels[1].AuthFailed)

	// The rejected channel is not tried again, and the fault stays visible
	snap, err = a.Fetch(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Faults(), 1)
	assert.Equal(t, 1, attempts(local))

	require.NoError(t, a.Set(ctx, "program", int64(5)))
	assert.Empty(t, local.Sets())
	assert.Len(t, cloud.Sets(), 1)
}

func TestFetch_AuthFailureOnBothChannels(t *testing.T) {
	local, cloud, a := newPair(t, DefaultSettings())
	local.Fail(deviceerr.NewAuthError("bad password"))
	cloud.Fail(deviceerr.NewAuthError("token expired"))
	ctx := context.Background()

	_, err := a.Fetch(ctx)
	require.ErrorIs(t, err, deviceerr.ErrAllSourcesFailed)
	assert.True(t, deviceerr.IsAuth(err))
	d := a.Diagnostics()
	assert.True(t, d.Channels[0].AuthFailed)
	assert.True(t, d.Channels[1].AuthFailed)

	// With every channel rejected, cycles keep calling out so a corrected
	// credential is picked up
	local.Recover()
	snap, err := a.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.SourceLocal, snap.Source())
	assert.Equal(t, 2, local.Fetches())
	require.Len(t, snap.Faults(), 1)
	assert.Equal(t, model.SourceCloud, snap.Faults()[0].Source)

	d = a.Diagnostics()
	assert.False(t, d.Channels[0].AuthFailed)
	assert.True(t, d.Channels[1].AuthFailed)

	a.ResetCounters()
	assert.False(t, a.Diagnostics().Channels[1].AuthFailed)
}

func TestConnect_AuthFailure(t *testing.T) {
	local, _, a := newPair(t, DefaultSettings())
	local.FailConnect(deviceerr.NewAuthError("bad password"))

	require.NoError(t, a.Connect(context.Background()))

	d := a.Diagnostics()
	assert.Equal(t, channel.Cloud, d.Mode)
	assert.True(t, d.Channels[0].AuthFailed)
}

func TestArbitrate_CacheFallback(t *testing.T) {
	local, cloud, a := newPair(t, DefaultSettings())
	ctx := context.Background()

	// No cache yet: the failure surfaces
	local.Fail(errTimeout)
	cloud.Fail(errTimeout)
	_, err := a.Arbitrate(ctx)
	require.ErrorIs(t, err, deviceerr.ErrNoSnapshot)

	local.Recover()
	fresh, err := a.Arbitrate(ctx)
	require.NoError(t, err)
	assert.False(t, fresh.Stale())

	local.Fail(errTimeout)
	snap, err := a.Arbitrate(ctx)
	require.NoError(t, err)
	assert.True(t, snap.Stale())
	assert.Equal(t, model.SourceCached, snap.Source())
	assert.Equal(t, fresh.Len(), snap.Len())
}

func TestArbitrate_AuthSurfaced(t *testing.T) {
	local, cloud, a := newPair(t, DefaultSettings())
	_, err := a.Arbitrate(context.Background())
	require.NoError(t, err)

	local.Fail(deviceerr.NewAuthError("bad password"))
	cloud.Fail(deviceerr.NewAuthError("token expired"))

	snap, err := a.Arbitrate(context.Background())
	assert.True(t, deviceerr.IsAuth(err))
	require.NotNil(t, snap)
	assert.True(t, snap.Stale())
}

func TestFetch_FaultCarriedAsDiagnostic(t *testing.T) {
	local, _, a := newPair(t, DefaultSettings())
	local.ReportFault(deviceerr.NewDeviceReportedError("E7", "overheat"))

	snap, err := a.Fetch(context.Background())

	require.NoError(t, err)
	require.Len(t, snap.Faults(), 1)
	assert.Equal(t, "E7", snap.Faults()[0].Code)
	assert.Zero(t, a.Diagnostics().Channels[0].Errors)
}

func TestConnect(t *testing.T) {
	local, cloud, a := newPair(t, DefaultSettings())
	ctx := context.Background()

	local.FailConnect(errRefused)
	require.NoError(t, a.Connect(ctx), "one channel is enough")

	cloud.FailConnect(errTimeout)
	err := a.Connect(ctx)
	require.ErrorIs(t, err, deviceerr.ErrAllSourcesFailed)
	assert.True(t, deviceerr.IsTransport(err))
}

func TestSet_ModeChannelOnly(t *testing.T) {
	local, cloud, a := newPair(t, DefaultSettings())

	require.NoError(t, a.Set(context.Background(), "program", int64(5)))

	assert.Len(t, local.Sets(), 1)
	assert.Empty(t, cloud.Sets())
}

func TestSet_SingleFallback(t *testing.T) {
	local, cloud, a := newPair(t, DefaultSettings())
	local.FailSet(errTimeout)

	require.NoError(t, a.Set(context.Background(), "program", int64(5)))

	assert.Len(t, local.Sets(), 1)
	assert.Equal(t, []channeltest.SetCall{{PropertyID: "program", Value: int64(5)}}, cloud.Sets())
}

func TestSet_ReconnectsDroppedFallback(t *testing.T) {
	local, cloud, a := newPair(t, DefaultSettings())
	ctx := context.Background()
	local.FailSet(errTimeout)
	cloud.Drop()

	require.Error(t, a.Set(ctx, "program", int64(5)))
	assert.Zero(t, cloud.Connects())

	require.NoError(t, a.Set(ctx, "program", int64(5)))
	assert.Equal(t, 1, cloud.Connects())
	assert.Len(t, cloud.Sets(), 2)
}

func TestSet_BothFail(t *testing.T) {
	local, cloud, a := newPair(t, DefaultSettings())
	local.FailSet(errTimeout)
	cloud.FailSet(errRefused)

	err := a.Set(context.Background(), "program", int64(5))

	require.Error(t, err)
	assert.Len(t, multierr.Errors(errors.Unwrap(err)), 2)
	assert.Len(t, local.Sets(), 1, "never retried indefinitely")
	assert.Len(t, cloud.Sets(), 1)
}

func TestSet_NoChannel(t *testing.T) {
	cloud := channeltest.New(channel.Cloud, nil)
	a, err := New(nil, cloud, DefaultSettings())
	require.NoError(t, err)
	a.setAvailable(channel.Cloud, false)

	assert.ErrorIs(t, a.Set(context.Background(), "power", true), deviceerr.ErrNoChannel)
}

func TestResetCounters(t *testing.T) {
	local, _, a := newPair(t, DefaultSettings())
	local.Fail(errTimeout)
	for i := 0; i < 3; i++ {
		_, _ = a.Fetch(context.Background())
	}
	require.Equal(t, channel.Cloud, a.Mode())

	a.ResetCounters()

	d := a.Diagnostics()
	assert.Equal(t, channel.Local, d.Mode)
	assert.Zero(t, d.Channels[0].Errors)
	assert.Empty(t, d.Channels[0].LastError)
}

func TestMerge_CloudPreferred(t *testing.T) {
	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	local := model.NewSnapshot(map[string]any{"zones": []byte{1, 2}}, model.SourceLocal, at)
	cloud := model.NewSnapshot(map[string]any{"zones": []byte{1, 3}}, model.SourceCloud, at)

	merged, diff := Merge(local, cloud, channel.Cloud, at)

	assert.Equal(t, []byte{1, 3}, merged.Bytes("zones"))
	assert.Equal(t, model.SourceCloud, merged.Source())
	assert.Equal(t, model.Discrepancy{Local: []byte{1, 2}, Cloud: []byte{1, 3}}, diff["zones"])
}

func TestMerge_EqualValuesNoDiscrepancy(t *testing.T) {
	at := time.Now()
	// int and uint readings of the same value normalise equal
	local := model.NewSnapshot(map[string]any{"program": 4, "blob": []byte{9}}, model.SourceLocal, at)
	cloud := model.NewSnapshot(map[string]any{"program": uint64(4), "blob": []byte{9}}, model.SourceCloud, at)

	_, diff := Merge(local, cloud, channel.Local, at)

	assert.Empty(t, diff)
}
