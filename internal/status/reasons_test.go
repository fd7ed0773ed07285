package status

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ozanturksever/failover-manager/internal/ha"
	"github.com/ozanturksever/failover-manager/internal/peer"
)

type fakeLocal struct {
	pools, vips, critical int
	disabled              bool
	states                map[string]ha.VIPState
	disks                 []ha.Disk
	poolsErr              error
}

func (f *fakeLocal) ConfiguredPools(context.Context) (int, error)    { return f.pools, f.poolsErr }
func (f *fakeLocal) VirtualInterfaces(context.Context) (int, error)  { return f.vips, nil }
func (f *fakeLocal) CriticalInterfaces(context.Context) (int, error) { return f.critical, nil }
func (f *fakeLocal) FailoverDisabled(context.Context) (bool, error)  { return f.disabled, nil }
func (f *fakeLocal) Disks(context.Context) ([]ha.Disk, error)        { return f.disks, nil }
func (f *fakeLocal) VIPStates(context.Context) (map[string]ha.VIPState, error) {
	return f.states, nil
}

type fakePeer struct {
	connected bool
	ready     bool
	licensed  bool
	states    map[string]ha.VIPState
	disks     []ha.Disk
	err       error
	calls     int
}

func (f *fakePeer) Connected() bool { return f.connected }
func (f *fakePeer) SystemReady(context.Context) (bool, error) {
	f.calls++
	return f.ready, f.err
}
func (f *fakePeer) Licensed(context.Context) (bool, error) {
	f.calls++
	return f.licensed, nil
}
func (f *fakePeer) VIPStates(context.Context) (map[string]ha.VIPState, error) {
	f.calls++
	return f.states, nil
}
func (f *fakePeer) Disks(context.Context) ([]ha.Disk, error) {
	f.calls++
	return f.disks, nil
}

func healthyPair() (*fakeLocal, *fakePeer) {
	disks := []ha.Disk{{Name: "da0", Serial: "S1"}, {Name: "da1", Serial: "S2"}}
	local := &fakeLocal{
		pools: 1, vips: 1, critical: 1,
		states: map[string]ha.VIPState{"igb0": ha.VIPMaster},
		disks:  disks,
	}
	p := &fakePeer{
		connected: true, ready: true, licensed: true,
		states: map[string]ha.VIPState{"igb0": ha.VIPBackup},
		disks:  []ha.Disk{{Name: "da3", Serial: "S2"}, {Name: "da2", Serial: "S1"}},
	}
	return local, p
}

func TestReasonsEvaluate(t *testing.T) {
	ctx := context.Background()

	t.Run("healthy pair has no reasons", func(t *testing.T) {
		local, p := healthyPair()
		reasons, err := NewReasons(local, p, nil).Evaluate(ctx)
		require.NoError(t, err)
		assert.Empty(t, reasons)
	})

	t.Run("local conditions", func(t *testing.T) {
		local, p := healthyPair()
		local.pools = 0
		local.vips = 0
		local.critical = 0
		reasons, err := NewReasons(local, p, nil).Evaluate(ctx)
		require.NoError(t, err)
		assert.Equal(t, []ha.Reason{ha.ReasonNoVolume, ha.ReasonNoVIP, ha.ReasonNoCriticalInterfaces}, reasons)
	})

	t.Run("peer dependent conditions", func(t *testing.T) {
		local, p := healthyPair()
		p.ready = false
		p.licensed = false
		p.states = map[string]ha.VIPState{"igb0": ha.VIPMaster}
		p.disks = p.disks[:1]
		reasons, err := NewReasons(local, p, nil).Evaluate(ctx)
		require.NoError(t, err)
		assert.Equal(t, []ha.Reason{
			ha.ReasonNoSystemReady,
			ha.ReasonNoLicense,
			ha.ReasonDisagreeCARP,
			ha.ReasonMismatchDisks,
		}, reasons)
	})

	t.Run("unreachable peer yields exactly no pong", func(t *testing.T) {
		local, p := healthyPair()
		local.critical = 0
		p.licensed = false
		p.err = peer.ErrUnreachable
		reasons, err := NewReasons(local, p, nil).Evaluate(ctx)
		require.NoError(t, err)
		assert.Equal(t, []ha.Reason{ha.ReasonNoPong}, reasons)
	})

	t.Run("disconnected peer is never called", func(t *testing.T) {
		local, p := healthyPair()
		p.connected = false
		local.disabled = true
		reasons, err := NewReasons(local, p, nil).Evaluate(ctx)
		require.NoError(t, err)
		assert.Equal(t, []ha.Reason{ha.ReasonNoPong, ha.ReasonNoFailover}, reasons)
		assert.Zero(t, p.calls)
	})

	t.Run("no failover is always last", func(t *testing.T) {
		local, p := healthyPair()
		local.disabled = true
		local.pools = 0
		p.ready = false
		reasons, err := NewReasons(local, p, nil).Evaluate(ctx)
		require.NoError(t, err)
		require.NotEmpty(t, reasons)
		assert.Equal(t, ha.ReasonNoFailover, reasons[len(reasons)-1])
	})

	t.Run("local lookup failure is returned", func(t *testing.T) {
		local, p := healthyPair()
		local.poolsErr = errors.New("database is locked")
		_, err := NewReasons(local, p, nil).Evaluate(ctx)
		assert.Error(t, err)
	})
}

func TestReasonsNotifications(t *testing.T) {
	ctx := context.Background()
	local, p := healthyPair()
	r := NewReasons(local, p, nil)

	var events [][]ha.Reason
	r.OnChange(func(rs []ha.Reason) { events = append(events, rs) })

	_, err := r.Current(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)

	t.Run("same set does not notify", func(t *testing.T) {
		events = nil
		_, err := r.Current(ctx)
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("changed set notifies once", func(t *testing.T) {
		events = nil
		p.connected = false
		local.disabled = true
		_, err := r.Current(ctx)
		require.NoError(t, err)
		_, err = r.Current(ctx)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.True(t, ha.SameReasons([]ha.Reason{ha.ReasonNoFailover, ha.ReasonNoPong}, events[0]))
	})
}
