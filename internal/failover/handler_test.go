package failover

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ozanturksever/failover-manager/internal/fence"
	"github.com/ozanturksever/failover-manager/internal/ha"
	"github.com/ozanturksever/failover-manager/internal/journal"
	"github.com/ozanturksever/failover-manager/internal/peer"
)

func TestHandler(t *testing.T) {
	ctx := context.Background()

	t.Run("system ready follows the daemon", func(t *testing.T) {
		h := NewHandler(newHarness(t, ha.NodeA).c, nil)
		ready, err := h.SystemReady(ctx)
		require.NoError(t, err)
		assert.False(t, ready)

		h.SetReady(true)
		ready, err = h.SystemReady(ctx)
		require.NoError(t, err)
		assert.True(t, ready)
	})

	t.Run("pools report configured volumes", func(t *testing.T) {
		h := NewHandler(newHarness(t, ha.NodeA).c, nil)
		pools, err := h.Pools(ctx)
		require.NoError(t, err)
		assert.Equal(t, []ha.Pool{{Name: "tank", Status: ha.PoolStatusOffline}}, pools)
	})

	t.Run("report", func(t *testing.T) {
		hs := newHarness(t, ha.NodeA)
		h := NewHandler(hs.c, func() journal.Stats {
			return journal.Stats{Pending: 2, Queued: 1, LastError: "peer unreachable"}
		})
		r, err := h.Report(ctx)
		require.NoError(t, err)
		assert.Equal(t, "test", r.ClusterID)
		assert.Equal(t, ha.NodeA, r.Node)
		assert.Equal(t, ha.StatusBackup, r.Status)
		assert.True(t, r.Disabled)
		assert.True(t, r.Licensed)
		assert.Contains(t, r.Reasons, ha.ReasonNoFailover)
		assert.Equal(t, 3, r.JournalPending)
		assert.Equal(t, "peer unreachable", r.LastFlushError)
	})

	t.Run("report names the fence holder", func(t *testing.T) {
		hs := newHarness(t, ha.NodeA)
		h := NewHandler(hs.c, nil)

		r, err := h.Report(ctx)
		require.NoError(t, err)
		assert.Empty(t, r.FenceHolder)
		assert.Zero(t, r.FenceEpoch)

		hs.fence.current = &fence.Lease{Node: ha.NodeB, Epoch: 4}
		r, err = h.Report(ctx)
		require.NoError(t, err)
		assert.Equal(t, ha.NodeB, r.FenceHolder)
		assert.Equal(t, int64(4), r.FenceEpoch)
	})

	t.Run("key requests map by kind", func(t *testing.T) {
		hs := newHarness(t, ha.NodeA)
		h := NewHandler(hs.c, nil)

		require.NoError(t, h.UpdateKeys(ctx, peer.KeysRequest{Kind: ha.KeyKindDataset, Keys: map[string]string{"tank/a": "pw"}, Sync: true}))
		require.NoError(t, h.RemoveKeys(ctx, peer.KeysRequest{Kind: ha.KeyKindPool, Names: []string{"tank"}}))
		assert.Equal(t, "pw", hs.keys.upserts[0].Datasets["tank/a"])
		assert.Nil(t, hs.keys.upserts[0].Pools)
		assert.Equal(t, []string{"tank"}, hs.keys.removes[0].Pools)
		assert.Equal(t, []bool{true, false}, hs.keys.pushed)

		assert.Error(t, h.UpdateKeys(ctx, peer.KeysRequest{Kind: "tpm"}))
		assert.Error(t, h.RemoveKeys(ctx, peer.KeysRequest{Kind: "tpm"}))
		assert.Error(t, h.RemoveKeys(ctx, peer.KeysRequest{Kind: ha.KeyKindKMIP, Names: []string{"k"}}))
	})

	t.Run("kmip keys replace the set", func(t *testing.T) {
		hs := newHarness(t, ha.NodeA)
		h := NewHandler(hs.c, nil)
		require.NoError(t, h.UpdateKeys(ctx, peer.KeysRequest{Kind: ha.KeyKindKMIP, Keys: map[string]string{"uid-1": "k1"}, Sync: true}))
		assert.Equal(t, map[string]string{"uid-1": "k1"}, hs.keys.kmip)
		assert.Equal(t, []bool{true}, hs.keys.pushed)
	})

	t.Run("install replaces the bundle", func(t *testing.T) {
		hs := newHarness(t, ha.NodeB)
		h := NewHandler(hs.c, nil)
		b := ha.NewKeyBundle()
		b.Pools["tank"] = "pw"
		require.NoError(t, h.InstallKeys(ctx, b))
		assert.True(t, b.Equal(hs.keys.bundle))
	})

	t.Run("update maps the master choice", func(t *testing.T) {
		hs := newHarness(t, ha.NodeA)
		h := NewHandler(hs.c, nil)
		disabled := true

		s, err := h.Update(ctx, peer.UpdateRequest{Disabled: &disabled, Master: peer.MasterRemote})
		require.NoError(t, err)
		assert.Equal(t, peer.Settings{Disabled: true, MasterNode: ha.NodeB}, s)
		assert.Contains(t, hs.log.all(), "peer force_master")

		_, err = h.Update(ctx, peer.UpdateRequest{Master: "elsewhere"})
		assert.Error(t, err)
	})

	t.Run("control and unlock go through the controller", func(t *testing.T) {
		hs := newHarness(t, ha.NodeA)
		h := NewHandler(hs.c, nil)

		changed, err := h.Control(ctx, peer.ControlRequest{Action: peer.ActionEnable})
		require.NoError(t, err)
		assert.True(t, changed)

		ok, err := h.Unlock(ctx, peer.UnlockRequest{Datasets: map[string]string{"tank/a": "pw"}})
		require.NoError(t, err)
		assert.True(t, ok)
		assert.True(t, hs.fence.held)
	})
}
