package datastore

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ozanturksever/failover-manager/internal/ha"
)

type recordingHook struct {
	mu    sync.Mutex
	items []string
}

func (h *recordingHook) Push(st ha.Statement) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = append(h.items, st.SQL)
}

func (h *recordingHook) PushReset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = append(h.items, "<reset>")
}

func (h *recordingHook) Items() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.items...)
}

func openTestStore(t *testing.T, hook Hook) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "freenas-v1.db"), hook)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSettings(t *testing.T) {
	ctx := context.Background()

	t.Run("fresh database is disabled", func(t *testing.T) {
		s := openTestStore(t, nil)
		st, err := s.FailoverSettings(ctx)
		require.NoError(t, err)
		assert.True(t, st.Disabled)
		assert.Equal(t, ha.Node(""), st.MasterNode)
	})

	t.Run("save is journaled", func(t *testing.T) {
		hook := &recordingHook{}
		s := openTestStore(t, hook)

		require.NoError(t, s.SaveFailoverSettings(ctx, Settings{Disabled: false, MasterNode: ha.NodeB, Timeout: 2}))

		st, err := s.FailoverSettings(ctx)
		require.NoError(t, err)
		assert.Equal(t, Settings{Disabled: false, MasterNode: ha.NodeB, Timeout: 2}, st)

		disabled, err := s.FailoverDisabled(ctx)
		require.NoError(t, err)
		assert.False(t, disabled)

		require.Len(t, hook.Items(), 1)
		assert.Contains(t, hook.Items()[0], "UPDATE system_failover")
	})

	t.Run("replicated statements are not journaled", func(t *testing.T) {
		hook := &recordingHook{}
		s := openTestStore(t, hook)

		require.NoError(t, s.ApplyStatement(ctx, ha.MustStatement(
			"UPDATE system_failover SET master_node = ? WHERE id = 1", "A")))
		assert.Empty(t, hook.Items())

		st, err := s.FailoverSettings(ctx)
		require.NoError(t, err)
		assert.Equal(t, ha.NodeA, st.MasterNode)
	})

	t.Run("failed write is not journaled", func(t *testing.T) {
		hook := &recordingHook{}
		s := openTestStore(t, hook)
		assert.Error(t, s.Exec(ctx, "UPDATE no_such_table SET x = 1"))
		assert.Empty(t, hook.Items())
	})
}

func TestConditions(t *testing.T) {
	ctx := context.Background()
	hook := &recordingHook{}
	s := openTestStore(t, hook)

	n, err := s.ConfiguredPools(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, s.AddVolume(ctx, "tank"))
	require.NoError(t, s.AddVolume(ctx, "tank"))
	require.NoError(t, s.AddVolume(ctx, "backup"))

	n, err = s.ConfiguredPools(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	vols, err := s.Volumes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"backup", "tank"}, vols)

	require.NoError(t, s.UpsertInterface(ctx, Interface{Name: "eth1", Critical: true, VIP: "10.0.0.10"}))
	require.NoError(t, s.UpsertInterface(ctx, Interface{Name: "eth0"}))
	require.NoError(t, s.UpsertInterface(ctx, Interface{Name: "eth0"}))

	vips, err := s.VirtualInterfaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, vips)

	crit, err := s.CriticalInterfaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, crit)

	names, err := s.CriticalInterfaceNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"eth1"}, names)

	require.NoError(t, s.UpsertInterface(ctx, Interface{Name: "eth0", Critical: true}))
	names, err = s.CriticalInterfaceNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"eth0", "eth1"}, names)

	// Two volumes, three interface writes; repeats were skipped.
	assert.Len(t, hook.Items(), 5)
}

func TestSnapshotRestore(t *testing.T) {
	ctx := context.Background()

	hook := &recordingHook{}
	src := openTestStore(t, hook)
	require.NoError(t, src.AddVolume(ctx, "tank"))
	require.NoError(t, src.UpsertInterface(ctx, Interface{Name: "eth1", Critical: true, VIP: "10.0.0.10"}))
	require.NoError(t, src.SaveFailoverSettings(ctx, Settings{MasterNode: ha.NodeA, Timeout: 2}))

	snap := filepath.Join(t.TempDir(), "snapshot.db")
	require.NoError(t, src.Snapshot(ctx, snap))

	items := hook.Items()
	assert.Equal(t, "<reset>", items[len(items)-1], "reset marker follows every write in the copy")

	dst := openTestStore(t, nil)
	require.NoError(t, dst.AddVolume(ctx, "stale"))
	require.NoError(t, dst.Restore(ctx, snap))

	vols, err := dst.Volumes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"tank"}, vols)

	st, err := dst.FailoverSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, Settings{MasterNode: ha.NodeA, Timeout: 2}, st)

	ifaces, err := dst.Interfaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Interface{{Name: "eth1", Critical: true, VIP: "10.0.0.10"}}, ifaces)

	t.Run("snapshot can be repeated", func(t *testing.T) {
		require.NoError(t, src.Snapshot(ctx, snap))
	})

	t.Run("missing source fails", func(t *testing.T) {
		assert.Error(t, dst.Restore(ctx, filepath.Join(t.TempDir(), "nope", "missing.db")))
	})

	t.Run("garbage copy is rejected and keeps current data", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.db")
		require.NoError(t, os.WriteFile(bad, []byte("this is not a database file at all, padding it out"), 0o644))
		assert.Error(t, dst.Restore(ctx, bad))

		vols, err := dst.Volumes(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"tank"}, vols)
	})
}
