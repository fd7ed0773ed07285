package journal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ozanturksever/failover-manager/internal/alert"
	"github.com/ozanturksever/failover-manager/internal/ha"
	"github.com/ozanturksever/failover-manager/internal/peer"
)

type fakeStatus struct {
	mu     sync.Mutex
	status ha.Status
	panics atomic.Int32
}

func (f *fakeStatus) Status(context.Context) ha.Status {
	if f.panics.Load() > 0 {
		f.panics.Add(-1)
		panic("status backend exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeStatus) set(s ha.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = s
}

type fakeApplier struct {
	mu      sync.Mutex
	applied []string
	err     error
}

func (f *fakeApplier) ApplyStatement(_ context.Context, st ha.Statement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.applied = append(f.applied, st.SQL)
	return nil
}

func (f *fakeApplier) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeApplier) Applied() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.applied...)
}

type fakeAlerts struct {
	mu     sync.Mutex
	raised int
	clears int
	active bool
}

func (f *fakeAlerts) Raise(_ context.Context, kind alert.Kind, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if kind == alert.KindSyncFailed {
		f.raised++
		f.active = true
	}
	return nil
}

func (f *fakeAlerts) Clear(_ context.Context, kind alert.Kind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if kind == alert.KindSyncFailed {
		f.clears++
		f.active = false
	}
	return nil
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type harness struct {
	path    string
	queue   *Queue
	status  *fakeStatus
	applier *fakeApplier
	alerts  *fakeAlerts
	logs    *syncBuffer
	driver  *Driver
}

func newHarness(t *testing.T, status ha.Status) *harness {
	t.Helper()
	h := &harness{
		path:    filepath.Join(t.TempDir(), "ha-journal"),
		queue:   NewQueue(),
		status:  &fakeStatus{status: status},
		applier: &fakeApplier{},
		alerts:  &fakeAlerts{},
		logs:    &syncBuffer{},
	}
	h.driver = NewDriver(h.queue, h.status, h.applier, h.alerts, DriverConfig{
		Path:          h.path,
		RetryInterval: 20 * time.Millisecond,
		RecoverDelay:  20 * time.Millisecond,
		Logger:        slog.New(slog.NewTextHandler(h.logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
	})
	h.driver.load()
	return h
}

func (h *harness) persisted() []ha.Statement {
	return Load(h.path, nil).Entries()
}

var errPartition = fmt.Errorf("apply_statement: %w", peer.ErrUnreachable)

func TestDriverClassification(t *testing.T) {
	ctx := context.Background()

	t.Run("master journals and flushes", func(t *testing.T) {
		h := newHarness(t, ha.StatusMaster)
		h.queue.Push(ha.MustStatement("A"))
		h.queue.Push(ha.MustStatement("B"))

		// The first pass drains the queue into the journal, the second flushes it.
		h.driver.process(ctx)
		assert.Equal(t, 2, h.driver.journal.Len())
		h.driver.process(ctx)

		assert.Equal(t, []string{"A", "B"}, h.applier.Applied())
		assert.Zero(t, h.driver.journal.Len())
	})

	t.Run("backup never journals and warns", func(t *testing.T) {
		h := newHarness(t, ha.StatusBackup)
		h.queue.Push(ha.MustStatement("UPDATE x SET y = 1"))

		h.driver.process(ctx)

		assert.Zero(t, h.driver.journal.Len())
		assert.Empty(t, h.persisted())
		assert.Empty(t, h.applier.Applied())
		assert.Contains(t, h.logs.String(), "not master but executed a write")
	})

	t.Run("single discards silently", func(t *testing.T) {
		h := newHarness(t, ha.StatusSingle)
		h.queue.Push(ha.MustStatement("UPDATE x SET y = 1"))

		h.driver.process(ctx)

		assert.Zero(t, h.driver.journal.Len())
		assert.NotContains(t, h.logs.String(), "not master")
	})

	t.Run("status is read when the item is dequeued", func(t *testing.T) {
		h := newHarness(t, ha.StatusBackup)
		h.queue.Push(ha.MustStatement("A"))
		h.status.set(ha.StatusMaster)
		h.applier.setErr(errPartition)

		h.driver.process(ctx)
		assert.Equal(t, 1, h.driver.journal.Len())
	})

	t.Run("reset marker clears in any status", func(t *testing.T) {
		for _, s := range []ha.Status{ha.StatusMaster, ha.StatusSingle, ha.StatusBackup, ha.StatusUnknown} {
			h := newHarness(t, s)
			h.driver.current = s
			h.driver.journal.Append(ha.MustStatement("A"))
			h.driver.handle(Item{Reset: true})
			assert.Zero(t, h.driver.journal.Len(), "status %s", s)
		}
	})

	t.Run("reset drops a pending backlog", func(t *testing.T) {
		h := newHarness(t, ha.StatusMaster)
		h.applier.setErr(errPartition)
		h.queue.Push(ha.MustStatement("A"))
		h.queue.Push(ha.MustStatement("B"))
		h.driver.process(ctx)
		require.Len(t, h.persisted(), 2)

		h.queue.PushReset()
		h.queue.Push(ha.MustStatement("C"))
		h.driver.process(ctx)

		got := h.persisted()
		require.Len(t, got, 1)
		assert.Equal(t, "C", got[0].SQL)
	})

	t.Run("non master discards a loaded backlog", func(t *testing.T) {
		h := newHarness(t, ha.StatusMaster)
		h.applier.setErr(errPartition)
		h.queue.Push(ha.MustStatement("A"))
		h.driver.process(ctx)
		require.Len(t, h.persisted(), 1)

		h.status.set(ha.StatusBackup)
		h.driver.load()
		require.Equal(t, 1, h.driver.journal.Len())
		h.driver.process(ctx)

		assert.Zero(t, h.driver.journal.Len())
		assert.Empty(t, h.persisted())
		assert.Contains(t, h.logs.String(), "not master but has pending journal entries")
	})
}

func TestDriverFlush(t *testing.T) {
	ctx := context.Background()

	t.Run("partition then recovery replays in order", func(t *testing.T) {
		h := newHarness(t, ha.StatusMaster)
		h.applier.setErr(errPartition)

		for i := 1; i <= 5; i++ {
			h.queue.Push(ha.MustStatement(fmt.Sprintf("M%d", i)))
		}
		h.driver.process(ctx)
		h.driver.process(ctx)
		assert.Len(t, h.persisted(), 5)
		assert.Zero(t, h.alerts.raised, "partitions never alert")

		h.applier.setErr(nil)
		assert.True(t, h.driver.process(ctx))

		assert.Equal(t, []string{"M1", "M2", "M3", "M4", "M5"}, h.applier.Applied())
		assert.Empty(t, h.persisted())
		assert.False(t, h.alerts.active)
	})

	t.Run("rejection alerts once and clears once", func(t *testing.T) {
		h := newHarness(t, ha.StatusMaster)
		h.applier.setErr(&peer.RemoteError{Op: peer.OpApplyStatement, Code: "500", Description: "no such table"})
		h.queue.Push(ha.MustStatement("A"))
		h.driver.process(ctx)

		for i := 0; i < 4; i++ {
			assert.False(t, h.driver.process(ctx))
		}
		assert.Equal(t, 1, h.alerts.raised)
		assert.True(t, h.alerts.active)
		assert.Len(t, h.persisted(), 1, "rejected entries are kept")

		stats := h.driver.Stats()
		assert.False(t, stats.LastFlushOK)
		assert.Contains(t, stats.LastError, "no such table")

		h.applier.setErr(nil)
		h.driver.process(ctx)
		h.driver.process(ctx)
		assert.Equal(t, 1, h.alerts.clears)
		assert.False(t, h.alerts.active)
		assert.Equal(t, []string{"A"}, h.applier.Applied())
	})

	t.Run("stops at the first failure", func(t *testing.T) {
		h := newHarness(t, ha.StatusMaster)
		h.driver.current = ha.StatusMaster
		h.driver.journal.Append(ha.MustStatement("A"))
		h.driver.journal.Append(ha.MustStatement("B"))
		h.applier.setErr(errors.New("boom"))

		assert.False(t, h.driver.flush(ctx))
		assert.Equal(t, 2, h.driver.journal.Len())
	})

	t.Run("shutdown mid flush is not a rejection", func(t *testing.T) {
		h := newHarness(t, ha.StatusMaster)
		h.driver.current = ha.StatusMaster
		h.driver.journal.Append(ha.MustStatement("A"))
		h.applier.setErr(fmt.Errorf("apply_statement: %w", context.Canceled))

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		assert.False(t, h.driver.flush(cctx))

		assert.Zero(t, h.alerts.raised)
		assert.False(t, h.driver.lastFailed)
		assert.Empty(t, h.driver.Stats().LastError)
		assert.Equal(t, 1, h.driver.journal.Len())
	})
}

func TestDriverRun(t *testing.T) {
	t.Run("end to end with an intermittent peer", func(t *testing.T) {
		h := newHarness(t, ha.StatusMaster)
		h.applier.setErr(errPartition)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- h.driver.Run(ctx) }()

		h.queue.Push(ha.MustStatement("M1"))
		require.Eventually(t, func() bool { return len(h.persisted()) == 1 }, 2*time.Second, 10*time.Millisecond)

		h.applier.setErr(nil)
		require.Eventually(t, func() bool {
			return len(h.applier.Applied()) == 1 && len(h.persisted()) == 0 && h.driver.Stats().Pending == 0
		}, 2*time.Second, 10*time.Millisecond)
		assert.False(t, h.alerts.active)

		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("driver did not stop")
		}
	})

	t.Run("recovers after a worker failure", func(t *testing.T) {
		h := newHarness(t, ha.StatusMaster)
		h.status.panics.Store(1)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() { _ = h.driver.Run(ctx) }()

		h.queue.Push(ha.MustStatement("after-panic"))
		require.Eventually(t, func() bool {
			return len(h.applier.Applied()) == 1
		}, 2*time.Second, 10*time.Millisecond)
		assert.Contains(t, h.logs.String(), "failed to sync journal")
	})
}
