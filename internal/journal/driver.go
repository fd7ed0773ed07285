package journal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ozanturksever/failover-manager/internal/alert"
	"github.com/ozanturksever/failover-manager/internal/ha"
	"github.com/ozanturksever/failover-manager/internal/peer"
)

// Default timings.
const (
	DefaultRetryInterval = 5 * time.Second
	DefaultRecoverDelay  = 5 * time.Second
)

// StatusSource returns the current failover status of this node.
type StatusSource interface {
	Status(ctx context.Context) ha.Status
}

// Applier executes a statement on the other controller.
type Applier interface {
	ApplyStatement(ctx context.Context, st ha.Statement) error
}

// Alerter raises and clears alert conditions.
type Alerter interface {
	Raise(ctx context.Context, kind alert.Kind, details string) error
	Clear(ctx context.Context, kind alert.Kind) error
}

// DriverConfig configures a Driver.
type DriverConfig struct {
	Path          string
	RetryInterval time.Duration
	RecoverDelay  time.Duration
	Logger        *slog.Logger
}

// Stats is a point-in-time view of the driver for status reporting.
type Stats struct {
	Status      ha.Status `json:"status"`
	Pending     int       `json:"pending"`
	Queued      int       `json:"queued"`
	LastFlushOK bool      `json:"lastFlushOk"`
	LastError   string    `json:"lastError,omitempty"`
	LastFlushAt time.Time `json:"lastFlushAt"`
}

// Driver is the single worker that owns the journal. It classifies queued
// writes by the current status, flushes the journal to the peer in order
// and persists it.
type Driver struct {
	cfg    DriverConfig
	queue  *Queue
	status StatusSource
	peer   Applier
	alerts Alerter
	logger *slog.Logger

	// Owned by the Run goroutine.
	journal    *Journal
	current    ha.Status
	lastFailed bool

	statsMu sync.Mutex
	stats   Stats
}

// NewDriver creates a driver. alerts may be nil.
func NewDriver(q *Queue, status StatusSource, applier Applier, alerts Alerter, cfg DriverConfig) *Driver {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.RecoverDelay <= 0 {
		cfg.RecoverDelay = DefaultRecoverDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		cfg:    cfg,
		queue:  q,
		status: status,
		peer:   applier,
		alerts: alerts,
		logger: logger.With("component", "journal"),
	}
}

// Stats returns the latest driver statistics.
func (d *Driver) Stats() Stats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	s := d.stats
	s.Queued = d.queue.Len()
	return s
}

// Run processes the journal until ctx is done. Unexpected failures restart
// the worker from the persisted journal after RecoverDelay.
func (d *Driver) Run(ctx context.Context) error {
	d.logger.Info("journal driver started", "path", d.cfg.Path)
	for {
		err := d.session(ctx)
		if ctx.Err() != nil {
			d.logger.Info("journal driver stopped")
			return nil
		}
		d.logger.Warn("failed to sync journal", "error", err)

		select {
		case <-ctx.Done():
			d.logger.Info("journal driver stopped")
			return nil
		case <-time.After(d.cfg.RecoverDelay):
		}
	}
}

func (d *Driver) session(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("journal worker panic: %v", r)
		}
	}()

	d.load()
	for {
		if err := d.Tick(ctx); err != nil {
			return err
		}
	}
}

// load reads the persisted journal and primes the status.
func (d *Driver) load() {
	d.journal = Load(d.cfg.Path, d.logger)
	d.current = ""
	d.updateStats(false, nil)
}

// Tick runs one iteration: process pending work, then wait for the next
// queued write or the retry interval.
func (d *Driver) Tick(ctx context.Context) error {
	if d.journal == nil {
		d.load()
	}

	flushed := d.process(ctx)

	// Nothing pending and nothing to retry: sleep until a write arrives.
	timeout := time.Duration(0)
	if !flushed || d.journal.Len() > 0 {
		timeout = d.cfg.RetryInterval
	}

	if it, ok := d.queue.Wait(ctx, timeout); ok {
		d.refreshStatus(ctx)
		d.handle(it)
		d.drain()
	}
	d.persist()

	return ctx.Err()
}

// process handles everything that does not block on the queue and reports
// whether the journal was fully flushed.
func (d *Driver) process(ctx context.Context) bool {
	d.refreshStatus(ctx)

	if d.current != ha.StatusMaster {
		if d.journal.Len() > 0 {
			d.logger.Warn("node is not master but has pending journal entries",
				"status", d.current, "pending", d.journal.Len())
		}
		d.journal.Clear()
	}

	hadItems := d.journal.Len() > 0
	flushed := d.flush(ctx)
	if hadItems {
		// Flushing takes time; the status may have moved meanwhile.
		d.refreshStatus(ctx)
	}

	d.drain()
	d.persist()
	return flushed
}

func (d *Driver) refreshStatus(ctx context.Context) {
	s := d.status.Status(ctx)
	if s != d.current {
		d.logger.Debug("journal sees status", "status", s)
	}
	d.current = s
}

// flush replays the journal head-first until it is empty or a call fails.
func (d *Driver) flush(ctx context.Context) bool {
	for {
		st, ok := d.journal.Peek()
		if !ok {
			return true
		}

		err := d.peer.ApplyStatement(ctx, st)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			if peer.IsUnreachable(err) {
				d.logger.Debug("skipping journal sync, peer down", "pending", d.journal.Len())
				d.updateStats(false, err)
				return false
			}
			if !d.lastFailed {
				d.lastFailed = true
				d.logger.Error("failed to replicate statement", "sql", st.SQL, "error", err)
				d.raise(ctx, err)
			}
			d.updateStats(false, err)
			return false
		}

		if d.lastFailed {
			d.lastFailed = false
			d.clear(ctx)
		}
		d.journal.Shift()
		d.updateStats(true, nil)
	}
}

func (d *Driver) raise(ctx context.Context, cause error) {
	if d.alerts == nil {
		return
	}
	if err := d.alerts.Raise(ctx, alert.KindSyncFailed, cause.Error()); err != nil {
		d.logger.Error("failed to raise alert", "kind", alert.KindSyncFailed, "error", err)
	}
}

func (d *Driver) clear(ctx context.Context) {
	if d.alerts == nil {
		return
	}
	if err := d.alerts.Clear(ctx, alert.KindSyncFailed); err != nil {
		d.logger.Error("failed to clear alert", "kind", alert.KindSyncFailed, "error", err)
	}
}

// drain classifies every queued item without blocking.
func (d *Driver) drain() {
	for {
		it, ok := d.queue.TryPop()
		if !ok {
			return
		}
		d.handle(it)
	}
}

func (d *Driver) handle(it Item) {
	if it.Reset {
		d.logger.Info("journal reset", "dropped", d.journal.Len())
		d.journal.Clear()
		return
	}

	switch d.current {
	case ha.StatusMaster:
		d.journal.Append(it.Statement)
	case ha.StatusSingle:
	default:
		d.logger.Warn("node is not master but executed a write", "status", d.current, "sql", it.Statement.SQL)
	}
}

func (d *Driver) persist() {
	if err := d.journal.Persist(); err != nil {
		d.logger.Error("failed to persist journal", "path", d.cfg.Path, "error", err)
	}
	d.statsMu.Lock()
	d.stats.Pending = d.journal.Len()
	d.stats.Status = d.current
	d.statsMu.Unlock()
}

func (d *Driver) updateStats(ok bool, err error) {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	d.stats.LastFlushOK = ok
	if err != nil {
		d.stats.LastError = err.Error()
	} else {
		d.stats.LastError = ""
	}
	if ok {
		d.stats.LastFlushAt = time.Now()
	}
}
