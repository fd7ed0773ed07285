// Package fence guards force-active transitions with an epoch-numbered
// lease in NATS KV. A controller that takes over bumps the epoch; the
// previous holder notices on its next renewal and stops claiming the role.
package fence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/ozanturksever/failover-manager/internal/ha"
)

// Fence errors
var (
	ErrNotStarted    = errors.New("fence not started")
	ErrContended     = errors.New("lease changed during takeover")
	ErrEpochMismatch = errors.New("epoch mismatch - another node took over")
	ErrNotHeld       = errors.New("lease not held")
)

// Default timings.
const (
	DefaultLeaseTTL   = 10 * time.Second
	DefaultRenewEvery = 3 * time.Second
)

const leaseKey = "lease"

// Lease is the fencing record. Epoch only ever grows.
type Lease struct {
	Node       ha.Node   `json:"node"`
	Epoch      int64     `json:"epoch"`
	ExpiresAt  time.Time `json:"expiresAt"`
	AcquiredAt time.Time `json:"acquiredAt"`

	// Revision is the NATS KV revision for CAS operations.
	Revision uint64 `json:"-"`
}

// Expired reports whether the holder stopped renewing.
func (l *Lease) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// Config configures a Fence.
type Config struct {
	ClusterID  string
	Node       ha.Node
	LeaseTTL   time.Duration
	RenewEvery time.Duration
}

// BucketName returns the KV bucket holding the lease.
// Format: failover-<cluster_id>-fence
func (c Config) BucketName() string {
	return fmt.Sprintf("failover-%s-fence", c.ClusterID)
}

// Fence holds or contends for the lease of one controller.
type Fence struct {
	cfg    Config
	js     jetstream.JetStream
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	kv     jetstream.KeyValue
	lease  *Lease
	stopCh chan struct{}
	wg     sync.WaitGroup
	onLost func(epoch int64)

	// held mirrors lease != nil so Held never waits on KV I/O.
	held atomic.Bool
}

// New creates a fence on an existing JetStream context.
func New(js jetstream.JetStream, cfg Config) (*Fence, error) {
	if cfg.ClusterID == "" {
		return nil, errors.New("clusterID is required")
	}
	if !cfg.Node.Valid() {
		return nil, fmt.Errorf("invalid node %q", cfg.Node)
	}
	if cfg.LeaseTTL == 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.RenewEvery == 0 {
		cfg.RenewEvery = DefaultRenewEvery
	}
	if cfg.RenewEvery >= cfg.LeaseTTL {
		return nil, errors.New("renew interval must be shorter than the lease TTL")
	}
	return &Fence{
		cfg:    cfg,
		js:     js,
		logger: slog.Default().With("component", "fence", "node", string(cfg.Node)),
		now:    time.Now,
	}, nil
}

// OnLost sets a callback for when another controller takes the lease.
func (f *Fence) OnLost(fn func(epoch int64)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onLost = fn
}

// Start creates or opens the lease bucket.
func (f *Fence) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.kv != nil {
		return nil
	}

	bucket := f.cfg.BucketName()
	kv, err := f.js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: fmt.Sprintf("Failover fencing lease for %s", f.cfg.ClusterID),
		History:     5,
	})
	if err != nil {
		kv, err = f.js.KeyValue(ctx, bucket)
		if err != nil {
			return fmt.Errorf("create/get KV bucket %s: %w", bucket, err)
		}
	}
	f.kv = kv
	return nil
}

// Stop ends renewal. The lease is left to expire so the next holder still
// sees the epoch.
func (f *Fence) Stop() {
	f.mu.Lock()
	stop := f.stopCh
	f.stopCh = nil
	f.lease = nil
	f.held.Store(false)
	f.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	f.wg.Wait()
}

// Held reports whether this controller believes it holds the lease.
func (f *Fence) Held() bool {
	return f.held.Load()
}

// Current reads the lease as stored, whoever holds it. It returns nil when
// no controller ever took it.
func (f *Fence) Current(ctx context.Context) (*Lease, error) {
	f.mu.Lock()
	kv := f.kv
	f.mu.Unlock()
	if kv == nil {
		return nil, ErrNotStarted
	}
	return getLease(ctx, kv)
}

// Force takes the lease with a new epoch regardless of the current holder
// and keeps renewing it. It fails closed: any error leaves this controller
// without the lease.
func (f *Fence) Force(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.kv == nil {
		return 0, ErrNotStarted
	}

	cur, err := getLease(ctx, f.kv)
	if err != nil {
		return 0, fmt.Errorf("read lease: %w", err)
	}

	now := f.now()
	next := Lease{
		Node:       f.cfg.Node,
		Epoch:      1,
		ExpiresAt:  now.Add(f.cfg.LeaseTTL),
		AcquiredAt: now,
	}
	if cur != nil {
		next.Epoch = cur.Epoch + 1
	}
	data, err := json.Marshal(&next)
	if err != nil {
		return 0, fmt.Errorf("marshal lease: %w", err)
	}

	var rev uint64
	if cur == nil {
		rev, err = f.kv.Create(ctx, leaseKey, data)
	} else {
		rev, err = f.kv.Update(ctx, leaseKey, data, cur.Revision)
	}
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return 0, ErrContended
		}
		return 0, fmt.Errorf("write lease: %w", err)
	}

	next.Revision = rev
	f.lease = &next
	f.held.Store(true)
	f.logger.Info("took fencing lease", "epoch", next.Epoch, "revision", rev)

	if f.stopCh == nil {
		f.stopCh = make(chan struct{})
		f.wg.Add(1)
		go f.renewLoop(f.stopCh)
	}
	return next.Epoch, nil
}

// Release gives the lease up by expiring it now. The epoch is kept.
func (f *Fence) Release(ctx context.Context) error {
	f.mu.Lock()
	lease := f.lease
	kv := f.kv
	f.mu.Unlock()

	if lease == nil {
		return ErrNotHeld
	}

	released := *lease
	released.ExpiresAt = f.now()
	data, err := json.Marshal(&released)
	if err != nil {
		return fmt.Errorf("marshal lease: %w", err)
	}
	f.Stop()

	if _, err := kv.Update(ctx, leaseKey, data, lease.Revision); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	f.logger.Info("released fencing lease", "epoch", lease.Epoch)
	return nil
}

func (f *Fence) renewLoop(stop chan struct{}) {
	defer f.wg.Done()

	ticker := time.NewTicker(f.cfg.RenewEvery)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), f.cfg.RenewEvery)
			err := f.renew(ctx)
			cancel()
			if err != nil && !errors.Is(err, ErrNotHeld) {
				f.logger.Warn("failed to renew fencing lease", "error", err)
			}
		}
	}
}

// renew extends the held lease. The KV round trips run without mu; the
// result is only applied if the lease was not replaced meanwhile.
func (f *Fence) renew(ctx context.Context) error {
	f.mu.Lock()
	held, kv := f.lease, f.kv
	f.mu.Unlock()
	if held == nil {
		return ErrNotHeld
	}

	cur, err := getLease(ctx, kv)
	if err != nil {
		// A transient KV error is retried until the lease itself expires.
		if held.Expired(f.now()) {
			f.lose(held)
		}
		return fmt.Errorf("get lease for renewal: %w", err)
	}
	if cur == nil || cur.Epoch != held.Epoch || cur.Node != f.cfg.Node {
		f.lose(held)
		return ErrEpochMismatch
	}

	renewed := *cur
	renewed.ExpiresAt = f.now().Add(f.cfg.LeaseTTL)
	data, err := json.Marshal(&renewed)
	if err != nil {
		return fmt.Errorf("marshal lease: %w", err)
	}
	rev, err := kv.Update(ctx, leaseKey, data, cur.Revision)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lease != held {
		return ErrNotHeld
	}
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			f.loseLocked()
			return ErrEpochMismatch
		}
		return fmt.Errorf("update lease: %w", err)
	}

	renewed.Revision = rev
	f.lease = &renewed
	f.logger.Debug("renewed fencing lease", "epoch", renewed.Epoch, "revision", rev)
	return nil
}

// lose drops the lease if it is still the one the caller looked at.
func (f *Fence) lose(seen *Lease) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lease == seen {
		f.loseLocked()
	}
}

// loseLocked drops the lease. Must be called with mu held.
func (f *Fence) loseLocked() {
	if f.lease == nil {
		return
	}
	epoch := f.lease.Epoch
	f.lease = nil
	f.held.Store(false)
	f.logger.Warn("lost fencing lease", "epoch", epoch)
	if f.onLost != nil {
		go f.onLost(epoch)
	}
}

func getLease(ctx context.Context, kv jetstream.KeyValue) (*Lease, error) {
	entry, err := kv.Get(ctx, leaseKey)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var l Lease
	if err := json.Unmarshal(entry.Value(), &l); err != nil {
		return nil, fmt.Errorf("unmarshal lease: %w", err)
	}
	l.Revision = entry.Revision()
	return &l, nil
}
