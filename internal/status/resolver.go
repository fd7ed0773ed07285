// Package status resolves the failover status of the local controller and
// the reasons failover is not functional, with change notification.
package status

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ozanturksever/failover-manager/internal/ha"
	"github.com/ozanturksever/failover-manager/internal/peer"
)

// Default cache lifetimes.
const (
	DefaultCacheTTL       = 300 * time.Second
	DefaultPeerCacheTTL   = 2 * time.Second
	DefaultResolveTimeout = 15 * time.Second
)

// LocalProbe reports a definitive status when the local controller alone
// can decide it (single node, electing, importing, pools imported here).
// ok is false when the peer must be consulted.
type LocalProbe func(ctx context.Context) (s ha.Status, ok bool)

// PoolSource returns the runtime pool states of the other controller.
type PoolSource interface {
	Pools(ctx context.Context) ([]ha.Pool, error)
}

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	CacheTTL     time.Duration
	PeerCacheTTL time.Duration
	// ResolveTimeout bounds one shared resolution. It is independent of
	// any caller's context.
	ResolveTimeout time.Duration
	Logger         *slog.Logger
}

// Resolver computes and caches the local failover status.
type Resolver struct {
	local  LocalProbe
	peer   PoolSource
	cfg    ResolverConfig
	logger *slog.Logger
	now    func() time.Time

	flight singleflight.Group

	mu      sync.Mutex
	cached  ha.Status
	expires time.Time
	gen     uint64

	notifyMu sync.Mutex
	last     ha.Status
	subs     []func(ha.Status)
}

// NewResolver creates a resolver. local may be nil, in which case every
// miss consults the peer.
func NewResolver(local LocalProbe, peerPools PoolSource, cfg ResolverConfig) *Resolver {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.PeerCacheTTL <= 0 {
		cfg.PeerCacheTTL = DefaultPeerCacheTTL
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = DefaultResolveTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		local:  local,
		peer:   peerPools,
		cfg:    cfg,
		logger: logger.With("component", "status"),
		now:    time.Now,
	}
}

// OnChange registers fn to be called with every newly observed status.
// Callbacks run synchronously in the goroutine that observed the change.
func (r *Resolver) OnChange(fn func(ha.Status)) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	r.subs = append(r.subs, fn)
}

// Invalidate drops the cached status so the next Status call recomputes it.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cached = ""
	r.expires = time.Time{}
	r.gen++
}

// Status returns the cached status or resolves a fresh one. It never fails;
// a peer that cannot be asked yields UNKNOWN. Concurrent callers share one
// resolution, which runs detached from their contexts; a caller whose own
// context ends first gets UNKNOWN without affecting the others.
func (r *Resolver) Status(ctx context.Context) ha.Status {
	r.mu.Lock()
	if r.cached != "" && r.now().Before(r.expires) {
		s := r.cached
		r.mu.Unlock()
		r.observe(s)
		return s
	}
	gen := r.gen
	r.mu.Unlock()

	ch := r.flight.DoChan(strconv.FormatUint(gen, 10), func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.ResolveTimeout)
		defer cancel()
		s, ttl := r.resolve(rctx)
		if ttl > 0 {
			r.mu.Lock()
			if r.gen == gen {
				r.cached = s
				r.expires = r.now().Add(ttl)
			}
			r.mu.Unlock()
		}
		return s, nil
	})

	select {
	case res := <-ch:
		s := res.Val.(ha.Status)
		r.observe(s)
		return s
	case <-ctx.Done():
		return ha.StatusUnknown
	}
}

// resolve runs the resolution protocol and returns the status together with
// how long it may be cached. No lock is held here.
func (r *Resolver) resolve(ctx context.Context) (ha.Status, time.Duration) {
	if r.local != nil {
		if s, ok := r.local(ctx); ok {
			return s, r.cfg.CacheTTL
		}
	}

	if r.peer == nil {
		return ha.StatusUnknown, 0
	}

	pools, err := r.peer.Pools(ctx)
	if err != nil {
		if !peer.IsUnreachable(err) {
			r.logger.Warn("failed checking failover status", "error", err)
		}
		return ha.StatusUnknown, 0
	}

	if ha.AnyImported(pools) {
		return ha.StatusBackup, r.cfg.PeerCacheTTL
	}
	// The peer answers but serves nothing. This is kept as ERROR even though
	// a peer that is still booting looks the same.
	return ha.StatusError, r.cfg.PeerCacheTTL
}

func (r *Resolver) observe(s ha.Status) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	if s == r.last {
		return
	}
	r.last = s
	for _, fn := range r.subs {
		fn(s)
	}
}
