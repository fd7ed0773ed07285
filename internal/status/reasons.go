package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/ozanturksever/failover-manager/internal/ha"
)

// errNotConnected stands in for a peer link that is known to be down before
// any request is made.
var errNotConnected = errors.New("peer not connected")

// LocalConditions exposes what the local controller knows about itself.
type LocalConditions interface {
	ConfiguredPools(ctx context.Context) (int, error)
	VirtualInterfaces(ctx context.Context) (int, error)
	CriticalInterfaces(ctx context.Context) (int, error)
	FailoverDisabled(ctx context.Context) (bool, error)
	VIPStates(ctx context.Context) (map[string]ha.VIPState, error)
	Disks(ctx context.Context) ([]ha.Disk, error)
}

// PeerConditions is the part of the peer link the reasons need.
type PeerConditions interface {
	Connected() bool
	SystemReady(ctx context.Context) (bool, error)
	Licensed(ctx context.Context) (bool, error)
	VIPStates(ctx context.Context) (map[string]ha.VIPState, error)
	Disks(ctx context.Context) ([]ha.Disk, error)
}

// Reasons computes why failover is not functional.
type Reasons struct {
	local  LocalConditions
	peer   PeerConditions
	logger *slog.Logger

	mu   sync.Mutex
	seen bool
	last []ha.Reason
	subs []func([]ha.Reason)
}

// NewReasons creates an evaluator.
func NewReasons(local LocalConditions, peerConds PeerConditions, logger *slog.Logger) *Reasons {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reasons{
		local:  local,
		peer:   peerConds,
		logger: logger.With("component", "reasons"),
	}
}

// OnChange registers fn to be called whenever the reason set changes.
func (r *Reasons) OnChange(fn func([]ha.Reason)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, fn)
}

// Current evaluates the reasons and notifies subscribers when the set
// differs from the previous evaluation.
func (r *Reasons) Current(ctx context.Context) ([]ha.Reason, error) {
	reasons, err := r.Evaluate(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen && ha.SameReasons(r.last, reasons) {
		return reasons, nil
	}
	r.seen = true
	r.last = slices.Clone(reasons)
	for _, fn := range r.subs {
		fn(slices.Clone(reasons))
	}
	return reasons, nil
}

// Evaluate computes the reasons without touching notification state.
// Errors are only returned for local lookups outside the peer section.
func (r *Reasons) Evaluate(ctx context.Context) ([]ha.Reason, error) {
	reasons := []ha.Reason{}

	pools, err := r.local.ConfiguredPools(ctx)
	if err != nil {
		return nil, fmt.Errorf("query pools: %w", err)
	}
	if pools == 0 {
		reasons = append(reasons, ha.ReasonNoVolume)
	}

	vips, err := r.local.VirtualInterfaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("query interfaces: %w", err)
	}
	if vips == 0 {
		reasons = append(reasons, ha.ReasonNoVIP)
	}

	peerReasons, err := r.peerReasons(ctx)
	if err != nil {
		r.logger.Debug("peer checks failed", "error", err)
		reasons = append(reasons, ha.ReasonNoPong)
	} else {
		reasons = append(reasons, peerReasons...)
	}

	disabled, err := r.local.FailoverDisabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("query failover config: %w", err)
	}
	if disabled {
		reasons = append(reasons, ha.ReasonNoFailover)
	}

	return reasons, nil
}

// peerReasons runs the checks that only make sense with a reachable peer.
// Any failure voids the whole section.
func (r *Reasons) peerReasons(ctx context.Context) ([]ha.Reason, error) {
	if r.peer == nil || !r.peer.Connected() {
		return nil, errNotConnected
	}

	var reasons []ha.Reason

	ready, err := r.peer.SystemReady(ctx)
	if err != nil {
		return nil, err
	}
	if !ready {
		reasons = append(reasons, ha.ReasonNoSystemReady)
	}

	licensed, err := r.peer.Licensed(ctx)
	if err != nil {
		return nil, err
	}
	if !licensed {
		reasons = append(reasons, ha.ReasonNoLicense)
	}

	localStates, err := r.local.VIPStates(ctx)
	if err != nil {
		return nil, err
	}
	remoteStates, err := r.peer.VIPStates(ctx)
	if err != nil {
		return nil, err
	}
	if ha.VIPStatesDisagree(localStates, remoteStates) {
		reasons = append(reasons, ha.ReasonDisagreeCARP)
	}

	localDisks, err := r.local.Disks(ctx)
	if err != nil {
		return nil, err
	}
	remoteDisks, err := r.peer.Disks(ctx)
	if err != nil {
		return nil, err
	}
	if mm := ha.CompareDisks(localDisks, remoteDisks); !mm.Empty() {
		r.logger.Debug("disk mismatch", "missing_local", mm.MissingLocal, "missing_remote", mm.MissingRemote)
		reasons = append(reasons, ha.ReasonMismatchDisks)
	}

	critical, err := r.local.CriticalInterfaces(ctx)
	if err != nil {
		return nil, err
	}
	if critical == 0 {
		reasons = append(reasons, ha.ReasonNoCriticalInterfaces)
	}

	return reasons, nil
}
