package failover

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ozanturksever/failover-manager/internal/ha"
	"github.com/ozanturksever/failover-manager/internal/journal"
	"github.com/ozanturksever/failover-manager/internal/keystore"
	"github.com/ozanturksever/failover-manager/internal/peer"
)

// Handler answers peer and administrative requests on behalf of a
// Controller.
type Handler struct {
	c     *Controller
	stats func() journal.Stats
	ready atomic.Bool
}

var _ peer.Handler = (*Handler)(nil)

// NewHandler creates a handler. stats may be nil when no journal driver
// runs in this process.
func NewHandler(c *Controller, stats func() journal.Stats) *Handler {
	return &Handler{c: c, stats: stats}
}

// SetReady marks the system as ready to take part in failover.
func (h *Handler) SetReady(ready bool) {
	h.ready.Store(ready)
}

func (h *Handler) SystemReady(context.Context) (bool, error) {
	return h.ready.Load(), nil
}

func (h *Handler) Licensed(context.Context) (bool, error) {
	return h.c.Licensed(), nil
}

func (h *Handler) Pools(ctx context.Context) ([]ha.Pool, error) {
	volumes, err := h.c.Store.Volumes(ctx)
	if err != nil {
		return nil, err
	}
	return h.c.Pools.Pools(ctx, volumes)
}

func (h *Handler) ApplyStatement(ctx context.Context, st ha.Statement) error {
	return h.c.Store.ApplyStatement(ctx, st)
}

func (h *Handler) InstallKeys(_ context.Context, bundle ha.KeyBundle) error {
	h.c.Keys.Replace(bundle)
	return nil
}

func (h *Handler) InstallKMIPKeys(_ context.Context, keys map[string]string) error {
	h.c.Keys.ReplaceKMIP(keys)
	return nil
}

func (h *Handler) VIPStates(ctx context.Context) (map[string]ha.VIPState, error) {
	return h.c.VIPs.States(ctx), nil
}

func (h *Handler) Disks(ctx context.Context) ([]ha.Disk, error) {
	return h.c.Pools.Disks(ctx)
}

func (h *Handler) ForceMaster(ctx context.Context) (bool, error) {
	return h.c.ForceMaster(ctx)
}

func (h *Handler) ReceiveDatabase(ctx context.Context, object string) error {
	return h.c.ReceiveDatabase(ctx, object)
}

func (h *Handler) RestartService(ctx context.Context) error {
	return h.c.Service.Restart(ctx)
}

// Report builds the administrative status of this controller.
func (h *Handler) Report(ctx context.Context) (peer.StatusReport, error) {
	r := peer.StatusReport{
		ClusterID: h.c.cfg.ClusterID,
		Node:      h.c.Node(),
		Status:    h.c.Status(ctx),
		Licensed:  h.c.Licensed(),
		Timestamp: time.Now().UnixMilli(),
	}

	reasons, err := h.c.DisabledReasons(ctx)
	if err != nil {
		return r, err
	}
	r.Reasons = reasons

	disabled, err := h.c.Store.FailoverDisabled(ctx)
	if err != nil {
		return r, err
	}
	r.Disabled = disabled

	if h.stats != nil {
		st := h.stats()
		r.JournalPending = st.Pending + st.Queued
		r.LastFlushError = st.LastError
	}

	if lease, err := h.c.Fence.Current(ctx); err != nil {
		h.c.logger.Debug("fencing lease unavailable", "error", err)
	} else if lease != nil {
		r.FenceHolder = lease.Node
		r.FenceEpoch = lease.Epoch
	}
	return r, nil
}

func (h *Handler) Reasons(ctx context.Context) ([]ha.Reason, error) {
	return h.c.DisabledReasons(ctx)
}

func (h *Handler) Control(ctx context.Context, req peer.ControlRequest) (bool, error) {
	return h.c.Control(ctx, req.Action, req.Active)
}

func (h *Handler) Unlock(ctx context.Context, req peer.UnlockRequest) (bool, error) {
	return h.c.Unlock(ctx, req.Pools, req.Datasets)
}

func (h *Handler) Update(ctx context.Context, req peer.UpdateRequest) (peer.Settings, error) {
	var master MasterChoice
	switch req.Master {
	case peer.MasterUnchanged:
		master = MasterUnchanged
	case peer.MasterThisNode:
		master = MasterThisNode
	case peer.MasterLocal:
		master = MasterLocal
	case peer.MasterRemote:
		master = MasterRemote
	default:
		return peer.Settings{}, fmt.Errorf("unknown master choice %q", req.Master)
	}

	s, err := h.c.Update(ctx, UpdateRequest{Disabled: req.Disabled, Timeout: req.Timeout, Master: master})
	if err != nil {
		return peer.Settings{}, err
	}
	return peer.Settings{Disabled: s.Disabled, MasterNode: s.MasterNode, Timeout: s.Timeout}, nil
}

func (h *Handler) UpdateKeys(ctx context.Context, req peer.KeysRequest) error {
	var k keystore.Keys
	switch req.Kind {
	case ha.KeyKindPool:
		k.Pools = req.Keys
	case ha.KeyKindDataset:
		k.Datasets = req.Keys
	case ha.KeyKindKMIP:
		h.c.Keys.SetKMIPKeys(ctx, req.Keys, req.Sync)
		return nil
	default:
		return fmt.Errorf("unknown key kind %q", req.Kind)
	}
	return h.c.Keys.UpsertMany(ctx, k, req.Sync)
}

func (h *Handler) RemoveKeys(ctx context.Context, req peer.KeysRequest) error {
	var n keystore.Names
	switch req.Kind {
	case ha.KeyKindPool:
		n.Pools = req.Names
	case ha.KeyKindDataset:
		n.Datasets = req.Names
	default:
		return fmt.Errorf("unknown key kind %q", req.Kind)
	}
	return h.c.Keys.RemoveMany(ctx, n, req.Sync)
}

func (h *Handler) SyncToPeer(ctx context.Context) error {
	return h.c.SyncToPeer(ctx)
}
