// Package failover is the failover controller of one storage controller:
// it resolves status, forces this node active behind a fencing lease,
// applies administrative changes and keeps the peer's configuration in
// sync. Daemon composes it with the rest of the process.
package failover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/ozanturksever/failover-manager/internal/datastore"
	"github.com/ozanturksever/failover-manager/internal/fence"
	"github.com/ozanturksever/failover-manager/internal/ha"
	"github.com/ozanturksever/failover-manager/internal/keystore"
	"github.com/ozanturksever/failover-manager/internal/peer"
	"github.com/ozanturksever/failover-manager/internal/status"
)

var (
	// ErrFencingFailed means the fencing lease could not be taken. The
	// request is aborted without touching pools or VIPs.
	ErrFencingFailed = errors.New("fencing failed")
	// ErrManualMode is returned when a master node is requested while the
	// chassis slot is MANUAL.
	ErrManualMode = errors.New("master node cannot be chosen in MANUAL mode")
	// ErrNoCriticalInterface rejects enabling failover without a critical
	// interface to track.
	ErrNoCriticalInterface = errors.New("failover requires at least one critical interface")
	// ErrUnknownAction rejects control actions other than ENABLE and DISABLE.
	ErrUnknownAction = errors.New("unknown control action")
)

// Store is the configuration database.
type Store interface {
	FailoverSettings(ctx context.Context) (datastore.Settings, error)
	SaveFailoverSettings(ctx context.Context, s datastore.Settings) error
	CriticalInterfaceNames(ctx context.Context) ([]string, error)
	Volumes(ctx context.Context) ([]string, error)
	ConfiguredPools(ctx context.Context) (int, error)
	VirtualInterfaces(ctx context.Context) (int, error)
	CriticalInterfaces(ctx context.Context) (int, error)
	FailoverDisabled(ctx context.Context) (bool, error)
	ApplyStatement(ctx context.Context, st ha.Statement) error
	Snapshot(ctx context.Context, dst string) error
	Restore(ctx context.Context, src string) error
}

// Pools reads runtime pool and disk state.
type Pools interface {
	Imported(ctx context.Context) ([]ha.Pool, error)
	Pools(ctx context.Context, configured []string) ([]ha.Pool, error)
	Disks(ctx context.Context) ([]ha.Disk, error)
}

// Fencer guards force-active with a lease.
type Fencer interface {
	Force(ctx context.Context) (int64, error)
	Held() bool
	Current(ctx context.Context) (*fence.Lease, error)
}

// VIPs manages the virtual addresses of this controller.
type VIPs interface {
	Interfaces() []string
	States(ctx context.Context) map[string]ha.VIPState
	AcquireInterface(ctx context.Context, iface string) error
}

// Service is the role-aware supervising service.
type Service interface {
	Restart(ctx context.Context) error
}

// Peer is the link to the other controller.
type Peer interface {
	status.PeerConditions
	Pools(ctx context.Context) ([]ha.Pool, error)
	ForceMaster(ctx context.Context) (bool, error)
	ReceiveDatabase(ctx context.Context, object string) error
	RestartService(ctx context.Context) error
}

// Keys is the passphrase store.
type Keys interface {
	UpsertMany(ctx context.Context, k keystore.Keys, push bool) error
	RemoveMany(ctx context.Context, n keystore.Names, push bool) error
	SetKMIPKeys(ctx context.Context, keys map[string]string, push bool)
	SyncToPeer(ctx context.Context) error
	Replace(b ha.KeyBundle)
	ReplaceKMIP(keys map[string]string)
}

// Transferrer moves database snapshots between controllers.
type Transferrer interface {
	Put(ctx context.Context, path string) (string, error)
	Fetch(ctx context.Context, object, dir string) (string, error)
}

// Config configures a Controller.
type Config struct {
	ClusterID    string
	Node         ha.Node
	Licensed     bool
	CacheTTL     time.Duration
	PeerCacheTTL time.Duration
	// TempDir holds database snapshots in flight. Defaults to os.TempDir.
	TempDir string
	Logger  *slog.Logger
}

// Deps are the collaborators of a Controller.
type Deps struct {
	Store    Store
	Pools    Pools
	Fence    Fencer
	VIPs     VIPs
	Service  Service
	Peer     Peer
	Keys     Keys
	Transfer Transferrer
}

// Controller implements the failover operations of one controller.
type Controller struct {
	cfg Config
	Deps
	logger *slog.Logger

	resolver *status.Resolver
	reasons  *status.Reasons

	// transition serializes force-active so concurrent requests cannot
	// both pass the MASTER check.
	transition sync.Mutex

	mu    sync.Mutex
	phase ha.Status
}

// New creates a controller.
func New(cfg Config, deps Deps) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		cfg:    cfg,
		Deps:   deps,
		logger: logger.With("component", "failover"),
	}
	c.resolver = status.NewResolver(c.localStatus, deps.Peer, status.ResolverConfig{
		CacheTTL:     cfg.CacheTTL,
		PeerCacheTTL: cfg.PeerCacheTTL,
		Logger:       logger,
	})
	c.reasons = status.NewReasons(&localConditions{store: deps.Store, vips: deps.VIPs, pools: deps.Pools}, deps.Peer, logger)
	return c
}

// OnStatusChange registers fn for status changes.
func (c *Controller) OnStatusChange(fn func(ha.Status)) {
	c.resolver.OnChange(fn)
}

// OnReasonsChange registers fn for disabled reason changes.
func (c *Controller) OnReasonsChange(fn func([]ha.Reason)) {
	c.reasons.OnChange(fn)
}

// Node returns the chassis slot of this controller.
func (c *Controller) Node() ha.Node {
	return c.cfg.Node
}

// Licensed reports whether this system is licensed for failover.
func (c *Controller) Licensed() bool {
	return c.cfg.Licensed
}

// Status returns the failover status of this controller.
func (c *Controller) Status(ctx context.Context) ha.Status {
	return c.resolver.Status(ctx)
}

// Invalidate drops the cached status.
func (c *Controller) Invalidate() {
	c.resolver.Invalidate()
}

// StatusRefresh drops the cached status and recomputes status and disabled
// reasons, notifying subscribers of any change.
func (c *Controller) StatusRefresh(ctx context.Context) ha.Status {
	c.resolver.Invalidate()
	s := c.resolver.Status(ctx)
	if _, err := c.reasons.Current(ctx); err != nil {
		c.logger.Warn("failed to refresh disabled reasons", "error", err)
	}
	return s
}

// DisabledReasons returns why failover is not functional. An empty list
// means failover works.
func (c *Controller) DisabledReasons(ctx context.Context) ([]ha.Reason, error) {
	return c.reasons.Current(ctx)
}

// IsBackupNode reports whether this controller is the standby.
func (c *Controller) IsBackupNode(ctx context.Context) bool {
	return c.Status(ctx) == ha.StatusBackup
}

// MasterNode maps "this node should be master" to a chassis slot.
func (c *Controller) MasterNode(master bool) (ha.Node, error) {
	if c.cfg.Node == ha.NodeManual {
		return "", ErrManualMode
	}
	if master {
		return c.cfg.Node, nil
	}
	return c.cfg.Node.Other()
}

// localStatus decides the status without asking the peer when it can.
func (c *Controller) localStatus(ctx context.Context) (ha.Status, bool) {
	if !c.cfg.Licensed {
		return ha.StatusSingle, true
	}
	if p := c.currentPhase(); p != "" {
		return p, true
	}
	if c.Fence.Held() {
		return ha.StatusMaster, true
	}

	volumes, err := c.Store.Volumes(ctx)
	if err != nil {
		c.logger.Warn("failed to read configured volumes", "error", err)
		return "", false
	}
	if len(volumes) == 0 {
		return "", false
	}
	imported, err := c.Pools.Imported(ctx)
	if err != nil {
		c.logger.Warn("failed to read imported pools", "error", err)
		return "", false
	}
	for _, p := range imported {
		if slices.Contains(volumes, p.Name) {
			return ha.StatusMaster, true
		}
	}
	return "", false
}

func (c *Controller) currentPhase() ha.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Controller) setPhase(s ha.Status) {
	c.mu.Lock()
	c.phase = s
	c.mu.Unlock()
	c.resolver.Invalidate()
}

// ForceMaster makes this controller active. It returns false without doing
// anything when the controller already is MASTER. Fencing comes first; if
// the lease cannot be taken nothing else is touched.
func (c *Controller) ForceMaster(ctx context.Context) (bool, error) {
	c.transition.Lock()
	defer c.transition.Unlock()

	if c.Status(ctx) == ha.StatusMaster {
		c.logger.Info("force master ignored, already MASTER")
		return false, nil
	}

	c.setPhase(ha.StatusElecting)
	epoch, err := c.Fence.Force(ctx)
	if err != nil {
		c.setPhase("")
		c.logger.Error("fencing failed, not taking over", "error", err)
		return false, fmt.Errorf("%w: %w", ErrFencingFailed, err)
	}
	c.logger.Info("fencing lease taken", "epoch", epoch)

	c.setPhase(ha.StatusImporting)
	defer c.setPhase("")

	iface, err := c.takeoverInterface(ctx)
	if err != nil {
		return false, err
	}
	if iface == "" {
		c.logger.Warn("no critical interface with a virtual address to take over")
		return true, nil
	}
	if err := c.VIPs.AcquireInterface(ctx, iface); err != nil {
		return false, fmt.Errorf("take over %s: %w", iface, err)
	}
	c.logger.Info("took over critical interface", "interface", iface, "epoch", epoch)
	return true, nil
}

// takeoverInterface returns the first critical interface that carries a
// virtual address, or "" when there is none.
func (c *Controller) takeoverInterface(ctx context.Context) (string, error) {
	critical, err := c.Store.CriticalInterfaceNames(ctx)
	if err != nil {
		return "", fmt.Errorf("read critical interfaces: %w", err)
	}
	known := c.VIPs.Interfaces()
	for _, name := range critical {
		if slices.Contains(known, name) {
			return name, nil
		}
	}
	return "", nil
}

// MasterChoice selects how Update changes the designated master.
type MasterChoice int

const (
	// MasterUnchanged keeps the stored master node.
	MasterUnchanged MasterChoice = iota
	// MasterThisNode stores this controller's slot as is, MANUAL included.
	MasterThisNode
	// MasterLocal designates this controller.
	MasterLocal
	// MasterRemote designates the other controller.
	MasterRemote
)

// UpdateRequest changes failover settings. Nil fields are left unchanged.
type UpdateRequest struct {
	Disabled *bool
	Timeout  *int
	Master   MasterChoice
}

// Update changes the failover settings, restarts the supervising service
// and, when failover ends up disabled, forces the designated master active.
func (c *Controller) Update(ctx context.Context, req UpdateRequest) (datastore.Settings, error) {
	cur, err := c.Store.FailoverSettings(ctx)
	if err != nil {
		return datastore.Settings{}, err
	}

	next := cur
	if req.Disabled != nil {
		next.Disabled = *req.Disabled
	}
	if req.Timeout != nil {
		next.Timeout = *req.Timeout
	}
	switch req.Master {
	case MasterThisNode:
		next.MasterNode = c.cfg.Node
	case MasterLocal, MasterRemote:
		if next.MasterNode, err = c.MasterNode(req.Master == MasterLocal); err != nil {
			return datastore.Settings{}, err
		}
	}

	if !next.Disabled {
		n, err := c.Store.CriticalInterfaces(ctx)
		if err != nil {
			return datastore.Settings{}, err
		}
		if n == 0 {
			return datastore.Settings{}, ErrNoCriticalInterface
		}
	}

	if err := c.apply(ctx, next); err != nil {
		return datastore.Settings{}, err
	}

	if next.Disabled {
		if err := c.forceDesignated(ctx, next.MasterNode); err != nil {
			return next, err
		}
	}
	return next, nil
}

func (c *Controller) forceDesignated(ctx context.Context, master ha.Node) error {
	if master == c.cfg.Node {
		_, err := c.ForceMaster(ctx)
		return err
	}
	if _, err := c.Peer.ForceMaster(ctx); err != nil {
		return fmt.Errorf("force master on %s: %w", master, err)
	}
	return nil
}

// apply persists settings and restarts the supervising service so it picks
// up the new role.
func (c *Controller) apply(ctx context.Context, s datastore.Settings) error {
	if err := c.Store.SaveFailoverSettings(ctx, s); err != nil {
		return err
	}
	c.resolver.Invalidate()
	if err := c.Service.Restart(ctx); err != nil {
		return err
	}
	c.logger.Info("failover settings updated", "disabled", s.Disabled, "master", s.MasterNode, "timeout", s.Timeout)
	return nil
}

// Control enables or disables failover. It returns false when failover is
// already in the requested state. When disabling, active names this
// controller as the one that stays in service.
func (c *Controller) Control(ctx context.Context, action string, active bool) (bool, error) {
	cur, err := c.Store.FailoverSettings(ctx)
	if err != nil {
		return false, err
	}

	next := cur
	switch action {
	case peer.ActionEnable:
		if !cur.Disabled {
			return false, nil
		}
		next.Disabled = false
		if next.MasterNode, err = c.MasterNode(false); err != nil {
			return false, err
		}
	case peer.ActionDisable:
		if cur.Disabled {
			return false, nil
		}
		next.Disabled = true
		if next.MasterNode, err = c.MasterNode(active); err != nil {
			return false, err
		}
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}

	if err := c.apply(ctx, next); err != nil {
		return false, err
	}
	return true, nil
}

// Unlock stores the given passphrases, pushing them to the peer, then
// forces this controller active.
func (c *Controller) Unlock(ctx context.Context, pools, datasets map[string]string) (bool, error) {
	if len(pools) > 0 || len(datasets) > 0 {
		if err := c.Keys.UpsertMany(ctx, keystore.Keys{Pools: pools, Datasets: datasets}, true); err != nil {
			return false, fmt.Errorf("store passphrases: %w", err)
		}
	}
	return c.ForceMaster(ctx)
}

// SyncToPeer replaces the peer's configuration database with a snapshot of
// this one, pushes the passphrases and restarts the peer's supervising
// service. Taking the snapshot resets the replication journal.
func (c *Controller) SyncToPeer(ctx context.Context) error {
	dir, err := os.MkdirTemp(c.tempDir(), "failover-sync-")
	if err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	defer os.RemoveAll(dir)

	snapshot := filepath.Join(dir, "database.db")
	if err := c.Store.Snapshot(ctx, snapshot); err != nil {
		return err
	}
	object, err := c.Transfer.Put(ctx, snapshot)
	if err != nil {
		return err
	}
	if err := c.Peer.ReceiveDatabase(ctx, object); err != nil {
		return fmt.Errorf("peer receive database: %w", err)
	}
	c.logger.Info("database sent to peer", "object", object)

	if err := c.Keys.SyncToPeer(ctx); err != nil {
		c.logger.Warn("failed to sync passphrases to peer", "error", err)
	}
	if err := c.Peer.RestartService(ctx); err != nil {
		return fmt.Errorf("restart peer service: %w", err)
	}
	return nil
}

// ReceiveDatabase installs a snapshot the peer put into the object store.
func (c *Controller) ReceiveDatabase(ctx context.Context, object string) error {
	dir, err := os.MkdirTemp(c.tempDir(), "failover-recv-")
	if err != nil {
		return fmt.Errorf("create receive dir: %w", err)
	}
	defer os.RemoveAll(dir)

	path, err := c.Transfer.Fetch(ctx, object, dir)
	if err != nil {
		return err
	}
	if err := c.Store.Restore(ctx, path); err != nil {
		return err
	}
	c.resolver.Invalidate()
	c.logger.Info("database received from peer", "object", object)
	return nil
}

func (c *Controller) tempDir() string {
	if c.cfg.TempDir != "" {
		return c.cfg.TempDir
	}
	return os.TempDir()
}
