package failover

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/ozanturksever/failover-manager/internal/alert"
	"github.com/ozanturksever/failover-manager/internal/config"
	"github.com/ozanturksever/failover-manager/internal/datastore"
	"github.com/ozanturksever/failover-manager/internal/event"
	"github.com/ozanturksever/failover-manager/internal/fence"
	"github.com/ozanturksever/failover-manager/internal/journal"
	"github.com/ozanturksever/failover-manager/internal/keystore"
	"github.com/ozanturksever/failover-manager/internal/natsutil"
	"github.com/ozanturksever/failover-manager/internal/peer"
	"github.com/ozanturksever/failover-manager/internal/pool"
	"github.com/ozanturksever/failover-manager/internal/svcctl"
	"github.com/ozanturksever/failover-manager/internal/vip"
)

// ReasonsInterval is how often the daemon re-evaluates disabled reasons so
// subscribers see changes the status cache would hide.
const ReasonsInterval = 30 * time.Second

// ShutdownReleaseTimeout bounds giving the fencing lease back on exit.
const ShutdownReleaseTimeout = 5 * time.Second

// Daemon composes the failover controller with its transport, storage,
// journal driver and peer service into one long-running process.
type Daemon struct {
	cfg     *config.Config
	version string
	base    *slog.Logger
	logger  *slog.Logger

	exec *systemExecutor

	ctxMu      sync.RWMutex
	ctx        context.Context
	controller *Controller
}

// systemExecutor is an os/exec-backed implementation that satisfies the
// executors of vip, pool and svcctl.
type systemExecutor struct{}

func (e *systemExecutor) Execute(ctx context.Context, cmd string, args ...string) (string, error) {
	c := exec.CommandContext(ctx, cmd, args...)
	out, err := c.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// NewDaemon constructs a Daemon from the validated configuration.
func NewDaemon(cfg *config.Config, version string) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	base := slog.Default().With("cluster", cfg.ClusterID, "node", cfg.Node)
	return &Daemon{
		cfg:     cfg,
		version: version,
		base:    base,
		logger:  base.With("component", "daemon"),
		exec:    &systemExecutor{},
	}, nil
}

func (d *Daemon) setCtx(ctx context.Context) {
	d.ctxMu.Lock()
	defer d.ctxMu.Unlock()
	d.ctx = ctx
}

func (d *Daemon) setController(c *Controller) {
	d.ctxMu.Lock()
	defer d.ctxMu.Unlock()
	d.controller = c
}

// refresh recomputes status after the NATS link changed. Before the
// controller exists there is nothing to refresh.
func (d *Daemon) refresh() {
	d.ctxMu.RLock()
	c, ctx := d.controller, d.ctx
	d.ctxMu.RUnlock()
	if c == nil || ctx == nil {
		return
	}
	c.StatusRefresh(ctx)
}

// Run starts every component and blocks until ctx is cancelled or a
// component fails.
func (d *Daemon) Run(ctx context.Context) error {
	d.setCtx(ctx)
	defer d.setCtx(nil)
	defer d.setController(nil)

	d.logger.Info("daemon starting")

	nc, err := natsutil.Connect(natsutil.ConnectOptions{
		URLs:         d.cfg.NATS.Servers,
		Credentials:  d.cfg.NATS.Credentials,
		ClusterID:    d.cfg.ClusterID,
		Node:         d.cfg.Node,
		Role:         natsutil.RoleDaemon,
		Logger:       d.base,
		OnReconnect:  func(*nats.Conn) { go d.refresh() },
		OnDisconnect: func(*nats.Conn, error) { go d.refresh() },
	})
	if err != nil {
		return err
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}

	alerts, err := alert.NewManager(js, alert.Config{ClusterID: d.cfg.ClusterID, Node: d.cfg.Node})
	if err != nil {
		return err
	}
	if err := alerts.Start(ctx); err != nil {
		return fmt.Errorf("start alerts: %w", err)
	}

	lease, err := fence.New(js, fence.Config{
		ClusterID:  d.cfg.ClusterID,
		Node:       d.cfg.Node,
		LeaseTTL:   d.cfg.Fence.LeaseTTL,
		RenewEvery: d.cfg.Fence.RenewEvery,
	})
	if err != nil {
		return err
	}
	if err := lease.Start(ctx); err != nil {
		return fmt.Errorf("start fence: %w", err)
	}
	defer func() {
		if !lease.Held() {
			lease.Stop()
			return
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownReleaseTimeout)
		defer cancel()
		if err := lease.Release(rctx); err != nil {
			d.logger.Warn("failed to release fencing lease", "error", err)
		}
	}()

	vips, err := d.vipSet()
	if err != nil {
		return err
	}
	svc, err := svcctl.NewController(d.cfg.Service.Name, d.exec)
	if err != nil {
		return err
	}

	queue := journal.NewQueue()
	store, err := datastore.Open(ctx, d.cfg.Datastore.Path, queue)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := d.seed(ctx, store, vips); err != nil {
		return err
	}

	link := peer.NewClient(nc, d.cfg.ClusterID, d.cfg.PeerNode, d.cfg.Status.PeerTimeout)
	keys := keystore.New(link, alerts, func() bool { return d.cfg.Licensed }, d.base)

	c := New(Config{
		ClusterID:    d.cfg.ClusterID,
		Node:         d.cfg.Node,
		Licensed:     d.cfg.Licensed,
		CacheTTL:     d.cfg.Status.CacheTTL,
		PeerCacheTTL: d.cfg.Status.PeerCacheTTL,
		TempDir:      filepath.Dir(d.cfg.Datastore.Path),
		Logger:       d.base,
	}, Deps{
		Store:    store,
		Pools:    pool.NewProber(d.exec),
		Fence:    lease,
		VIPs:     vips,
		Service:  svc,
		Peer:     link,
		Keys:     keys,
		Transfer: NewTransfer(js, d.cfg.ClusterID, d.cfg.Node),
	})

	events := event.NewPublisher(nc, d.cfg.ClusterID, d.cfg.Node)
	c.OnStatusChange(events.StatusChanged)
	c.OnReasonsChange(events.ReasonsChanged)

	lease.OnLost(func(epoch int64) {
		d.logger.Warn("fencing lease lost, releasing VIPs", "epoch", epoch)
		rctx, cancel := context.WithTimeout(context.Background(), d.cfg.Status.PeerTimeout)
		defer cancel()
		if err := vips.ReleaseAll(rctx); err != nil {
			d.logger.Error("failed to release VIPs", "error", err)
		}
		d.refresh()
	})
	d.setController(c)

	driver := journal.NewDriver(queue, c, link, alerts, journal.DriverConfig{
		Path:          d.cfg.Journal.Path,
		RetryInterval: d.cfg.Journal.RetryInterval,
		RecoverDelay:  d.cfg.Journal.RecoverDelay,
		Logger:        d.base,
	})

	handler := NewHandler(c, driver.Stats)
	server, err := peer.NewServer(peer.ServerConfig{
		ClusterID: d.cfg.ClusterID,
		Node:      d.cfg.Node,
		Version:   d.version,
	}, handler)
	if err != nil {
		return err
	}
	if err := server.Start(nc); err != nil {
		return err
	}
	defer func() {
		if err := server.Stop(); err != nil {
			d.logger.Error("failed to stop peer service", "error", err)
		}
	}()

	if err := events.Publish(event.NameSetup, event.KindAdded, nil); err != nil {
		d.logger.Warn("failed to publish setup event", "error", err)
	}
	handler.SetReady(true)
	d.logger.Info("daemon ready", "status", c.StatusRefresh(ctx))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return driver.Run(gctx) })
	g.Go(func() error {
		ticker := time.NewTicker(ReasonsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if _, err := c.DisabledReasons(gctx); err != nil {
					d.logger.Warn("failed to evaluate disabled reasons", "error", err)
				}
			}
		}
	})

	err = g.Wait()
	handler.SetReady(false)
	d.logger.Info("daemon stopped")
	return err
}

func (d *Daemon) vipSet() (*vip.Set, error) {
	cfgs := make([]vip.Config, 0, len(d.cfg.VIPs))
	for _, v := range d.cfg.VIPs {
		cfgs = append(cfgs, vip.Config{
			Address:   v.Address,
			Netmask:   v.Netmask,
			Interface: v.Interface,
			Critical:  v.Critical,
		})
	}
	return vip.NewSet(cfgs, d.exec)
}

// seed records the configured pools and interfaces in the database. Rows
// that already match are left alone so a restart does not grow the journal.
func (d *Daemon) seed(ctx context.Context, store *datastore.Store, vips *vip.Set) error {
	for _, p := range d.cfg.Pools {
		if err := store.AddVolume(ctx, p); err != nil {
			return err
		}
	}

	critical := map[string]bool{}
	for _, name := range vips.CriticalInterfaces() {
		critical[name] = true
	}
	first := map[string]string{}
	for _, c := range vips.Configs() {
		if _, ok := first[c.Interface]; !ok {
			first[c.Interface] = c.Address
		}
	}
	for _, name := range vips.Interfaces() {
		in := datastore.Interface{Name: name, VIP: first[name], Critical: critical[name]}
		if err := store.UpsertInterface(ctx, in); err != nil {
			return err
		}
	}
	return nil
}
