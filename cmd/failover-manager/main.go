// Package main provides the CLI entry point for failover-manager.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"

	"github.com/ozanturksever/failover-manager/internal/alert"
	"github.com/ozanturksever/failover-manager/internal/config"
	"github.com/ozanturksever/failover-manager/internal/event"
	"github.com/ozanturksever/failover-manager/internal/failover"
	"github.com/ozanturksever/failover-manager/internal/ha"
	"github.com/ozanturksever/failover-manager/internal/natsutil"
	"github.com/ozanturksever/failover-manager/internal/peer"
)

const (
	defaultConfigPath = "/etc/failover/failover.json"
	adminTimeout      = 2 * time.Minute
)

var (
	// Version information set via ldflags
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	configPath string
	cfg        *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "failover-manager",
	Short: "Failover manager - two-controller storage high availability",
	Long: `failover-manager runs the failover controller of one storage controller
in a two-controller chassis. It resolves the failover status, replicates
configuration changes to the other controller over NATS and forces this
controller active behind a fencing lease.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "init" || cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		var err error
		cfg, err = config.LoadFromFile(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.ApplyDefaults()

		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to failover configuration file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(reasonsCmd)
	rootCmd.AddCommand(enableCmd)
	rootCmd.AddCommand(disableCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(forceMasterCmd)
	rootCmd.AddCommand(unlockCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(alertsCmd)
	rootCmd.AddCommand(versionCmd)
}

// initCmd writes a configuration file for this controller.
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize failover configuration for this controller",
	RunE:  runInit,
}

var (
	initClusterID string
	initNode      string
	initNATSURLs  []string
	initLicensed  bool
	initVIPs      []string
	initCritical  []string
	initPools     []string
)

func init() {
	initCmd.Flags().StringVar(&initClusterID, "cluster-id", "", "Cluster identifier (required)")
	initCmd.Flags().StringVar(&initNode, "node", "", "Chassis slot: A, B or MANUAL (required)")
	initCmd.Flags().StringSliceVar(&initNATSURLs, "nats", nil, "NATS server URLs (required)")
	initCmd.Flags().BoolVar(&initLicensed, "licensed", true, "System is licensed for failover")
	initCmd.Flags().StringSliceVar(&initVIPs, "vip", nil, "Virtual IP as address/netmask@interface, repeatable")
	initCmd.Flags().StringSliceVar(&initCritical, "critical", nil, "Critical interfaces")
	initCmd.Flags().StringSliceVar(&initPools, "pool", nil, "Storage pools tracked by failover")

	_ = initCmd.MarkFlagRequired("cluster-id")
	_ = initCmd.MarkFlagRequired("node")
	_ = initCmd.MarkFlagRequired("nats")
}

func runInit(cmd *cobra.Command, args []string) error {
	newCfg := &config.Config{
		ClusterID: initClusterID,
		Node:      ha.Node(strings.ToUpper(initNode)),
		Licensed:  initLicensed,
		NATS:      config.NATSConfig{Servers: initNATSURLs},
		Pools:     initPools,
	}

	critical := map[string]bool{}
	for _, c := range initCritical {
		critical[c] = true
	}
	for _, arg := range initVIPs {
		v, err := parseVIP(arg)
		if err != nil {
			return err
		}
		v.Critical = critical[v.Interface]
		newCfg.VIPs = append(newCfg.VIPs, v)
	}

	newCfg.ApplyDefaults()
	if err := newCfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := newCfg.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("✓ Failover configuration initialized\n")
	fmt.Printf("  Config file: %s\n", configPath)
	fmt.Printf("  Cluster ID:  %s\n", newCfg.ClusterID)
	fmt.Printf("  Node:        %s (peer %s)\n", newCfg.Node, newCfg.PeerNode)
	fmt.Printf("  NATS:        %v\n", newCfg.NATS.Servers)
	for _, v := range newCfg.VIPs {
		fmt.Printf("  VIP:         %s on %s critical=%t\n", v.CIDR(), v.Interface, v.Critical)
	}
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  Start the daemon:  failover-manager daemon")
	return nil
}

// parseVIP parses address/netmask@interface.
func parseVIP(arg string) (config.VIPConfig, error) {
	addr, iface, ok := strings.Cut(arg, "@")
	if !ok || iface == "" {
		return config.VIPConfig{}, fmt.Errorf("vip %q: expected address/netmask@interface", arg)
	}
	v := config.VIPConfig{Address: addr, Netmask: 24, Interface: iface}
	if a, mask, ok := strings.Cut(addr, "/"); ok {
		v.Address = a
		if _, err := fmt.Sscanf(mask, "%d", &v.Netmask); err != nil {
			return config.VIPConfig{}, fmt.Errorf("vip %q: bad netmask: %w", arg, err)
		}
	}
	return v, nil
}

// daemonCmd runs the failover daemon.
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the failover daemon",
	Long: `Run the failover daemon, which serves the peer link, drives the
replication journal and publishes status changes.

The daemon runs continuously until stopped with SIGINT or SIGTERM.`,
	RunE: runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fmt.Println("Starting failover-manager daemon...")
	fmt.Printf("  Cluster ID: %s\n", cfg.ClusterID)
	fmt.Printf("  Node:       %s (peer %s)\n", cfg.Node, cfg.PeerNode)
	fmt.Printf("  NATS:       %v\n", cfg.NATS.Servers)
	fmt.Println()

	daemon, err := failover.NewDaemon(cfg, version)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}
	if err := daemon.Run(ctx); err != nil {
		return fmt.Errorf("daemon error: %w", err)
	}

	fmt.Println("✓ Daemon stopped")
	return nil
}

// admin connects to NATS and returns a client for the local daemon.
func admin() (*peer.Client, *nats.Conn, error) {
	nc, err := natsutil.Connect(natsutil.ConnectOptions{
		URLs:        cfg.NATS.Servers,
		Credentials: cfg.NATS.Credentials,
		ClusterID:   cfg.ClusterID,
		Node:        cfg.Node,
		Role:        natsutil.RoleAdmin,
	})
	if err != nil {
		return nil, nil, err
	}
	return peer.NewClient(nc, cfg.ClusterID, cfg.Node, adminTimeout), nc, nil
}

func withAdmin(fn func(ctx context.Context, c *peer.Client) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()

	c, nc, err := admin()
	if err != nil {
		return err
	}
	defer nc.Close()

	if err := fn(ctx, c); err != nil {
		if peer.IsUnreachable(err) {
			return fmt.Errorf("daemon on node %s is not responding: %w", cfg.Node, err)
		}
		return err
	}
	return nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show failover status of this controller",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(func(ctx context.Context, c *peer.Client) error {
			r, err := c.Status(ctx)
			if err != nil {
				return err
			}

			fmt.Println("Failover Status")
			fmt.Println("===============")
			fmt.Println()
			fmt.Printf("Cluster ID:  %s\n", r.ClusterID)
			fmt.Printf("Node:        %s\n", r.Node)
			fmt.Printf("Status:      %s\n", r.Status)
			fmt.Printf("Licensed:    %t\n", r.Licensed)
			fmt.Printf("Disabled:    %t\n", r.Disabled)
			fmt.Printf("Reasons:     %s\n", formatReasons(r.Reasons))
			fmt.Printf("Journal:     %d pending\n", r.JournalPending)
			if r.LastFlushError != "" {
				fmt.Printf("Last error:  %s\n", r.LastFlushError)
			}
			if r.FenceEpoch > 0 {
				fmt.Printf("Fence:       %s (epoch %d)\n", r.FenceHolder, r.FenceEpoch)
			}
			return nil
		})
	},
}

func formatReasons(rs []ha.Reason) string {
	if len(rs) == 0 {
		return "(none, failover is functional)"
	}
	parts := make([]string, len(rs))
	for i, r := range rs {
		parts[i] = string(r)
	}
	return strings.Join(parts, ", ")
}

var reasonsCmd = &cobra.Command{
	Use:   "reasons",
	Short: "List why failover is not functional",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(func(ctx context.Context, c *peer.Client) error {
			rs, err := c.Reasons(ctx)
			if err != nil {
				return err
			}
			for _, r := range rs {
				fmt.Println(r)
			}
			return nil
		})
	},
}

var enableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Enable failover",
	RunE: func(cmd *cobra.Command, args []string) error {
		return control(peer.ControlRequest{Action: peer.ActionEnable})
	},
}

var disableActive bool

var disableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Disable failover",
	Long: `Disable failover. With --active this controller is recorded as the one
that stays in service, otherwise the other controller is.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return control(peer.ControlRequest{Action: peer.ActionDisable, Active: disableActive})
	},
}

func init() {
	disableCmd.Flags().BoolVar(&disableActive, "active", false, "Keep this controller active")
}

func control(req peer.ControlRequest) error {
	return withAdmin(func(ctx context.Context, c *peer.Client) error {
		changed, err := c.Control(ctx, req)
		if err != nil {
			return err
		}
		if !changed {
			fmt.Printf("Failover already in state %s\n", req.Action)
			return nil
		}
		fmt.Printf("✓ Failover %s done\n", strings.ToLower(req.Action))
		return nil
	})
}

var (
	updateDisabled bool
	updateTimeout  int
	updateMaster   string
)

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Change failover settings",
	Long: `Change failover settings. Only the flags given are changed.

--master takes "this", "local" or "remote". When failover ends up disabled
the designated master is forced active.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var req peer.UpdateRequest
		if cmd.Flags().Changed("disabled") {
			req.Disabled = &updateDisabled
		}
		if cmd.Flags().Changed("timeout") {
			req.Timeout = &updateTimeout
		}
		req.Master = updateMaster

		return withAdmin(func(ctx context.Context, c *peer.Client) error {
			s, err := c.Update(ctx, req)
			if err != nil {
				return err
			}
			fmt.Printf("✓ Settings updated: disabled=%t master=%s timeout=%d\n", s.Disabled, s.MasterNode, s.Timeout)
			return nil
		})
	},
}

func init() {
	updateCmd.Flags().BoolVar(&updateDisabled, "disabled", false, "Administratively disable failover")
	updateCmd.Flags().IntVar(&updateTimeout, "timeout", 0, "Failover timeout in seconds")
	updateCmd.Flags().StringVar(&updateMaster, "master", "", "Designated master: this, local or remote")
}

var forceMasterCmd = &cobra.Command{
	Use:   "force-master",
	Short: "Force this controller active",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(func(ctx context.Context, c *peer.Client) error {
			ok, err := c.ForceMaster(ctx)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("Already MASTER")
				return nil
			}
			fmt.Println("✓ This controller is now MASTER")
			return nil
		})
	},
}

var (
	unlockPools    map[string]string
	unlockDatasets map[string]string
)

var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Store passphrases and force this controller active",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(func(ctx context.Context, c *peer.Client) error {
			ok, err := c.Unlock(ctx, peer.UnlockRequest{Pools: unlockPools, Datasets: unlockDatasets})
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("Passphrases stored, already MASTER")
				return nil
			}
			fmt.Println("✓ Passphrases stored, this controller is now MASTER")
			return nil
		})
	},
}

func init() {
	unlockCmd.Flags().StringToStringVar(&unlockPools, "pool", nil, "Pool passphrase as name=passphrase")
	unlockCmd.Flags().StringToStringVar(&unlockDatasets, "dataset", nil, "Dataset passphrase as name=passphrase")
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage encryption passphrases mirrored to the other controller",
}

var (
	keysKind   string
	keysNoSync bool
)

var keysSetCmd = &cobra.Command{
	Use:   "set name=passphrase...",
	Short: "Store passphrases",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keys := map[string]string{}
		for _, a := range args {
			name, pass, ok := strings.Cut(a, "=")
			if !ok || name == "" {
				return fmt.Errorf("expected name=passphrase, got %q", a)
			}
			keys[name] = pass
		}
		return withAdmin(func(ctx context.Context, c *peer.Client) error {
			return c.UpdateKeys(ctx, peer.KeysRequest{Kind: ha.KeyKind(keysKind), Keys: keys, Sync: !keysNoSync})
		})
	},
}

var keysRemoveCmd = &cobra.Command{
	Use:   "remove name...",
	Short: "Remove passphrases; dataset names also remove descendants",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(func(ctx context.Context, c *peer.Client) error {
			return c.RemoveKeys(ctx, peer.KeysRequest{Kind: ha.KeyKind(keysKind), Names: args, Sync: !keysNoSync})
		})
	},
}

func init() {
	keysCmd.PersistentFlags().StringVar(&keysKind, "kind", string(ha.KeyKindDataset), "Key kind: pool, dataset or kmip")
	keysCmd.PersistentFlags().BoolVar(&keysNoSync, "no-sync", false, "Do not push to the other controller")
	keysCmd.AddCommand(keysSetCmd)
	keysCmd.AddCommand(keysRemoveCmd)
}

var syncCmd = &cobra.Command{
	Use:   "sync-to-peer",
	Short: "Replace the other controller's configuration with this one",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(func(ctx context.Context, c *peer.Client) error {
			if err := c.SyncToPeer(ctx); err != nil {
				return err
			}
			fmt.Println("✓ Configuration sent to the other controller")
			return nil
		})
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream failover events as JSON lines",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		_, nc, err := admin()
		if err != nil {
			return err
		}
		defer nc.Close()

		ch, err := event.Subscribe(ctx, nc, cfg.ClusterID)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		for ev := range ch {
			if err := enc.Encode(ev); err != nil {
				return err
			}
		}
		return nil
	},
}

var alertsWatch bool

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "List raised failover alerts of both controllers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		_, nc, err := admin()
		if err != nil {
			return err
		}
		defer nc.Close()

		js, err := jetstream.New(nc)
		if err != nil {
			return fmt.Errorf("create JetStream context: %w", err)
		}
		m, err := alert.NewManager(js, alert.Config{ClusterID: cfg.ClusterID, Node: cfg.Node})
		if err != nil {
			return err
		}
		startCtx, startCancel := context.WithTimeout(ctx, 30*time.Second)
		defer startCancel()
		if err := m.Start(startCtx); err != nil {
			return err
		}
		alerts, err := m.List(startCtx)
		if err != nil {
			return err
		}
		if len(alerts) == 0 && !alertsWatch {
			fmt.Println("No alerts")
			return nil
		}
		for _, a := range alerts {
			printAlert(a)
		}
		if !alertsWatch {
			return nil
		}

		ch, err := m.Watch(ctx)
		if err != nil {
			return err
		}
		for ev := range ch {
			if ev.Alert == nil {
				fmt.Printf("cleared  %s\n", ev.Key)
				continue
			}
			printAlert(*ev.Alert)
		}
		return nil
	},
}

func init() {
	alertsCmd.Flags().BoolVarP(&alertsWatch, "watch", "w", false, "Keep running and print alerts as they are raised or cleared")
}

func printAlert(a alert.Alert) {
	fmt.Printf("%s  %-28s node=%s  %s\n", a.RaisedAt.Format(time.RFC3339), a.Kind, a.Node, a.Details)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("failover-manager %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}
