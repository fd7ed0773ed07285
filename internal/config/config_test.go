package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ozanturksever/failover-manager/internal/ha"
)

func TestLoadFromFile(t *testing.T) {
	t.Run("loads valid config file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "failover.json")
		configJSON := `{
			"clusterId": "tank-ha",
			"node": "A",
			"licensed": true,
			"nats": {
				"servers": ["nats://169.254.10.1:4222"]
			},
			"status": {
				"cacheTtlMs": 300000,
				"peerCacheTtlMs": 1000,
				"peerTimeoutMs": 3000
			},
			"journal": {
				"path": "/data/ha-journal",
				"retryIntervalMs": 5000,
				"recoverDelayMs": 2000
			},
			"datastore": {"path": "/data/freenas-v1.db"},
			"service": {"name": "failover"},
			"fence": {"leaseTtlMs": 8000, "renewEveryMs": 2000},
			"vips": [
				{"address": "192.168.1.100", "netmask": 24, "interface": "igb0", "critical": true}
			]
		}`
		err := os.WriteFile(configPath, []byte(configJSON), 0644)
		require.NoError(t, err)

		cfg, err := LoadFromFile(configPath)
		require.NoError(t, err)

		assert.Equal(t, "tank-ha", cfg.ClusterID)
		assert.Equal(t, ha.NodeA, cfg.Node)
		assert.True(t, cfg.Licensed)
		assert.Equal(t, []string{"nats://169.254.10.1:4222"}, cfg.NATS.Servers)
		assert.Equal(t, 300*time.Second, cfg.Status.CacheTTL)
		assert.Equal(t, time.Second, cfg.Status.PeerCacheTTL)
		assert.Equal(t, 3*time.Second, cfg.Status.PeerTimeout)
		assert.Equal(t, "/data/ha-journal", cfg.Journal.Path)
		assert.Equal(t, 5*time.Second, cfg.Journal.RetryInterval)
		assert.Equal(t, 2*time.Second, cfg.Journal.RecoverDelay)
		assert.Equal(t, "/data/freenas-v1.db", cfg.Datastore.Path)
		assert.Equal(t, "failover", cfg.Service.Name)
		assert.Equal(t, 8*time.Second, cfg.Fence.LeaseTTL)
		assert.Equal(t, 2*time.Second, cfg.Fence.RenewEvery)
		require.Len(t, cfg.VIPs, 1)
		assert.Equal(t, "igb0", cfg.VIPs[0].Interface)
		assert.True(t, cfg.VIPs[0].Critical)
	})

	t.Run("returns error for missing file", func(t *testing.T) {
		_, err := LoadFromFile("/nonexistent/path/config.json")
		assert.Error(t, err)
	})

	t.Run("returns error for invalid JSON", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "invalid.json")
		err := os.WriteFile(configPath, []byte("not valid json"), 0644)
		require.NoError(t, err)

		_, err = LoadFromFile(configPath)
		assert.Error(t, err)
	})

	t.Run("marshal output loads back", func(t *testing.T) {
		cfg := &Config{
			ClusterID: "tank-ha",
			Node:      ha.NodeB,
			NATS:      NATSConfig{Servers: []string{"nats://localhost:4222"}},
		}
		cfg.ApplyDefaults()

		data, err := cfg.Marshal()
		require.NoError(t, err)

		loaded, err := Parse(data)
		require.NoError(t, err)
		assert.Equal(t, cfg, loaded)
	})
}

func validConfig() *Config {
	cfg := &Config{
		ClusterID: "cluster-1",
		Node:      ha.NodeA,
		NATS:      NATSConfig{Servers: []string{"nats://localhost:4222"}},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestConfigValidation(t *testing.T) {
	t.Run("validates required fields", func(t *testing.T) {
		cfg := &Config{}
		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "clusterId")
	})

	t.Run("validates node letter", func(t *testing.T) {
		cfg := validConfig()
		cfg.Node = "C"
		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "node")
	})

	t.Run("manual node requires explicit peer", func(t *testing.T) {
		cfg := &Config{
			ClusterID: "cluster-1",
			Node:      ha.NodeManual,
			NATS:      NATSConfig{Servers: []string{"nats://localhost:4222"}},
		}
		cfg.ApplyDefaults()
		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "peerNode")

		cfg.PeerNode = ha.NodeB
		assert.NoError(t, cfg.Validate())
	})

	t.Run("validates NATS servers are required", func(t *testing.T) {
		cfg := validConfig()
		cfg.NATS.Servers = nil
		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "nats.servers")
	})

	t.Run("validates fence renewal is shorter than lease", func(t *testing.T) {
		cfg := validConfig()
		cfg.Fence.RenewEvery = cfg.Fence.LeaseTTL
		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "fence")
	})

	t.Run("validates VIP address format", func(t *testing.T) {
		cfg := validConfig()
		cfg.VIPs = []VIPConfig{{Address: "invalid-ip", Netmask: 24, Interface: "igb0"}}
		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "vips[0].address")
	})

	t.Run("validates VIP netmask range", func(t *testing.T) {
		cfg := validConfig()
		cfg.VIPs = []VIPConfig{{Address: "192.168.1.100", Netmask: 33, Interface: "igb0"}}
		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "vips[0].netmask")
	})

	t.Run("passes with valid minimal config", func(t *testing.T) {
		assert.NoError(t, validConfig().Validate())
	})
}

func TestConfigDefaults(t *testing.T) {
	t.Run("derives peer node from node letter", func(t *testing.T) {
		cfg := validConfig()
		assert.Equal(t, ha.NodeB, cfg.PeerNode)
	})

	t.Run("applies default timings", func(t *testing.T) {
		cfg := validConfig()

		assert.Equal(t, DefaultStatusCacheTTL, cfg.Status.CacheTTL)
		assert.Equal(t, DefaultStatusPeerCacheTTL, cfg.Status.PeerCacheTTL)
		assert.Equal(t, DefaultPeerTimeout, cfg.Status.PeerTimeout)
		assert.Equal(t, DefaultRetryInterval, cfg.Journal.RetryInterval)
		assert.Equal(t, DefaultRecoverDelay, cfg.Journal.RecoverDelay)
		assert.Equal(t, DefaultLeaseTTL, cfg.Fence.LeaseTTL)
		assert.Equal(t, DefaultRenewEvery, cfg.Fence.RenewEvery)
	})

	t.Run("applies default paths", func(t *testing.T) {
		cfg := validConfig()

		assert.Equal(t, DefaultJournalPath, cfg.Journal.Path)
		assert.Equal(t, DefaultDatastorePath, cfg.Datastore.Path)
		assert.Equal(t, DefaultServiceName, cfg.Service.Name)
	})

	t.Run("does not override existing values", func(t *testing.T) {
		cfg := &Config{
			ClusterID: "cluster-1",
			Node:      ha.NodeA,
			PeerNode:  ha.NodeManual,
			Journal:   JournalConfig{RetryInterval: time.Second},
		}
		cfg.ApplyDefaults()

		assert.Equal(t, ha.NodeManual, cfg.PeerNode)
		assert.Equal(t, time.Second, cfg.Journal.RetryInterval)
		assert.Equal(t, DefaultRecoverDelay, cfg.Journal.RecoverDelay)
	})
}

func TestVIPConfigCIDR(t *testing.T) {
	t.Run("returns correct CIDR notation", func(t *testing.T) {
		vip := VIPConfig{Address: "192.168.1.100", Netmask: 24, Interface: "igb0"}
		assert.Equal(t, "192.168.1.100/24", vip.CIDR())
	})
}
