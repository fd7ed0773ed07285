// Package config provides configuration loading and validation for the failover manager.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/ozanturksever/failover-manager/internal/ha"
)

// Default configuration values
const (
	DefaultStatusCacheTTL     = 300 * time.Second
	DefaultStatusPeerCacheTTL = 2 * time.Second
	DefaultPeerTimeout        = 5 * time.Second
	DefaultJournalPath        = "/data/ha-journal"
	DefaultRetryInterval      = 5 * time.Second
	DefaultRecoverDelay       = 5 * time.Second
	DefaultDatastorePath      = "/data/freenas-v1.db"
	DefaultServiceName        = "failover"
	DefaultLeaseTTL           = 10 * time.Second
	DefaultRenewEvery         = 3 * time.Second
)

// Config represents the failover manager configuration.
type Config struct {
	ClusterID string          `json:"clusterId"`
	Node      ha.Node         `json:"node"`
	PeerNode  ha.Node         `json:"peerNode,omitempty"`
	Licensed  bool            `json:"licensed"`
	NATS      NATSConfig      `json:"nats"`
	Status    StatusConfig    `json:"status"`
	Journal   JournalConfig   `json:"journal"`
	Datastore DatastoreConfig `json:"datastore"`
	Service   ServiceConfig   `json:"service"`
	Fence     FenceConfig     `json:"fence"`
	VIPs      []VIPConfig     `json:"vips,omitempty"`
	// Pools are the storage pools failover tracks.
	Pools []string `json:"pools,omitempty"`
}

// NATSConfig contains NATS connection settings.
type NATSConfig struct {
	Servers     []string `json:"servers"`
	Credentials string   `json:"credentials,omitempty"`
}

// StatusConfig controls status caching and peer request timeouts.
type StatusConfig struct {
	CacheTTL     time.Duration `json:"-"`
	PeerCacheTTL time.Duration `json:"-"`
	PeerTimeout  time.Duration `json:"-"`
}

// JournalConfig contains replication journal settings.
type JournalConfig struct {
	Path          string        `json:"path"`
	RetryInterval time.Duration `json:"-"`
	RecoverDelay  time.Duration `json:"-"`
}

// DatastoreConfig locates the configuration database.
type DatastoreConfig struct {
	Path string `json:"path"`
}

// ServiceConfig names the role-aware supervising service.
type ServiceConfig struct {
	Name string `json:"name"`
}

// FenceConfig contains fencing lease settings.
type FenceConfig struct {
	LeaseTTL   time.Duration `json:"-"`
	RenewEvery time.Duration `json:"-"`
}

// VIPConfig describes one virtual IP and the interface carrying it.
type VIPConfig struct {
	Address   string `json:"address"`
	Netmask   int    `json:"netmask"`
	Interface string `json:"interface"`
	Critical  bool   `json:"critical"`
}

// CIDR returns the VIP address in CIDR notation.
func (v VIPConfig) CIDR() string {
	return fmt.Sprintf("%s/%d", v.Address, v.Netmask)
}

// rawConfig is used for JSON unmarshaling with millisecond durations.
type rawConfig struct {
	ClusterID string     `json:"clusterId"`
	Node      string     `json:"node"`
	PeerNode  string     `json:"peerNode"`
	Licensed  bool       `json:"licensed"`
	NATS      NATSConfig `json:"nats"`
	Status    struct {
		CacheTTLMs     int64 `json:"cacheTtlMs"`
		PeerCacheTTLMs int64 `json:"peerCacheTtlMs"`
		PeerTimeoutMs  int64 `json:"peerTimeoutMs"`
	} `json:"status"`
	Journal struct {
		Path            string `json:"path"`
		RetryIntervalMs int64  `json:"retryIntervalMs"`
		RecoverDelayMs  int64  `json:"recoverDelayMs"`
	} `json:"journal"`
	Datastore DatastoreConfig `json:"datastore"`
	Service   ServiceConfig   `json:"service"`
	Fence     struct {
		LeaseTTLMs   int64 `json:"leaseTtlMs"`
		RenewEveryMs int64 `json:"renewEveryMs"`
	} `json:"fence"`
	VIPs  []VIPConfig `json:"vips"`
	Pools []string    `json:"pools,omitempty"`
}

func ms(v int64) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// LoadFromFile loads configuration from a JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a JSON configuration document.
func Parse(data []byte) (*Config, error) {
	var raw rawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &Config{
		ClusterID: raw.ClusterID,
		Node:      ha.Node(raw.Node),
		PeerNode:  ha.Node(raw.PeerNode),
		Licensed:  raw.Licensed,
		NATS:      raw.NATS,
		Status: StatusConfig{
			CacheTTL:     ms(raw.Status.CacheTTLMs),
			PeerCacheTTL: ms(raw.Status.PeerCacheTTLMs),
			PeerTimeout:  ms(raw.Status.PeerTimeoutMs),
		},
		Journal: JournalConfig{
			Path:          raw.Journal.Path,
			RetryInterval: ms(raw.Journal.RetryIntervalMs),
			RecoverDelay:  ms(raw.Journal.RecoverDelayMs),
		},
		Datastore: raw.Datastore,
		Service:   raw.Service,
		Fence: FenceConfig{
			LeaseTTL:   ms(raw.Fence.LeaseTTLMs),
			RenewEvery: ms(raw.Fence.RenewEveryMs),
		},
		VIPs:  raw.VIPs,
		Pools: raw.Pools,
	}, nil
}

// Marshal encodes the configuration with millisecond durations, the inverse of Parse.
func (c *Config) Marshal() ([]byte, error) {
	var raw rawConfig
	raw.ClusterID = c.ClusterID
	raw.Node = string(c.Node)
	raw.PeerNode = string(c.PeerNode)
	raw.Licensed = c.Licensed
	raw.NATS = c.NATS
	raw.Status.CacheTTLMs = c.Status.CacheTTL.Milliseconds()
	raw.Status.PeerCacheTTLMs = c.Status.PeerCacheTTL.Milliseconds()
	raw.Status.PeerTimeoutMs = c.Status.PeerTimeout.Milliseconds()
	raw.Journal.Path = c.Journal.Path
	raw.Journal.RetryIntervalMs = c.Journal.RetryInterval.Milliseconds()
	raw.Journal.RecoverDelayMs = c.Journal.RecoverDelay.Milliseconds()
	raw.Datastore = c.Datastore
	raw.Service = c.Service
	raw.Fence.LeaseTTLMs = c.Fence.LeaseTTL.Milliseconds()
	raw.Fence.RenewEveryMs = c.Fence.RenewEvery.Milliseconds()
	raw.VIPs = c.VIPs
	raw.Pools = c.Pools
	return json.MarshalIndent(raw, "", "  ")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.ClusterID == "" {
		return fmt.Errorf("clusterId is required")
	}
	if !c.Node.Valid() {
		return fmt.Errorf("node must be one of A, B or MANUAL")
	}
	if c.PeerNode == "" {
		return fmt.Errorf("peerNode is required when node is %s", c.Node)
	}
	if c.PeerNode == c.Node {
		return fmt.Errorf("peerNode must differ from node")
	}
	if len(c.NATS.Servers) == 0 {
		return fmt.Errorf("nats.servers is required")
	}
	if c.Fence.RenewEvery >= c.Fence.LeaseTTL {
		return fmt.Errorf("fence.renewEveryMs must be less than fence.leaseTtlMs")
	}

	for i, v := range c.VIPs {
		if net.ParseIP(v.Address) == nil {
			return fmt.Errorf("vips[%d].address is not a valid IP address", i)
		}
		if v.Netmask < 0 || v.Netmask > 32 {
			return fmt.Errorf("vips[%d].netmask must be between 0 and 32", i)
		}
		if v.Interface == "" {
			return fmt.Errorf("vips[%d].interface is required", i)
		}
	}

	for i, p := range c.Pools {
		if p == "" {
			return fmt.Errorf("pools[%d] is empty", i)
		}
	}

	return nil
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *Config) ApplyDefaults() {
	// A and B peer with each other; MANUAL must name its peer explicitly.
	if c.PeerNode == "" {
		if other, err := c.Node.Other(); err == nil {
			c.PeerNode = other
		}
	}

	if c.Status.CacheTTL == 0 {
		c.Status.CacheTTL = DefaultStatusCacheTTL
	}
	if c.Status.PeerCacheTTL == 0 {
		c.Status.PeerCacheTTL = DefaultStatusPeerCacheTTL
	}
	if c.Status.PeerTimeout == 0 {
		c.Status.PeerTimeout = DefaultPeerTimeout
	}

	if c.Journal.Path == "" {
		c.Journal.Path = DefaultJournalPath
	}
	if c.Journal.RetryInterval == 0 {
		c.Journal.RetryInterval = DefaultRetryInterval
	}
	if c.Journal.RecoverDelay == 0 {
		c.Journal.RecoverDelay = DefaultRecoverDelay
	}

	if c.Datastore.Path == "" {
		c.Datastore.Path = DefaultDatastorePath
	}
	if c.Service.Name == "" {
		c.Service.Name = DefaultServiceName
	}

	if c.Fence.LeaseTTL == 0 {
		c.Fence.LeaseTTL = DefaultLeaseTTL
	}
	if c.Fence.RenewEvery == 0 {
		c.Fence.RenewEvery = DefaultRenewEvery
	}
}
