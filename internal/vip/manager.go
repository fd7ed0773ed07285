// Package vip manages the virtual IP addresses that move with the active
// controller and reports their per-interface state.
package vip

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/ozanturksever/failover-manager/internal/ha"
)

// Config contains VIP configuration.
type Config struct {
	Address   string
	Netmask   int
	Interface string
	Critical  bool
}

// CIDR returns the VIP address in CIDR notation.
func (c Config) CIDR() string {
	return fmt.Sprintf("%s/%d", c.Address, c.Netmask)
}

// Validate validates the VIP configuration.
func (c Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("address is required")
	}
	if net.ParseIP(c.Address) == nil {
		return fmt.Errorf("invalid IP address: %s", c.Address)
	}
	if c.Netmask < 0 || c.Netmask > 32 {
		return fmt.Errorf("netmask must be between 0 and 32")
	}
	if c.Interface == "" {
		return fmt.Errorf("interface is required")
	}
	return nil
}

// Executor executes system commands.
type Executor interface {
	Execute(ctx context.Context, cmd string, args ...string) (string, error)
}

// Manager manages one virtual IP address.
type Manager struct {
	cfg      Config
	executor Executor
	logger   *slog.Logger

	mu sync.Mutex
}

// NewManager creates a new VIP manager.
func NewManager(cfg Config, executor Executor) *Manager {
	return &Manager{
		cfg:      cfg,
		executor: executor,
		logger:   slog.Default().With("component", "vip", "address", cfg.Address, "interface", cfg.Interface),
	}
}

// Config returns the managed VIP.
func (m *Manager) Config() Config {
	return m.cfg
}

// Acquire adds the VIP to the configured interface and announces it.
func (m *Manager) Acquire(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acquired, err := m.isAcquiredLocked(ctx)
	if err != nil {
		return fmt.Errorf("failed to check VIP status: %w", err)
	}
	if acquired {
		return nil
	}

	cidr := m.cfg.CIDR()
	_, err = m.executor.Execute(ctx, "ip", "addr", "add", cidr, "dev", m.cfg.Interface)
	if err != nil {
		// RTNETLINK answers: File exists
		if !strings.Contains(err.Error(), "File exists") {
			return fmt.Errorf("failed to add VIP %s: %w", cidr, err)
		}
	}

	m.logger.Info("VIP acquired")
	m.sendGratuitousARP(ctx)
	return nil
}

// Release removes the VIP from the configured interface.
func (m *Manager) Release(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acquired, err := m.isAcquiredLocked(ctx)
	if err != nil {
		return fmt.Errorf("failed to check VIP status: %w", err)
	}
	if !acquired {
		return nil
	}

	cidr := m.cfg.CIDR()
	_, err = m.executor.Execute(ctx, "ip", "addr", "del", cidr, "dev", m.cfg.Interface)
	if err != nil && !strings.Contains(err.Error(), "Cannot assign requested address") {
		return fmt.Errorf("failed to remove VIP %s: %w", cidr, err)
	}

	m.logger.Info("VIP released")
	return nil
}

// State maps the address being present on the interface to MASTER and
// absent to BACKUP. A failing probe reports INIT.
func (m *Manager) State(ctx context.Context) ha.VIPState {
	m.mu.Lock()
	defer m.mu.Unlock()

	acquired, err := m.isAcquiredLocked(ctx)
	switch {
	case err != nil:
		m.logger.Debug("VIP probe failed", "error", err)
		return ha.VIPInit
	case acquired:
		return ha.VIPMaster
	default:
		return ha.VIPBackup
	}
}

func (m *Manager) isAcquiredLocked(ctx context.Context) (bool, error) {
	output, err := m.executor.Execute(ctx, "ip", "-o", "addr", "show", "dev", m.cfg.Interface)
	if err != nil {
		return false, fmt.Errorf("failed to check interface: %w", err)
	}
	return containsAddress(output, m.cfg.Address), nil
}

// containsAddress looks for addr as a whole "inet" token, so 10.0.0.1 does
// not match 10.0.0.10.
func containsAddress(output, addr string) bool {
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		for i := 0; i+1 < len(fields); i++ {
			if fields[i] != "inet" && fields[i] != "inet6" {
				continue
			}
			ip, _, _ := strings.Cut(fields[i+1], "/")
			if ip == addr {
				return true
			}
		}
	}
	return false
}

func (m *Manager) sendGratuitousARP(ctx context.Context) {
	_, err := m.executor.Execute(ctx, "arping", "-c", "3", "-A", "-I", m.cfg.Interface, m.cfg.Address)
	if err != nil {
		m.logger.Debug("arping failed (may not be installed)", "error", err)
	}
}
