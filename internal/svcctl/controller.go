// Package svcctl controls the role-aware supervising service through
// systemd. The service reads the failover state on start, so restarting it
// is how a controller applies a new role.
package svcctl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// UnitState is the state systemd reports for a unit.
type UnitState string

const (
	UnitActive   UnitState = "active"
	UnitInactive UnitState = "inactive"
	UnitFailed   UnitState = "failed"
	UnitUnknown  UnitState = "unknown"
)

// ErrUnitFailed is returned by Restart when the unit ends up failed.
var ErrUnitFailed = errors.New("supervising service failed after restart")

// Executor executes system commands.
type Executor interface {
	Execute(ctx context.Context, cmd string, args ...string) (string, error)
}

// Controller restarts one systemd unit.
type Controller struct {
	unit     string
	executor Executor
	logger   *slog.Logger
}

// NewController creates a controller for the named unit.
func NewController(unit string, executor Executor) (*Controller, error) {
	if unit == "" {
		return nil, errors.New("service name is required")
	}
	return &Controller{
		unit:     unit,
		executor: executor,
		logger:   slog.Default().With("component", "svcctl", "unit", unit),
	}, nil
}

// Restart restarts the unit and checks it did not land in the failed state.
// A unit still activating counts as restarted.
func (c *Controller) Restart(ctx context.Context) error {
	if _, err := c.executor.Execute(ctx, "systemctl", "restart", c.unit); err != nil {
		return fmt.Errorf("restart %s: %w", c.unit, err)
	}
	if st := c.State(ctx); st == UnitFailed {
		c.logger.Error("unit failed after restart")
		return fmt.Errorf("%w: %s", ErrUnitFailed, c.unit)
	}
	c.logger.Info("unit restarted")
	return nil
}

// State asks systemd for the unit state. is-active exits non-zero for
// anything but active, so only the output is trusted.
func (c *Controller) State(ctx context.Context) UnitState {
	out, _ := c.executor.Execute(ctx, "systemctl", "is-active", c.unit)
	switch strings.TrimSpace(out) {
	case "active", "reloading", "activating":
		return UnitActive
	case "inactive", "deactivating":
		return UnitInactive
	case "failed":
		return UnitFailed
	default:
		return UnitUnknown
	}
}
