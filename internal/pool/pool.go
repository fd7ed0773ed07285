// Package pool reads the runtime state of storage pools and the disks
// attached to this controller.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/ozanturksever/failover-manager/internal/ha"
)

// Executor executes system commands.
type Executor interface {
	Execute(ctx context.Context, cmd string, args ...string) (string, error)
}

// Prober shells out to zpool and lsblk.
type Prober struct {
	executor Executor
	logger   *slog.Logger
}

// NewProber creates a prober.
func NewProber(executor Executor) *Prober {
	return &Prober{
		executor: executor,
		logger:   slog.Default().With("component", "pool"),
	}
}

// Imported lists the pools currently imported on this controller.
func (p *Prober) Imported(ctx context.Context) ([]ha.Pool, error) {
	out, err := p.executor.Execute(ctx, "zpool", "list", "-H", "-o", "name,health")
	if err != nil {
		return nil, fmt.Errorf("zpool list: %w", err)
	}

	var pools []ha.Pool
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		pools = append(pools, ha.Pool{Name: fields[0], Status: fields[1]})
	}
	return pools, nil
}

// Pools reports every configured pool; configured pools that are not
// imported are OFFLINE. Imported pools missing from the configuration are
// included as well.
func (p *Prober) Pools(ctx context.Context, configured []string) ([]ha.Pool, error) {
	imported, err := p.Imported(ctx)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]ha.Pool, len(imported)+len(configured))
	for _, name := range configured {
		byName[name] = ha.Pool{Name: name, Status: ha.PoolStatusOffline}
	}
	for _, pl := range imported {
		byName[pl.Name] = pl
	}

	out := make([]ha.Pool, 0, len(byName))
	for _, pl := range byName {
		out = append(out, pl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Disks lists whole disks with a serial number. Disks without one cannot
// be matched across controllers and are skipped.
func (p *Prober) Disks(ctx context.Context) ([]ha.Disk, error) {
	out, err := p.executor.Execute(ctx, "lsblk", "-d", "-n", "-o", "NAME,SERIAL")
	if err != nil {
		return nil, fmt.Errorf("lsblk: %w", err)
	}

	var disks []ha.Disk
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			if len(fields) == 1 {
				p.logger.Debug("skipping disk without serial", "disk", fields[0])
			}
			continue
		}
		disks = append(disks, ha.Disk{Name: fields[0], Serial: fields[1]})
	}
	return disks, nil
}
