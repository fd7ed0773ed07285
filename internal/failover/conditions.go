package failover

import (
	"context"

	"github.com/ozanturksever/failover-manager/internal/ha"
)

// localConditions combines the configuration database with runtime VIP and
// disk state into what the disabled reasons need to know about this node.
type localConditions struct {
	store Store
	vips  VIPs
	pools Pools
}

func (l *localConditions) ConfiguredPools(ctx context.Context) (int, error) {
	return l.store.ConfiguredPools(ctx)
}

func (l *localConditions) VirtualInterfaces(ctx context.Context) (int, error) {
	return l.store.VirtualInterfaces(ctx)
}

func (l *localConditions) CriticalInterfaces(ctx context.Context) (int, error) {
	return l.store.CriticalInterfaces(ctx)
}

func (l *localConditions) FailoverDisabled(ctx context.Context) (bool, error) {
	return l.store.FailoverDisabled(ctx)
}

func (l *localConditions) VIPStates(ctx context.Context) (map[string]ha.VIPState, error) {
	return l.vips.States(ctx), nil
}

func (l *localConditions) Disks(ctx context.Context) ([]ha.Disk, error) {
	return l.pools.Disks(ctx)
}
