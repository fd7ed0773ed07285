package pool

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ozanturksever/failover-manager/internal/ha"
)

type fakeExecutor struct {
	out map[string]string
	err error
}

func (f *fakeExecutor) Execute(_ context.Context, cmd string, args ...string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.out[cmd+" "+strings.Join(args, " ")], nil
}

func TestProber(t *testing.T) {
	ctx := context.Background()
	ex := &fakeExecutor{out: map[string]string{
		"zpool list -H -o name,health": "tank\tONLINE\nboot-pool\tDEGRADED\n",
		"lsblk -d -n -o NAME,SERIAL":   "sda  S3Z1NB0K\nsdb  S3Z1NB0L\nsr0\n",
	}}
	p := NewProber(ex)

	t.Run("imported pools", func(t *testing.T) {
		pools, err := p.Imported(ctx)
		require.NoError(t, err)
		assert.Equal(t, []ha.Pool{{Name: "tank", Status: "ONLINE"}, {Name: "boot-pool", Status: "DEGRADED"}}, pools)
	})

	t.Run("configured pools not imported are offline", func(t *testing.T) {
		pools, err := p.Pools(ctx, []string{"tank", "archive"})
		require.NoError(t, err)
		assert.Equal(t, []ha.Pool{
			{Name: "archive", Status: ha.PoolStatusOffline},
			{Name: "boot-pool", Status: "DEGRADED"},
			{Name: "tank", Status: "ONLINE"},
		}, pools)
		assert.True(t, ha.AnyImported(pools))
	})

	t.Run("disks without serial are skipped", func(t *testing.T) {
		disks, err := p.Disks(ctx)
		require.NoError(t, err)
		assert.Equal(t, []ha.Disk{{Name: "sda", Serial: "S3Z1NB0K"}, {Name: "sdb", Serial: "S3Z1NB0L"}}, disks)
	})

	t.Run("command failures propagate", func(t *testing.T) {
		bad := NewProber(&fakeExecutor{err: errors.New("zpool: not found")})
		_, err := bad.Pools(ctx, nil)
		assert.Error(t, err)
		_, err = bad.Disks(ctx)
		assert.Error(t, err)
	})
}
