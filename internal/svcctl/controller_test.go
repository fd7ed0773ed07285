package svcctl

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSystemctl struct {
	calls  []string
	active string
	err    error
}

func (f *fakeSystemctl) Execute(_ context.Context, cmd string, args ...string) (string, error) {
	f.calls = append(f.calls, cmd+" "+strings.Join(args, " "))
	if len(args) > 0 && args[0] == "is-active" {
		if f.active != "active" {
			return f.active, errors.New("exit status 3")
		}
		return f.active, nil
	}
	return "", f.err
}

func TestRestart(t *testing.T) {
	ctx := context.Background()

	t.Run("restart then check", func(t *testing.T) {
		ex := &fakeSystemctl{active: "active"}
		c, err := NewController("middlewared", ex)
		require.NoError(t, err)

		require.NoError(t, c.Restart(ctx))
		assert.Equal(t, []string{
			"systemctl restart middlewared",
			"systemctl is-active middlewared",
		}, ex.calls)
	})

	t.Run("activating counts as restarted", func(t *testing.T) {
		c, err := NewController("middlewared", &fakeSystemctl{active: "activating"})
		require.NoError(t, err)
		assert.NoError(t, c.Restart(ctx))
	})

	t.Run("failed unit", func(t *testing.T) {
		c, err := NewController("middlewared", &fakeSystemctl{active: "failed"})
		require.NoError(t, err)
		assert.ErrorIs(t, c.Restart(ctx), ErrUnitFailed)
	})

	t.Run("systemctl error is wrapped", func(t *testing.T) {
		ex := &fakeSystemctl{err: errors.New("Unit middlewared.service not found.")}
		c, err := NewController("middlewared", ex)
		require.NoError(t, err)

		err = c.Restart(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "restart middlewared")
		assert.Len(t, ex.calls, 1)
	})

	t.Run("name is required", func(t *testing.T) {
		_, err := NewController("", &fakeSystemctl{})
		assert.Error(t, err)
	})
}

func TestState(t *testing.T) {
	ctx := context.Background()
	tests := map[string]UnitState{
		"active":       UnitActive,
		"reloading":    UnitActive,
		"inactive":     UnitInactive,
		"deactivating": UnitInactive,
		"failed":       UnitFailed,
		"":             UnitUnknown,
	}
	for out, want := range tests {
		t.Run(out, func(t *testing.T) {
			c, err := NewController("middlewared", &fakeSystemctl{active: out})
			require.NoError(t, err)
			assert.Equal(t, want, c.State(ctx))
		})
	}
}
