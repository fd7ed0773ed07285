package journal

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ozanturksever/failover-manager/internal/ha"
)

func TestQueue(t *testing.T) {
	t.Run("pops in push order", func(t *testing.T) {
		q := NewQueue()
		q.Push(ha.MustStatement("A"))
		q.PushReset()
		q.Push(ha.MustStatement("B"))
		assert.Equal(t, 3, q.Len())

		it, ok := q.TryPop()
		require.True(t, ok)
		assert.Equal(t, "A", it.Statement.SQL)

		it, ok = q.TryPop()
		require.True(t, ok)
		assert.True(t, it.Reset)

		it, ok = q.TryPop()
		require.True(t, ok)
		assert.Equal(t, "B", it.Statement.SQL)

		_, ok = q.TryPop()
		assert.False(t, ok)
	})

	t.Run("wait times out", func(t *testing.T) {
		q := NewQueue()
		start := time.Now()
		_, ok := q.Wait(context.Background(), 20*time.Millisecond)
		assert.False(t, ok)
		assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	})

	t.Run("wait wakes on push", func(t *testing.T) {
		q := NewQueue()
		go func() {
			time.Sleep(10 * time.Millisecond)
			q.Push(ha.MustStatement("late"))
		}()
		it, ok := q.Wait(context.Background(), 0)
		require.True(t, ok)
		assert.Equal(t, "late", it.Statement.SQL)
	})

	t.Run("wait stops on cancel", func(t *testing.T) {
		q := NewQueue()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, ok := q.Wait(ctx, 0)
		assert.False(t, ok)
	})

	t.Run("concurrent producers lose nothing", func(t *testing.T) {
		q := NewQueue()
		var wg sync.WaitGroup
		for p := 0; p < 8; p++ {
			wg.Add(1)
			go func(p int) {
				defer wg.Done()
				for i := 0; i < 100; i++ {
					q.Push(ha.MustStatement(fmt.Sprintf("p%d-%d", p, i)))
				}
			}(p)
		}
		wg.Wait()

		seen := map[string]bool{}
		for {
			it, ok := q.TryPop()
			if !ok {
				break
			}
			seen[it.Statement.SQL] = true
		}
		assert.Len(t, seen, 800)
	})
}
