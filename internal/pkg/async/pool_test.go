package async

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolExecute(t *testing.T) {
	t.Run("collects every result by name", func(t *testing.T) {
		pool := NewPool(2)
		boom := errors.New("boom")

		results := pool.Execute(context.Background(), []Task{
			{Name: "a", Execute: func(context.Context) (any, error) { return 1, nil }},
			{Name: "b", Execute: func(context.Context) (any, error) { return "two", nil }},
			{Name: "c", Execute: func(context.Context) (any, error) { return nil, boom }},
		})

		require.Len(t, results, 3)
		assert.Equal(t, 1, results["a"].Data)
		assert.Equal(t, "two", results["b"].Data)
		assert.ErrorIs(t, results["c"].Err, boom)
	})

	t.Run("never exceeds the worker count", func(t *testing.T) {
		pool := NewPool(2)
		var running, peak int32

		task := func(context.Context) (any, error) {
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return nil, nil
		}

		var tasks []Task
		for _, name := range []string{"1", "2", "3", "4", "5", "6"} {
			tasks = append(tasks, Task{Name: name, Execute: task})
		}

		results := pool.Execute(context.Background(), tasks)
		assert.Len(t, results, 6)
		assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	})

	t.Run("reusable across calls", func(t *testing.T) {
		pool := NewPool(1)
		for i := 0; i < 3; i++ {
			results := pool.Execute(context.Background(), []Task{
				{Name: "x", Execute: func(context.Context) (any, error) { return i, nil }},
			})
			assert.Equal(t, i, results["x"].Data)
		}
	})

	t.Run("cancelled context skips remaining tasks", func(t *testing.T) {
		pool := NewPool(1)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		results := pool.Execute(ctx, []Task{
			{Name: "a", Execute: func(context.Context) (any, error) { return 1, nil }},
			{Name: "b", Execute: func(context.Context) (any, error) { return 2, nil }},
		})

		require.Len(t, results, 2)
		for _, r := range results {
			if r.Err != nil {
				assert.ErrorIs(t, r.Err, context.Canceled)
			}
		}
	})
}
