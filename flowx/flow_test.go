package flowx

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nuagemq/pubsub/errorx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestController(t *testing.T) {
	ctx := context.Background()

	t.Run("reserve then release restores counters", func(t *testing.T) {
		c := NewController(10, 100, Block)

		require.NoError(t, c.Reserve(ctx, 3, 30))
		elements, bytes := c.Outstanding()
		assert.Equal(t, int64(3), elements)
		assert.Equal(t, int64(30), bytes)

		c.Release(3, 30)
		elements, bytes = c.Outstanding()
		assert.Equal(t, int64(0), elements)
		assert.Equal(t, int64(0), bytes)
	})

	t.Run("unlimited controller always admits", func(t *testing.T) {
		c := NewController(0, 0, Block)
		for i := 0; i < 100; i++ {
			require.NoError(t, c.Reserve(ctx, 1000, 1000000))
		}
	})

	t.Run("reject behavior fails when either limit is exceeded", func(t *testing.T) {
		c := NewController(2, 100, Reject)

		require.NoError(t, c.Reserve(ctx, 2, 10))
		err := c.Reserve(ctx, 1, 10)
		assert.True(t, errorx.IsResourceExhaustedError(err))

		c.Release(2, 10)
		require.NoError(t, c.Reserve(ctx, 1, 90))
		err = c.Reserve(ctx, 1, 20)
		assert.True(t, errorx.IsResourceExhaustedError(err))
	})

	t.Run("ignore behavior admits past the limits", func(t *testing.T) {
		c := NewController(1, 1, Ignore)

		require.NoError(t, c.Reserve(ctx, 5, 500))
		elements, bytes := c.Outstanding()
		assert.Equal(t, int64(5), elements)
		assert.Equal(t, int64(500), bytes)
	})

	t.Run("block behavior suspends until capacity frees", func(t *testing.T) {
		c := NewController(1, 0, Block)
		require.NoError(t, c.Reserve(ctx, 1, 10))

		reserved := make(chan struct{})
		go func() {
			defer close(reserved)
			_ = c.Reserve(ctx, 1, 10)
		}()

		select {
		case <-reserved:
			t.Fatal("reserve should have blocked")
		case <-time.After(50 * time.Millisecond):
		}

		c.Release(1, 10)

		select {
		case <-reserved:
		case <-time.After(time.Second):
			t.Fatal("reserve did not resume after release")
		}
	})

	t.Run("block behavior respects context cancellation", func(t *testing.T) {
		c := NewController(1, 0, Block)
		require.NoError(t, c.Reserve(ctx, 1, 10))

		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()

		err := c.Reserve(cctx, 1, 10)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("oversized request is admitted alone under block", func(t *testing.T) {
		c := NewController(0, 10, Block)
		require.NoError(t, c.Reserve(ctx, 1, 100))
		c.Release(1, 100)
	})

	t.Run("release of never reserved capacity panics", func(t *testing.T) {
		c := NewController(0, 0, Block)
		assert.Panics(t, func() {
			c.Release(1, 1)
		})
	})

	t.Run("counters stay consistent under concurrency", func(t *testing.T) {
		c := NewController(0, 0, Block)

		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					require.NoError(t, c.Reserve(ctx, 1, 10))
					c.Release(1, 10)
				}
			}()
		}
		wg.Wait()

		elements, bytes := c.Outstanding()
		assert.Equal(t, int64(0), elements)
		assert.Equal(t, int64(0), bytes)
	})
}

func TestParseLimitBehavior(t *testing.T) {
	b, err := ParseLimitBehavior("block")
	require.NoError(t, err)
	assert.Equal(t, Block, b)

	_, err = ParseLimitBehavior("explode")
	assert.True(t, errorx.IsInvalidArgumentError(err))
}
