package retryx

import (
	"context"
	"testing"
	"time"

	"github.com/nuagemq/pubsub/errorx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedule(t *testing.T) {
	t.Run("should grow delays up to the cap", func(t *testing.T) {
		s := NewSchedule(Policy{
			InitialDelay:    time.Second,
			DelayMultiplier: 2,
			MaxDelay:        8 * time.Second,
		})

		expected := []time.Duration{
			time.Second,
			2 * time.Second,
			4 * time.Second,
			8 * time.Second,
			8 * time.Second,
			8 * time.Second,
		}
		for i, want := range expected {
			assert.Equal(t, want, s.NextBackOff(), "delay %d", i)
		}
	})

	t.Run("zero delay policy gets a floor between retries", func(t *testing.T) {
		s := NewSchedule(Policy{})
		for i := 0; i < 3; i++ {
			assert.Equal(t, minDelay, s.NextBackOff(), "delay %d", i)
		}
	})

	t.Run("should restart after reset", func(t *testing.T) {
		s := NewSchedule(Policy{InitialDelay: time.Second, DelayMultiplier: 2})
		s.NextBackOff()
		s.NextBackOff()
		s.Reset()
		assert.Equal(t, time.Second, s.NextBackOff())
	})

	t.Run("jittered delays stay within [0, delay]", func(t *testing.T) {
		s := NewSchedule(Policy{
			InitialDelay:    time.Second,
			DelayMultiplier: 2,
			MaxDelay:        4 * time.Second,
			Jittered:        true,
		})

		caps := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second}
		for i, cap := range caps {
			d := s.NextBackOff()
			assert.GreaterOrEqual(t, d, time.Duration(0), "delay %d", i)
			assert.LessOrEqual(t, d, cap, "delay %d", i)
		}
	})
}

func TestPolicyDo(t *testing.T) {
	ctx := context.Background()

	t.Run("should return on first success", func(t *testing.T) {
		attempts := 0
		err := Policy{}.Do(ctx, func(ctx context.Context) error {
			attempts++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("should retry transient errors until success", func(t *testing.T) {
		attempts := 0
		p := Policy{InitialDelay: time.Millisecond, DelayMultiplier: 2}
		err := p.Do(ctx, func(ctx context.Context) error {
			attempts++
			if attempts < 3 {
				return errorx.UnavailableErrorf("transient")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("should stop after max attempts", func(t *testing.T) {
		attempts := 0
		p := Policy{InitialDelay: time.Millisecond, MaxAttempts: 3}
		err := p.Do(ctx, func(ctx context.Context) error {
			attempts++
			return errorx.UnavailableErrorf("transient")
		})
		assert.True(t, errorx.IsUnavailableError(err))
		assert.Equal(t, 3, attempts)
	})

	t.Run("should not retry non retryable errors", func(t *testing.T) {
		attempts := 0
		p := Policy{InitialDelay: time.Millisecond, MaxAttempts: 5}
		err := p.Do(ctx, func(ctx context.Context) error {
			attempts++
			return errorx.NotFoundErrorf("no such topic")
		})
		assert.True(t, errorx.IsNotFoundError(err))
		assert.Equal(t, 1, attempts)
	})

	t.Run("should retry errors explicitly marked retryable", func(t *testing.T) {
		attempts := 0
		p := Policy{InitialDelay: time.Millisecond, MaxAttempts: 2}
		err := p.Do(ctx, func(ctx context.Context) error {
			attempts++
			return errorx.NewRetryableError(errorx.InternalErrorf("flaky"))
		})
		require.Error(t, err)
		assert.Equal(t, 2, attempts)
	})

	t.Run("should stop once the total timeout elapses", func(t *testing.T) {
		attempts := 0
		p := Policy{
			TotalTimeout:    100 * time.Millisecond,
			InitialDelay:    30 * time.Millisecond,
			DelayMultiplier: 1,
		}
		err := p.Do(ctx, func(ctx context.Context) error {
			attempts++
			return errorx.UnavailableErrorf("transient")
		})
		assert.True(t, errorx.IsUnavailableError(err))
		assert.GreaterOrEqual(t, attempts, 2)
		assert.LessOrEqual(t, attempts, 5)
	})

	t.Run("per attempt timeout is retryable", func(t *testing.T) {
		attempts := 0
		p := Policy{
			InitialDelay:      time.Millisecond,
			MaxAttempts:       2,
			InitialRPCTimeout: 20 * time.Millisecond,
		}
		err := p.Do(ctx, func(ctx context.Context) error {
			attempts++
			<-ctx.Done()
			return ctx.Err()
		})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, 2, attempts)
	})

	t.Run("caller cancellation is not retried", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		attempts := 0
		p := Policy{InitialDelay: time.Millisecond, MaxAttempts: 5}
		err := p.Do(cctx, func(ctx context.Context) error {
			attempts++
			cancel()
			return ctx.Err()
		})
		require.Error(t, err)
		assert.Equal(t, 1, attempts)
	})
}
