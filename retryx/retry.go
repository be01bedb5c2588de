package retryx

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/nuagemq/pubsub/errorx"
)

// Policy describes the retry schedule applied to a remote call. The zero
// value applies no timeouts and no attempt bound: retryable errors keep
// being retried, a floor delay apart, until the caller's context ends;
// everything else propagates after the first attempt.
type Policy struct {
	// TotalTimeout bounds the whole call including waits between attempts.
	// Zero means unbounded.
	TotalTimeout time.Duration

	// InitialDelay is the wait before the first retry. Each retry the delay
	// is multiplied by DelayMultiplier, capped at MaxDelay. Zero falls back
	// to a small floor so unbounded retries never hot spin.
	InitialDelay    time.Duration
	DelayMultiplier float64
	MaxDelay        time.Duration

	// MaxAttempts stops the call after that many attempts. Zero means
	// unbounded.
	MaxAttempts int

	// Jittered replaces each delay with a uniform random value in [0, delay].
	Jittered bool

	// InitialRPCTimeout bounds a single attempt, growing by
	// RPCTimeoutMultiplier each attempt and capped at MaxRPCTimeout. Zero
	// means the attempt runs under the call's context alone.
	InitialRPCTimeout    time.Duration
	RPCTimeoutMultiplier float64
	MaxRPCTimeout        time.Duration
}

// Do runs op under the policy and returns nil on the first success.
// Non-retryable errors propagate immediately without consuming the
// schedule; retryable errors are retried until the schedule is exhausted,
// in which case the last error is returned.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	callCtx := ctx
	if p.TotalTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.TotalTimeout)
		defer cancel()
	}

	bo := backoff.WithContext(NewSchedule(p), callCtx)

	attempts := 0
	rpcTimeout := p.InitialRPCTimeout
	return backoff.Retry(func() error {
		attempts++

		attemptCtx := callCtx
		var cancel context.CancelFunc
		if rpcTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(callCtx, rpcTimeout)
		}

		err := op(attemptCtx)
		if cancel != nil {
			cancel()
		}

		if rpcTimeout > 0 && p.RPCTimeoutMultiplier > 1 {
			rpcTimeout = time.Duration(float64(rpcTimeout) * p.RPCTimeoutMultiplier)
			if p.MaxRPCTimeout > 0 && rpcTimeout > p.MaxRPCTimeout {
				rpcTimeout = p.MaxRPCTimeout
			}
		}

		if err == nil {
			return nil
		}

		if !p.retryable(callCtx, err) {
			return backoff.Permanent(err)
		}

		if p.MaxAttempts > 0 && attempts >= p.MaxAttempts {
			return backoff.Permanent(err)
		}

		return err
	}, bo)
}

// retryable classifies an attempt error. Transient transport conditions
// and explicitly wrapped retryable errors are retried; everything else
// propagates on first occurrence. A deadline hit by the per-attempt
// timeout is retryable as long as the call context itself is still live.
func (p Policy) retryable(callCtx context.Context, err error) bool {
	if _, ok := errorx.IsRetryableError(err); ok {
		return true
	}
	if errorx.IsUnavailableError(err) || errorx.IsDeadlineExceededError(err) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) && callCtx.Err() == nil {
		return true
	}

	return false
}

// schedule implements backoff.BackOff over the policy's delay parameters.
type schedule struct {
	policy Policy
	next   time.Duration
}

// minDelay is the wait between retries when the policy configures none.
const minDelay = 10 * time.Millisecond

// NewSchedule returns the policy's delay sequence as a backoff.BackOff.
func NewSchedule(p Policy) backoff.BackOff {
	if p.DelayMultiplier < 1 {
		p.DelayMultiplier = 1
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = minDelay
	}

	s := &schedule{policy: p}
	s.Reset()
	return s
}

func (s *schedule) Reset() {
	s.next = s.policy.InitialDelay
}

func (s *schedule) NextBackOff() time.Duration {
	d := s.next
	if s.policy.MaxDelay > 0 && d > s.policy.MaxDelay {
		d = s.policy.MaxDelay
	}

	s.next = time.Duration(float64(s.next) * s.policy.DelayMultiplier)
	if s.policy.MaxDelay > 0 && s.next > s.policy.MaxDelay {
		s.next = s.policy.MaxDelay
	}

	if s.policy.Jittered && d > 0 {
		d = time.Duration(rand.Int63n(int64(d) + 1))
	}

	return d
}
