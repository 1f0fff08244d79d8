package reliability

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("grows and caps the delay", func(t *testing.T) {
		policy := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 10)
		policy.Jitter = false

		assert.Equal(t, 100*time.Millisecond, policy.NextDelay(0))
		assert.Equal(t, 200*time.Millisecond, policy.NextDelay(1))
		assert.Equal(t, 400*time.Millisecond, policy.NextDelay(2))
		assert.Equal(t, time.Second, policy.NextDelay(8))
	})

	t.Run("keeps jitter within fifteen percent", func(t *testing.T) {
		policy := NewExponentialBackoff(time.Second, time.Minute, 2.0, 3)
		for i := 0; i < 50; i++ {
			d := policy.NextDelay(0)
			assert.GreaterOrEqual(t, d, 850*time.Millisecond)
			assert.LessOrEqual(t, d, 1150*time.Millisecond)
		}
	})

	t.Run("stops at max attempts", func(t *testing.T) {
		policy := NewExponentialBackoff(time.Millisecond, time.Millisecond, 1, 2)
		ok, _ := policy.ShouldRetry(1, errors.New("x"))
		assert.True(t, ok)
		ok, _ = policy.ShouldRetry(2, errors.New("x"))
		assert.False(t, ok)
		assert.Equal(t, 2, policy.MaxRetries())
	})
}

func TestRetry(t *testing.T) {
	t.Run("returns once fn succeeds", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 5), func() error {
			calls++
			if calls < 3 {
				return errors.New("connection refused")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		calls := 0
		cause := errors.New("still down")
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 2), func() error {
			calls++
			return cause
		})
		assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops on permanent errors", func(t *testing.T) {
		calls := 0
		cause := errors.New("bad credentials")
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 5), func() error {
			calls++
			return Permanent(cause)
		})
		assert.ErrorIs(t, err, cause)
		assert.NotErrorIs(t, err, ErrMaxRetriesExceeded)
		assert.Equal(t, 1, calls)
	})

	t.Run("honors context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		err := Retry(ctx, NewFixedDelay(time.Hour, 5), func() error {
			cancel()
			return errors.New("x")
		})
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("permanent of nil is nil", func(t *testing.T) {
		assert.NoError(t, Permanent(nil))
	})
}

func TestIsPermanent(t *testing.T) {
	t.Run("only errors marked permanent or non-retryable qualify", func(t *testing.T) {
		assert.False(t, IsPermanent(nil))
		assert.False(t, IsPermanent(errors.New("timeout")))
		assert.True(t, IsPermanent(Permanent(errors.New("bad order"))))
		assert.True(t, IsPermanent(fmt.Errorf("wrapped: %w", ErrNonRetryable)))
		assert.False(t, IsPermanent(RetryableError{Err: ErrNonRetryable, Retryable: true}))
	})
}
