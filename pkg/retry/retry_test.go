package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "aire/pkg/errors"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      2,
	}
}

func TestDo(t *testing.T) {
	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		var retried []int
		err := Do(context.Background(), fastPolicy(5), func() error {
			calls++
			if calls < 3 {
				return apperrors.ErrPersistence.WithCause(errors.New("conn refused"))
			}
			return nil
		}, func(attempt int, err error, next time.Duration) {
			retried = append(retried, attempt)
		})

		require.NoError(t, err)
		assert.Equal(t, 3, calls)
		assert.Equal(t, []int{1, 2}, retried)
	})

	t.Run("stops at max attempts", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), fastPolicy(3), func() error {
			calls++
			return apperrors.ErrPersistence
		}, nil)

		require.Error(t, err)
		assert.True(t, apperrors.IsPersistence(err))
		assert.Equal(t, 3, calls)
	})

	t.Run("fatal error is not retried", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), fastPolicy(5), func() error {
			calls++
			return apperrors.ErrConfig.WithMessage("bad dsn")
		}, nil)

		require.Error(t, err)
		assert.True(t, apperrors.IsConfig(err))
		assert.Equal(t, 1, calls)
	})

	t.Run("unclassified errors are retried", func(t *testing.T) {
		calls := 0
		_ = Do(context.Background(), fastPolicy(2), func() error {
			calls++
			return errors.New("plain")
		}, nil)
		assert.Equal(t, 2, calls)
	})

	t.Run("cancelled context stops retries", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := Do(ctx, Policy{MaxAttempts: 10, InitialInterval: time.Hour, MaxInterval: time.Hour, Multiplier: 2}, func() error {
			calls++
			cancel()
			return apperrors.ErrPersistence
		}, nil)

		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})
}

func TestReconnectIsUnboundedAndCapped(t *testing.T) {
	r := NewReconnect(time.Second, 60*time.Second, 2, clockwork.NewFakeClock())

	var last time.Duration
	for i := 0; i < 50; i++ {
		last = r.Next()
		assert.Positive(t, last)
		assert.LessOrEqual(t, last, 90*time.Second)
	}
	assert.Equal(t, 50, r.Attempts())

	r.Reset()
	assert.Equal(t, 0, r.Attempts())
	assert.LessOrEqual(t, r.Next(), 2*time.Second)
}

func TestSleep(t *testing.T) {
	clock := clockwork.NewFakeClock()

	done := make(chan bool, 1)
	go func() {
		done <- Sleep(context.Background(), clock, 5*time.Second)
	}()

	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	clock.Advance(5 * time.Second)
	assert.True(t, <-done)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, Sleep(ctx, clock, time.Minute))
}
