package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_RetriesTransientUntilSuccess(t *testing.T) {
	calls := 0
	notified := 0

	err := NoDelay.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 4 {
			return fmt.Errorf("history: %w", ErrRateLimited)
		}
		return nil
	}, func(err error, wait time.Duration) {
		notified++
		assert.ErrorIs(t, err, ErrRateLimited)
	})

	require.NoError(t, err)
	assert.Equal(t, 4, calls)
	assert.Equal(t, 3, notified)
}

func TestDo_PermanentErrorStopsImmediately(t *testing.T) {
	boom := errors.New("invalid api key")
	calls := 0

	err := NoDelay.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return boom
	}, nil)

	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestDo_TransientWrapper(t *testing.T) {
	flaky := errors.New("connection reset")
	calls := 0

	err := NoDelay.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return Transient(flaky)
		}
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.True(t, IsTransient(Transient(flaky)))
	assert.True(t, errors.Is(Transient(flaky), flaky))
	assert.False(t, IsTransient(flaky))
	assert.Nil(t, Transient(nil))
}

func TestDo_MaxRetries(t *testing.T) {
	calls := 0
	p := Policy{MaxRetries: 2}

	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return ErrRateLimited
	}, nil)

	require.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 3, calls) // first attempt + 2 retries
}

func TestDo_MaxElapsed(t *testing.T) {
	p := Policy{Interval: 5 * time.Millisecond, MaxElapsed: 30 * time.Millisecond}

	start := time.Now()
	err := p.Do(context.Background(), func(ctx context.Context) error {
		return ErrRateLimited
	}, nil)

	require.ErrorIs(t, err, ErrRateLimited)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{Interval: time.Hour}

	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := p.Do(ctx, func(ctx context.Context) error {
		calls++
		return ErrRateLimited
	}, nil)

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDo_AlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := NoDelay.Do(ctx, func(ctx context.Context) error {
		called = true
		return nil
	}, nil)

	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestForeignCancellation(t *testing.T) {
	live := context.Background()
	done, cancel := context.WithCancel(context.Background())
	cancel()

	assert.True(t, ForeignCancellation(live, context.Canceled))
	assert.True(t, ForeignCancellation(live, fmt.Errorf("history: %w", context.DeadlineExceeded)))
	assert.False(t, ForeignCancellation(done, context.Canceled))
	assert.False(t, ForeignCancellation(live, errors.New("status 500")))
	assert.False(t, ForeignCancellation(live, nil))
}
