package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fast = Backoff{Attempts: 4, Base: time.Millisecond, Max: 2 * time.Millisecond}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fast, "provision", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("rate limited")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryGivesUp(t *testing.T) {
	calls := 0
	boom := errors.New("quota exceeded")
	err := Retry(context.Background(), fast, "provision", func(ctx context.Context) error {
		calls++
		return boom
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "provision failed after 4 attempts")
	assert.Equal(t, 4, calls)
}

func TestRetryStopsOnPermanent(t *testing.T) {
	calls := 0
	bad := errors.New("invalid job spec")
	err := Retry(context.Background(), fast, "provision", func(ctx context.Context) error {
		calls++
		return Permanent(bad)
	})
	assert.Equal(t, bad, err)
	assert.Equal(t, 1, calls)
}

func TestRetryPerAttemptTimeout(t *testing.T) {
	b := fast
	b.Timeout = 5 * time.Millisecond
	calls := 0
	err := Retry(context.Background(), b, "swap", func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 4, calls)
}

func TestRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, Backoff{Attempts: 10, Base: time.Hour}, "provision", func(ctx context.Context) error {
		calls++
		cancel()
		return errors.New("unavailable")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestPermanentNil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
}
