package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("provider hiccup")

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 3, None(), func(_ context.Context, attempt int) error {
		calls++
		assert.Equal(t, calls, attempt)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 3, None(), func(context.Context, int) error {
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 3, None(), func(context.Context, int) error {
		calls++
		return errFlaky
	})
	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanent(t *testing.T) {
	sentinel := errors.New("audio not supported")
	calls := 0
	err := Do(context.Background(), 5, None(), func(context.Context, int) error {
		calls++
		return Permanent(sentinel)
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
}

func TestDoStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, 5, Fixed(time.Hour), func(context.Context, int) error {
		calls++
		cancel()
		return errFlaky
	})
	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 1, calls)
}

func TestDoContextAlreadyDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := Do(ctx, 3, None(), func(context.Context, int) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, calls)
}

func TestLinearDelayGrows(t *testing.T) {
	d := Linear(1500 * time.Millisecond)
	assert.Equal(t, 1500*time.Millisecond, d(1))
	assert.Equal(t, 3000*time.Millisecond, d(2))
	assert.Equal(t, 4500*time.Millisecond, d(3))
}

func TestFixedDelayConstant(t *testing.T) {
	d := Fixed(500 * time.Millisecond)
	assert.Equal(t, 500*time.Millisecond, d(1))
	assert.Equal(t, 500*time.Millisecond, d(7))
}
