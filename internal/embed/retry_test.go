package embed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qaerrors "github.com/dreamerlzl/markdown-qa/internal/errors"
)

func fastRetryConfig(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestDoWithRetryEventuallySucceeds(t *testing.T) {
	calls := 0
	err := DoWithRetry(context.Background(), fastRetryConfig(5), func() error {
		calls++
		if calls < 3 {
			return qaerrors.New(qaerrors.ErrCodeAPIRateLimit, "429", nil)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoWithRetryFailsFastOnNonRetryable(t *testing.T) {
	calls := 0
	err := DoWithRetry(context.Background(), fastRetryConfig(5), func() error {
		calls++
		return qaerrors.New(qaerrors.ErrCodeAPIProtocol, "bad request", nil)
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoWithRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := DoWithRetry(context.Background(), fastRetryConfig(3), func() error {
		calls++
		return qaerrors.New(qaerrors.ErrCodeAPITransport, "connection reset", nil)
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, qaerrors.IsRetryable(err))
}

func TestDoWithRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := DoWithRetry(ctx, fastRetryConfig(3), func() error {
		return qaerrors.New(qaerrors.ErrCodeAPITransport, "nope", nil)
	})

	assert.ErrorIs(t, err, context.Canceled)
}
