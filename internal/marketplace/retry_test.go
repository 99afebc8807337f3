package marketplace

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastPolicy = RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}

func TestRetryTransientThenSuccess(t *testing.T) {
	calls := 0
	v, err := Retry(context.Background(), fastPolicy, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, NewError(KindTransport, "search", 0, errors.New("connection reset"))
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 3, calls)
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), fastPolicy, func() (struct{}, error) {
		calls++
		return struct{}{}, NewError(KindRejection, "balance", 503, errors.New("unavailable"))
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, KindRejection, KindOf(err))
}

func TestRetryDoesNotRetryPermanentKinds(t *testing.T) {
	for _, kind := range []Kind{KindGone, KindDecode} {
		t.Run(kind.String(), func(t *testing.T) {
			calls := 0
			_, err := Retry(context.Background(), fastPolicy, func() (int, error) {
				calls++
				return 0, NewError(kind, "buy", 404, errors.New("nope"))
			})
			require.Error(t, err)
			assert.Equal(t, 1, calls)
			assert.Equal(t, kind, KindOf(err))
		})
	}
}

func TestRetryStopsOnContextError(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), fastPolicy, func() (int, error) {
		calls++
		return 0, context.Canceled
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestErrorHelpers(t *testing.T) {
	err := NewError(KindGone, "buy", 410, errors.New("listing sold"))
	wrapped := errors.Join(errors.New("purchase failed"), err)

	assert.True(t, IsGone(wrapped))
	assert.Equal(t, KindGone, KindOf(wrapped))
	assert.Equal(t, Kind(0), KindOf(errors.New("plain")))
	assert.Contains(t, err.Error(), "status 410")
	assert.False(t, err.Retryable())
	assert.True(t, NewError(KindTransport, "x", 0, errors.New("t")).Retryable())
}

func TestFinalStopsRetryAndUnwraps(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), fastPolicy, func() (struct{}, error) {
		calls++
		return struct{}{}, Final(NewError(KindTransport, "buy", 0, errors.New("connection reset")))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	e, ok := err.(*Error)
	require.True(t, ok, "got %T", err)
	assert.Equal(t, KindTransport, e.Kind)
}
