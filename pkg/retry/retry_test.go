package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/devicehub/errors"
)

func quickConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := quickConfig().Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.WrapTransient(errors.New("store unavailable"), "Store", "Get", "document fetch")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoExhaustsAttempts(t *testing.T) {
	attempts := 0
	err := quickConfig().Do(context.Background(), func(context.Context) error {
		attempts++
		return errors.New("still down")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	assert.Equal(t, 3, attempts)
}

func TestDoStopsOnInvalidError(t *testing.T) {
	attempts := 0
	err := quickConfig().Do(context.Background(), func(context.Context) error {
		attempts++
		return errors.WrapInvalid(errors.ErrUnknownModel, "Registry", "Get", "decoder lookup")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts, "invalid errors never retry")
	assert.True(t, errors.Is(err, errors.ErrUnknownModel))
}

func TestDoStopsOnFatalError(t *testing.T) {
	attempts := 0
	err := quickConfig().Do(context.Background(), func(context.Context) error {
		attempts++
		return errors.WrapFatal(errors.New("schema corrupt"), "Store", "Init", "schema load")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestDoRespectsContextDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	config := Config{MaxAttempts: 5, InitialDelay: time.Hour}

	done := make(chan error, 1)
	go func() {
		done <- config.Do(ctx, func(context.Context) error {
			return errors.New("down")
		})
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("retry did not observe cancellation")
	}
}

func TestDoWithResult(t *testing.T) {
	attempts := 0
	value, err := DoWithResult(context.Background(), quickConfig(), func(context.Context) (int, error) {
		attempts++
		if attempts < 2 {
			return 0, errors.New("not yet")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, value)
}
