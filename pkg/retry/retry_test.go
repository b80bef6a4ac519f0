package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
	}
}

func TestDo_PassesAttemptNumber(t *testing.T) {
	var seen []int
	err := Do(context.Background(), fastConfig(2), func(attempt int) error {
		seen = append(seen, attempt)
		if attempt == 1 {
			return errTransient
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, seen)
}

func TestDo_StopsAtMaxAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(2), func(int) error {
		calls++
		return errTransient
	})

	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 2, calls)
}

func TestDo_NonRetryableReturnsImmediately(t *testing.T) {
	cfg := fastConfig(3)
	cfg.RetryableErrors = []error{errTransient}

	fatal := errors.New("fatal")
	calls := 0
	err := Do(context.Background(), cfg, func(int) error {
		calls++
		return fatal
	})

	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestDo_CancelledContextKeepsLastError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastConfig(3)
	cfg.InitialDelay = time.Second

	err := Do(ctx, cfg, func(int) error {
		cancel()
		return errTransient
	})

	assert.ErrorIs(t, err, errTransient)
}

func TestDoWithResult(t *testing.T) {
	got, err := DoWithResult(context.Background(), fastConfig(2), func(attempt int) (string, error) {
		if attempt < 2 {
			return "", errTransient
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
}
