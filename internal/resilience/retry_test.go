package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
	}
}

func TestDo_SucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastRetry(3), func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastRetry(3), func(context.Context) error {
		calls++
		if calls < 3 {
			return NewTransientError(eris.New("overloaded"), 529)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastRetry(3), func(context.Context) error {
		calls++
		return eris.New("bad request")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastRetry(3), func(context.Context) error {
		calls++
		return NewTransientError(eris.New("still down"), 503)
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "still down")
}

func TestDo_ContextCancelStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, fastRetry(5), func(context.Context) error {
		calls++
		cancel()
		return NewTransientError(eris.New("transient"), 500)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ShouldRetryOverride(t *testing.T) {
	cfg := fastRetry(3)
	cfg.ShouldRetry = func(err error) bool { return err.Error() == "again" }

	calls := 0
	err := Do(context.Background(), cfg, func(context.Context) error {
		calls++
		if calls == 1 {
			return eris.New("again")
		}
		return eris.New("done")
	})
	require.Error(t, err)
	assert.Equal(t, "done", err.Error())
	assert.Equal(t, 2, calls)
}

func TestDo_OnRetryCallback(t *testing.T) {
	var attempts []int
	cfg := fastRetry(3)
	cfg.OnRetry = func(attempt int, _ error) { attempts = append(attempts, attempt) }

	_ = Do(context.Background(), cfg, func(context.Context) error {
		return NewTransientError(eris.New("x"), 429)
	})
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestDoVal_ReturnsValue(t *testing.T) {
	calls := 0
	got, err := DoVal(context.Background(), fastRetry(3), func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", NewTransientError(eris.New("retry"), 429)
		}
		return "answer", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "answer", got)
	assert.Equal(t, 2, calls)
}

func TestDoVal_ZeroValueOnFailure(t *testing.T) {
	got, err := DoVal(context.Background(), fastRetry(1), func(context.Context) (int, error) {
		return 42, eris.New("nope")
	})
	require.Error(t, err)
	assert.Zero(t, got)
}

func TestBackoff_GrowsAndCaps(t *testing.T) {
	cfg := RetryConfig{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     300 * time.Millisecond,
		Multiplier:     2.0,
	}.withDefaults()

	assert.Equal(t, 100*time.Millisecond, cfg.backoff(0))
	assert.Equal(t, 200*time.Millisecond, cfg.backoff(1))
	assert.Equal(t, 300*time.Millisecond, cfg.backoff(2), "capped at MaxBackoff")
	assert.Equal(t, 300*time.Millisecond, cfg.backoff(10))
}

func TestBackoff_JitterStaysInRange(t *testing.T) {
	cfg := RetryConfig{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.5,
	}.withDefaults()

	for i := 0; i < 50; i++ {
		d := cfg.backoff(0)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestFromRetryConfig(t *testing.T) {
	cfg := FromRetryConfig(5, 1000, 60000, 3.0, 0.1)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, time.Second, cfg.InitialBackoff)
	assert.Equal(t, time.Minute, cfg.MaxBackoff)
	assert.Equal(t, 3.0, cfg.Multiplier)
	assert.Equal(t, 0.1, cfg.JitterFraction)

	def := FromRetryConfig(0, 0, 0, 0, -1)
	assert.Equal(t, DefaultRetryConfig().MaxAttempts, def.MaxAttempts)
	assert.Equal(t, DefaultRetryConfig().JitterFraction, def.JitterFraction)
}
