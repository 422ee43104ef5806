package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBreaker(threshold int, reset time.Duration) *CircuitBreaker {
	return NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: threshold,
		ResetTimeout:     reset,
	})
}

func failing(context.Context) error { return eris.New("boom") }

func succeeding(context.Context) error { return nil }

func TestCircuit_OpensAfterThreshold(t *testing.T) {
	cb := testBreaker(3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.Error(t, cb.Execute(ctx, failing))
	}
	assert.Equal(t, CircuitOpen, cb.State())

	err := cb.Execute(ctx, succeeding)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuit_SuccessResetsFailureCount(t *testing.T) {
	cb := testBreaker(3, time.Minute)
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, failing))
	require.Error(t, cb.Execute(ctx, failing))
	require.NoError(t, cb.Execute(ctx, succeeding))
	require.Error(t, cb.Execute(ctx, failing))
	require.Error(t, cb.Execute(ctx, failing))

	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuit_HalfOpenRecovery(t *testing.T) {
	cb := testBreaker(1, 10*time.Millisecond)
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, failing))
	assert.Equal(t, CircuitOpen, cb.State())

	time.Sleep(15 * time.Millisecond)
	assert.Equal(t, CircuitHalfOpen, cb.State())

	require.NoError(t, cb.Execute(ctx, succeeding))
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuit_HalfOpenFailureReopens(t *testing.T) {
	cb := testBreaker(1, 10*time.Millisecond)
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, failing))
	time.Sleep(15 * time.Millisecond)
	assert.Equal(t, CircuitHalfOpen, cb.State())

	require.Error(t, cb.Execute(ctx, failing))
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuit_ShouldTripFilter(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		ShouldTrip:       IsTransient,
	})
	ctx := context.Background()

	// Permanent errors pass through without tripping the circuit.
	require.Error(t, cb.Execute(ctx, failing))
	assert.Equal(t, CircuitClosed, cb.State())

	require.Error(t, cb.Execute(ctx, func(context.Context) error {
		return NewTransientError(eris.New("upstream down"), 503)
	}))
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuit_OnStateChange(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	require.Error(t, cb.Execute(context.Background(), failing))
	assert.Equal(t, []string{"closed->open"}, transitions)
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half-open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(99).String())
}

func TestFromCircuitConfig(t *testing.T) {
	cfg := FromCircuitConfig(10, 60)
	assert.Equal(t, 10, cfg.FailureThreshold)
	assert.Equal(t, time.Minute, cfg.ResetTimeout)

	def := FromCircuitConfig(0, 0)
	assert.Equal(t, DefaultCircuitBreakerConfig().FailureThreshold, def.FailureThreshold)
}
