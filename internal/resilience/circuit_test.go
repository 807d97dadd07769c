package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUnavailable = NewTransientError(errors.New("503 service unavailable"), 503)

func newTestBreaker(threshold int) (*CircuitBreaker, *time.Time) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: threshold, ResetTimeout: time.Minute})
	cb.nowFunc = func() time.Time { return now }
	return cb, &now
}

func fail(cb *CircuitBreaker, err error) error {
	return cb.Execute(context.Background(), func(_ context.Context) error { return err })
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	t.Parallel()

	cb, _ := newTestBreaker(3)
	for i := 0; i < 3; i++ {
		assert.Equal(t, CircuitClosed, cb.State())
		_ = fail(cb, errUnavailable)
	}
	assert.Equal(t, CircuitOpen, cb.State())

	called := false
	err := cb.Execute(context.Background(), func(_ context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_PermanentErrorsDoNotTrip(t *testing.T) {
	t.Parallel()

	cb, _ := newTestBreaker(2)
	for i := 0; i < 5; i++ {
		_ = fail(cb, errors.New("malformed reply"))
	}
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	t.Parallel()

	cb, _ := newTestBreaker(3)
	_ = fail(cb, errUnavailable)
	_ = fail(cb, errUnavailable)
	require.NoError(t, fail(cb, nil))
	_ = fail(cb, errUnavailable)
	_ = fail(cb, errUnavailable)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	t.Parallel()

	var changes []string
	cb, now := newTestBreaker(1)
	cb.cfg.OnStateChange = func(from, to CircuitState) { changes = append(changes, from.String()+"->"+to.String()) }

	_ = fail(cb, errUnavailable)
	assert.Equal(t, CircuitOpen, cb.State())

	*now = now.Add(2 * time.Minute)
	assert.Equal(t, CircuitHalfOpen, cb.State())

	// Failed probe reopens.
	_ = fail(cb, errUnavailable)
	assert.Equal(t, CircuitOpen, cb.State())

	*now = now.Add(2 * time.Minute)
	v, err := ExecuteVal(context.Background(), cb, func(_ context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, CircuitClosed, cb.State())

	assert.Equal(t, []string{
		"closed->open", "open->half-open", "half-open->open", "open->half-open", "half-open->closed",
	}, changes)
}

func TestCircuitBreaker_Reset(t *testing.T) {
	t.Parallel()

	cb, _ := newTestBreaker(1)
	_ = fail(cb, errUnavailable)
	cb.Reset()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.NoError(t, fail(cb, nil))
}

func TestCircuitState_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half-open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(9).String())
}
