package circuitbreaker

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func newBreakerForTest(t *testing.T, clock clockwork.Clock, threshold int, recovery time.Duration) *CircuitBreaker {
	t.Helper()
	log := slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
	cb, err := New(&Config{
		Name:             "vision-api",
		Logger:           log,
		Clock:            clock,
		FailureThreshold: threshold,
		RecoveryTimeout:  recovery,
	})
	require.NoError(t, err)
	return cb
}

func failingOp(err error) func(context.Context) error {
	return func(context.Context) error { return err }
}

func TestCircuitBreaker_New_Validation(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(&strings.Builder{}, nil))

	_, err := New(&Config{Logger: log})
	require.Error(t, err)

	_, err = New(&Config{Name: "dep"})
	require.Error(t, err)

	cb, err := New(&Config{Name: "dep", Logger: log})
	require.NoError(t, err)
	require.Equal(t, StateClosed, cb.State())
	require.Equal(t, defaultFailureThreshold, cb.Stats().FailureThreshold)
	require.Equal(t, defaultRecoveryTimeout, cb.Stats().RecoveryTimeout)
}

func TestCircuitBreaker_Closed_SuccessResetsFailures(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	cb := newBreakerForTest(t, clock, 3, time.Minute)
	boom := errors.New("boom")

	require.Error(t, cb.Call(context.Background(), failingOp(boom)))
	require.Error(t, cb.Call(context.Background(), failingOp(boom)))
	require.Equal(t, 2, cb.Stats().FailureCount)

	require.NoError(t, cb.Call(context.Background(), failingOp(nil)))
	require.Equal(t, 0, cb.Stats().FailureCount)
	require.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_OpensAtThresholdAndRejects(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	cb := newBreakerForTest(t, clock, 3, time.Minute)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		err := cb.Call(context.Background(), failingOp(boom))
		require.ErrorIs(t, err, boom)
	}
	require.Equal(t, StateOpen, cb.State())

	// While open, the operation must not be invoked.
	invoked := false
	err := cb.Call(context.Background(), func(context.Context) error {
		invoked = true
		return nil
	})
	require.ErrorIs(t, err, ErrOpen)
	require.Contains(t, err.Error(), "Circuit is open")
	require.False(t, invoked)
}

func TestCircuitBreaker_HalfOpen_SingleProbe(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	cb := newBreakerForTest(t, clock, 1, time.Minute)

	require.Error(t, cb.Call(context.Background(), failingOp(errors.New("boom"))))
	require.Equal(t, StateOpen, cb.State())

	clock.Advance(time.Minute)

	// First call after the timeout becomes the probe.
	probeDone, rejected := cb.Allow()
	require.NoError(t, rejected)
	require.Equal(t, StateHalfOpen, cb.State())
	require.True(t, cb.Stats().ProbeInProgress)

	// A concurrent call while the probe is outstanding is rejected.
	_, rejected = cb.Allow()
	require.ErrorIs(t, rejected, ErrOpen)

	probeDone(nil)
	require.Equal(t, StateClosed, cb.State())
	require.Equal(t, 0, cb.Stats().FailureCount)
	require.False(t, cb.Stats().ProbeInProgress)
}

func TestCircuitBreaker_HalfOpen_FailedProbeReopens(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	cb := newBreakerForTest(t, clock, 1, time.Minute)

	require.Error(t, cb.Call(context.Background(), failingOp(errors.New("boom"))))
	clock.Advance(time.Minute)

	err := cb.Call(context.Background(), failingOp(errors.New("still down")))
	require.Error(t, err)
	require.Equal(t, StateOpen, cb.State())

	// Recovery timer restarted: a call short of the timeout is rejected,
	// one past it probes again.
	clock.Advance(30 * time.Second)
	_, rejected := cb.Allow()
	require.ErrorIs(t, rejected, ErrOpen)

	clock.Advance(30 * time.Second)
	done, rejected := cb.Allow()
	require.NoError(t, rejected)
	done(nil)
	require.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_ExcludedErrorsBypassCounting(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	log := slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
	badInput := errors.New("bad input")
	cb, err := New(&Config{
		Name:             "vision-api",
		Logger:           log,
		Clock:            clock,
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
		ExcludedErrors:   []error{badInput},
	})
	require.NoError(t, err)

	// Excluded errors propagate untouched and trip nothing, even at
	// threshold 1.
	callErr := cb.Call(context.Background(), failingOp(badInput))
	require.ErrorIs(t, callErr, badInput)
	require.Equal(t, StateClosed, cb.State())
	require.Equal(t, 0, cb.Stats().FailureCount)

	// A non-excluded error still counts.
	require.Error(t, cb.Call(context.Background(), failingOp(errors.New("boom"))))
	require.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_ExcludedErrorDuringProbeKeepsHalfOpen(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	log := slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
	badInput := errors.New("bad input")
	cb, err := New(&Config{
		Name:             "vision-api",
		Logger:           log,
		Clock:            clock,
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
		ExcludedErrors:   []error{badInput},
	})
	require.NoError(t, err)

	require.Error(t, cb.Call(context.Background(), failingOp(errors.New("boom"))))
	clock.Advance(time.Minute)

	callErr := cb.Call(context.Background(), failingOp(badInput))
	require.ErrorIs(t, callErr, badInput)
	require.Equal(t, StateHalfOpen, cb.State())
	require.False(t, cb.Stats().ProbeInProgress)

	// Probe slot freed: the next call probes and can close the breaker.
	require.NoError(t, cb.Call(context.Background(), failingOp(nil)))
	require.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_TripAndReset(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	cb := newBreakerForTest(t, clock, 5, time.Minute)

	cb.Trip()
	require.Equal(t, StateOpen, cb.State())
	_, rejected := cb.Allow()
	require.ErrorIs(t, rejected, ErrOpen)

	cb.Reset()
	require.Equal(t, StateClosed, cb.State())
	stats := cb.Stats()
	require.Zero(t, stats.FailureCount)
	require.Zero(t, stats.SuccessCount)
	require.Zero(t, stats.TotalCalls)
	require.NoError(t, cb.Call(context.Background(), failingOp(nil)))
}

func TestCircuitBreaker_DoneRecordsExactlyOnce(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	cb := newBreakerForTest(t, clock, 2, time.Minute)

	done, rejected := cb.Allow()
	require.NoError(t, rejected)

	// Calling done repeatedly must count a single failure.
	boom := errors.New("boom")
	done(boom)
	done(boom)
	done(nil)
	require.Equal(t, 1, cb.Stats().FailureCount)
	require.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_StatsTimeInState(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	cb := newBreakerForTest(t, clock, 1, time.Minute)

	clock.Advance(10 * time.Second)
	require.Equal(t, 10*time.Second, cb.Stats().TimeInState)

	cb.Trip()
	clock.Advance(3 * time.Second)
	stats := cb.Stats()
	require.Equal(t, StateOpen, stats.State)
	require.Equal(t, 3*time.Second, stats.TimeInState)
	require.Equal(t, clock.Now().Add(-3*time.Second), stats.LastFailureTime)
}
