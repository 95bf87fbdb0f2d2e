package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream 503")

func fail(context.Context) error { return errUpstream }
func succeed(context.Context) error { return nil }

func newTestBreaker(threshold int) (*Breaker, *time.Time) {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := New(Config{FailureThreshold: threshold, Timeout: time.Minute})
	b.now = func() time.Time { return clock }
	return b, &clock
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3)
	ctx := context.Background()

	for range 3 {
		require.ErrorIs(t, b.Execute(ctx, fail), errUpstream)
	}
	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestBreaker_HalfOpenProbeCloses(t *testing.T) {
	b, clock := newTestBreaker(1)
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, fail))
	require.Equal(t, StateOpen, b.State())

	*clock = clock.Add(2 * time.Minute)
	require.NoError(t, b.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(1)
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, fail))
	*clock = clock.Add(2 * time.Minute)

	require.ErrorIs(t, b.Execute(ctx, fail), errUpstream)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_IgnoresNonFailures(t *testing.T) {
	badInput := errors.New("400 bad request")
	b := New(Config{
		FailureThreshold: 1,
		IsFailure:        func(err error) bool { return !errors.Is(err, badInput) },
	})

	for range 5 {
		require.ErrorIs(t, b.Execute(context.Background(), func(context.Context) error { return badInput }), badInput)
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_CancelledContextShortCircuits(t *testing.T) {
	b := New(DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Execute(ctx, succeed)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	var transitions []string
	b := New(Config{
		FailureThreshold: 1,
		OnStateChange: func(from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	require.Error(t, b.Execute(context.Background(), fail))
	b.Reset()

	assert.Equal(t, []string{"closed->open", "open->closed"}, transitions)
}
