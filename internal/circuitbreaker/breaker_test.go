package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("settlement backend unavailable")

func fail(b *Breaker) error { return b.Do(func() error { return errBackend }) }
func ok(b *Breaker) error   { return b.Do(func() error { return nil }) }

func TestNew_Defaults(t *testing.T) {
	b := New(Config{})
	assert.Equal(t, 5, b.failureThreshold)
	assert.Equal(t, 2, b.successThreshold)
	assert.Equal(t, 30*time.Second, b.openTimeout)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := New(Config{FailureThreshold: 3, OpenTimeout: time.Hour})

	require.ErrorIs(t, fail(b), errBackend)
	require.ErrorIs(t, fail(b), errBackend)
	assert.Equal(t, StateClosed, b.State(), "below threshold stays closed")

	require.ErrorIs(t, fail(b), errBackend)
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, fail(b), ErrOpen, "open breaker rejects without calling fn")
}

func TestBreaker_SuccessResetsFailureStreak(t *testing.T) {
	b := New(Config{FailureThreshold: 3, OpenTimeout: time.Hour})

	require.Error(t, fail(b))
	require.Error(t, fail(b))
	require.NoError(t, ok(b))
	require.Error(t, fail(b))
	require.Error(t, fail(b))

	assert.Equal(t, StateClosed, b.State(), "streak broken by success")
}

func TestBreaker_HalfOpenProbesAndCloses(t *testing.T) {
	b := New(Config{FailureThreshold: 1, SuccessThreshold: 2, OpenTimeout: time.Millisecond})

	require.Error(t, fail(b))
	assert.Equal(t, StateOpen, b.State())

	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, ok(b))
	assert.Equal(t, StateHalfOpen, b.State(), "one probe success is not enough")
	require.NoError(t, ok(b))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New(Config{FailureThreshold: 1, OpenTimeout: time.Millisecond})

	require.Error(t, fail(b))
	time.Sleep(5 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	require.ErrorIs(t, fail(b), errBackend)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	type change struct{ from, to State }
	var changes []change

	b := New(Config{
		Name:             "settlement",
		FailureThreshold: 1,
		OpenTimeout:      time.Hour,
		OnStateChange: func(name string, from, to State) {
			assert.Equal(t, "settlement", name)
			changes = append(changes, change{from, to})
		},
	})

	require.Error(t, fail(b))
	require.Len(t, changes, 1)
	assert.Equal(t, change{StateClosed, StateOpen}, changes[0])
}
