package brook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDelaySequence(t *testing.T) {
	backoff := NewReconnectBackoff(BackoffConfig{
		InitialDelay:   time.Second,
		Multiplier:     2,
		MaxDelay:       8 * time.Second,
		JitterFraction: 0,
		MaxAttempts:    5,
	})

	expected := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		8 * time.Second, // capped
	}
	for attempt, want := range expected {
		delay, err := backoff.NextDelay()
		require.NoError(t, err, "attempt %d", attempt)
		assert.Equal(t, want, delay, "attempt %d", attempt)
	}

	require.True(t, backoff.AttemptsExceeded())
	_, err := backoff.NextDelay()
	require.Error(t, err)
	assert.Equal(t, MaxAttemptsExceededError, ErrorCode(err))
}

func TestBackoffJitterBounds(t *testing.T) {
	backoff := NewReconnectBackoff(BackoffConfig{
		InitialDelay:   time.Second,
		Multiplier:     2,
		MaxDelay:       30 * time.Second,
		JitterFraction: 0.5,
		MaxAttempts:    10,
	})

	for trial := 0; trial < 200; trial++ {
		delay, err := backoff.PeekDelay()
		require.NoError(t, err)
		assert.GreaterOrEqual(t, delay, 500*time.Millisecond)
		assert.LessOrEqual(t, delay, 1500*time.Millisecond)
	}
	// Peeking never consumes the attempt budget.
	assert.Equal(t, 0, backoff.Attempts())
}

func TestBackoffFloor(t *testing.T) {
	backoff := NewReconnectBackoff(BackoffConfig{
		InitialDelay:   time.Millisecond,
		Multiplier:     2,
		MaxDelay:       time.Second,
		JitterFraction: 0,
		MaxAttempts:    10,
	})

	delay, err := backoff.NextDelay()
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, delay)
}

func TestBackoffReset(t *testing.T) {
	backoff := NewReconnectBackoff(BackoffConfig{
		InitialDelay:   time.Second,
		Multiplier:     2,
		MaxDelay:       8 * time.Second,
		JitterFraction: 0,
		MaxAttempts:    2,
	})

	for attempt := 0; attempt < 2; attempt++ {
		_, err := backoff.NextDelay()
		require.NoError(t, err)
	}
	require.True(t, backoff.AttemptsExceeded())
	_, err := backoff.PeekDelay()
	require.Error(t, err)

	backoff.Reset()
	require.False(t, backoff.AttemptsExceeded())
	assert.Equal(t, 0, backoff.Attempts())

	delay, err := backoff.NextDelay()
	require.NoError(t, err)
	assert.Equal(t, time.Second, delay, "reset must return to the initial delay")
}

func TestBackoffSanitizesConfig(t *testing.T) {
	backoff := NewReconnectBackoff(BackoffConfig{
		Multiplier:     0.5,
		JitterFraction: -1,
	})

	delay, err := backoff.NextDelay()
	require.NoError(t, err)
	assert.Equal(t, time.Second, delay)

	delay, err = backoff.NextDelay()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, delay, "multiplier below 1 falls back to doubling")
}
