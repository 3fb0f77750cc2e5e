package brook

import (
	"math/rand"
	"sync"
	"time"
)

const backoffFloor = 100 * time.Millisecond

// BackoffConfig holds the delay-computation parameters for reconnect backoff.
type BackoffConfig struct {
	InitialDelay   time.Duration
	Multiplier     float64
	MaxDelay       time.Duration
	JitterFraction float64
	MaxAttempts    int
}

// ReconnectBackoff computes increasing, jittered wait times between
// reconnection attempts. It performs no I/O and owns no timers.
type ReconnectBackoff struct {
	lock         sync.Mutex
	config       BackoffConfig
	attempts     int
	currentDelay time.Duration
}

// NewReconnectBackoff returns a new ReconnectBackoff with sanitized config.
func NewReconnectBackoff(config BackoffConfig) *ReconnectBackoff {
	if config.InitialDelay <= 0 {
		config.InitialDelay = time.Second
	}
	if config.Multiplier < 1 {
		config.Multiplier = 2
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 30 * time.Second
	}
	if config.JitterFraction < 0 {
		config.JitterFraction = 0
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 10
	}
	return &ReconnectBackoff{
		config:       config,
		currentDelay: config.InitialDelay,
	}
}

func (backoff *ReconnectBackoff) jitteredDelay(base time.Duration) time.Duration {
	delay := base
	if backoff.config.JitterFraction > 0 {
		span := float64(base) * backoff.config.JitterFraction
		delay = base + time.Duration((rand.Float64()*2-1)*span)
	}
	if delay < backoffFloor {
		delay = backoffFloor
	}
	if delay > backoff.config.MaxDelay {
		delay = backoff.config.MaxDelay
	}
	return delay
}

// NextDelay returns the wait before the next attempt and advances the
// attempt count. It fails with MaxAttemptsExceededError once the configured
// attempt budget is used up.
func (backoff *ReconnectBackoff) NextDelay() (time.Duration, error) {
	backoff.lock.Lock()
	defer backoff.lock.Unlock()

	if backoff.attempts >= backoff.config.MaxAttempts {
		return 0, NewError(MaxAttemptsExceededError, "reconnect attempts exhausted")
	}

	delay := backoff.jitteredDelay(backoff.currentDelay)

	next := time.Duration(float64(backoff.currentDelay) * backoff.config.Multiplier)
	if next > backoff.config.MaxDelay {
		next = backoff.config.MaxDelay
	}
	backoff.currentDelay = next
	backoff.attempts++

	return delay, nil
}

// PeekDelay computes the delay the next NextDelay call would return without
// advancing the attempt count. Intended for diagnostics.
func (backoff *ReconnectBackoff) PeekDelay() (time.Duration, error) {
	backoff.lock.Lock()
	defer backoff.lock.Unlock()

	if backoff.attempts >= backoff.config.MaxAttempts {
		return 0, NewError(MaxAttemptsExceededError, "reconnect attempts exhausted")
	}
	return backoff.jitteredDelay(backoff.currentDelay), nil
}

// AttemptsExceeded reports whether the attempt budget is used up.
func (backoff *ReconnectBackoff) AttemptsExceeded() bool {
	backoff.lock.Lock()
	defer backoff.lock.Unlock()
	return backoff.attempts >= backoff.config.MaxAttempts
}

// Attempts returns the attempt count since the last reset.
func (backoff *ReconnectBackoff) Attempts() int {
	backoff.lock.Lock()
	defer backoff.lock.Unlock()
	return backoff.attempts
}

// Reset clears the attempt count back to the initial delay. Called on every
// successful connection.
func (backoff *ReconnectBackoff) Reset() {
	backoff.lock.Lock()
	backoff.attempts = 0
	backoff.currentDelay = backoff.config.InitialDelay
	backoff.lock.Unlock()
}
