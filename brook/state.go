package brook

import "time"

// ConnectionState is the transport session lifecycle state.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateReconnecting
	StateFailed
	StateUnauthorized
)

// String returns the state name used in connectivity events and logs.
func (state ConnectionState) String() string {
	switch state {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateUnauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

// StateChange is the connectivity event emitted on every state transition.
type StateChange struct {
	State     ConnectionState
	Timestamp time.Time
	ClientID  string
}

// StateListener receives connectivity events.
type StateListener func(StateChange)

// transitionLocked moves the session to the given state and queues the
// connectivity event. Callers must hold connection.lock; queued events are
// delivered by flushStateEvents after the lock is released.
func (connection *Connection) transitionLocked(state ConnectionState) {
	if connection.state == state {
		return
	}
	connection.state = state
	connection.logger.Debugf("state -> %s", state)

	connection.pendingEvents = append(connection.pendingEvents, StateChange{
		State:     state,
		Timestamp: time.Now(),
		ClientID:  connection.clientID,
	})
}

// flushStateEvents delivers queued connectivity events to every listener in
// transition order. Must be called without connection.lock held. Only one
// flusher runs at a time: a caller arriving while another flush is active
// returns immediately and leaves its events to the active flusher, so
// listeners never observe events out of transition order. A listener panic is
// contained and logged, and does not block remaining listeners.
func (connection *Connection) flushStateEvents() {
	connection.lock.Lock()
	if connection.flushingEvents {
		connection.lock.Unlock()
		return
	}
	connection.flushingEvents = true
	for len(connection.pendingEvents) > 0 {
		events := connection.pendingEvents
		connection.pendingEvents = nil
		listeners := make([]StateListener, 0, len(connection.stateListeners))
		for _, listener := range connection.stateListeners {
			listeners = append(listeners, listener)
		}
		connection.lock.Unlock()

		for _, change := range events {
			for _, listener := range listeners {
				connection.invokeStateListener(listener, change)
			}
		}
		connection.lock.Lock()
	}
	connection.flushingEvents = false
	connection.lock.Unlock()
}

func (connection *Connection) invokeStateListener(listener StateListener, change StateChange) {
	defer func() {
		if recovered := recover(); recovered != nil {
			connection.logger.Errorf("state listener panic: %v", recovered)
		}
	}()
	listener(change)
}

// AddStateListener registers a connectivity listener and returns a token for
// RemoveStateListener.
func (connection *Connection) AddStateListener(listener StateListener) uint64 {
	if listener == nil {
		return 0
	}
	connection.lock.Lock()
	defer connection.lock.Unlock()

	connection.nextToken++
	token := connection.nextToken
	connection.stateListeners[token] = listener
	return token
}

// RemoveStateListener removes a previously registered connectivity listener.
func (connection *Connection) RemoveStateListener(token uint64) {
	connection.lock.Lock()
	delete(connection.stateListeners, token)
	connection.lock.Unlock()
}
