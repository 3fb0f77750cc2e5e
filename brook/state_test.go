package brook

import (
	"sync"
	"testing"
)

func TestConnectionStateString(t *testing.T) {
	cases := map[ConnectionState]string{
		StateDisconnected:    "disconnected",
		StateConnecting:      "connecting",
		StateAuthenticating:  "authenticating",
		StateConnected:       "connected",
		StateReconnecting:    "reconnecting",
		StateFailed:          "failed",
		StateUnauthorized:    "unauthorized",
		ConnectionState(999): "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Fatalf("String(%d) = %q, want %q", state, got, want)
		}
	}
}

func TestStateListenerPanicContained(t *testing.T) {
	connection := newOfflineConnection(t, nil)

	delivered := 0
	connection.AddStateListener(func(StateChange) {
		panic("listener exploded")
	})
	connection.AddStateListener(func(StateChange) {
		delivered++
	})

	connection.lock.Lock()
	connection.transitionLocked(StateConnecting)
	connection.lock.Unlock()
	connection.flushStateEvents()

	if delivered != 1 {
		t.Fatalf("panicking sibling starved the listener: got %d", delivered)
	}
}

func TestDuplicateTransitionEmitsNoEvent(t *testing.T) {
	connection := newOfflineConnection(t, nil)

	events := 0
	connection.AddStateListener(func(StateChange) {
		events++
	})

	connection.lock.Lock()
	connection.transitionLocked(StateDisconnected) // already disconnected
	connection.lock.Unlock()
	connection.flushStateEvents()

	if events != 0 {
		t.Fatalf("duplicate transition emitted %d events", events)
	}
}

func TestStateEventsDeliveredInTransitionOrder(t *testing.T) {
	connection := newOfflineConnection(t, nil)

	var mu sync.Mutex
	var observed []ConnectionState
	connection.AddStateListener(func(change StateChange) {
		mu.Lock()
		observed = append(observed, change.State)
		mu.Unlock()
	})

	// Transitions alternate, so duplicates are suppressed at the source and
	// any two consecutive identical events in the listener mean batches were
	// interleaved across flushers.
	var wg sync.WaitGroup
	for worker := 0; worker < 4; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for iteration := 0; iteration < 50; iteration++ {
				connection.lock.Lock()
				connection.transitionLocked(StateConnecting)
				connection.lock.Unlock()
				connection.flushStateEvents()

				connection.lock.Lock()
				connection.transitionLocked(StateDisconnected)
				connection.lock.Unlock()
				connection.flushStateEvents()
			}
		}()
	}
	wg.Wait()
	connection.flushStateEvents()

	mu.Lock()
	defer mu.Unlock()
	if len(observed) == 0 {
		t.Fatalf("no events delivered")
	}
	for index := 1; index < len(observed); index++ {
		if observed[index] == observed[index-1] {
			t.Fatalf("events out of transition order at %d: %v", index, observed[index-1:index+1])
		}
	}
}

func TestStateListenerMayDisconnect(t *testing.T) {
	connection := newOfflineConnection(t, nil)

	var observed []ConnectionState
	connection.AddStateListener(func(change StateChange) {
		observed = append(observed, change.State)
		if change.State == StateConnecting {
			_ = connection.Disconnect()
		}
	})

	connection.lock.Lock()
	connection.transitionLocked(StateConnecting)
	connection.lock.Unlock()
	connection.flushStateEvents()

	if len(observed) != 2 || observed[0] != StateConnecting || observed[1] != StateDisconnected {
		t.Fatalf("unexpected events: %v", observed)
	}
}

func TestRemoveStateListener(t *testing.T) {
	connection := newOfflineConnection(t, nil)

	events := 0
	token := connection.AddStateListener(func(StateChange) {
		events++
	})
	connection.RemoveStateListener(token)

	connection.lock.Lock()
	connection.transitionLocked(StateConnecting)
	connection.lock.Unlock()
	connection.flushStateEvents()

	if events != 0 {
		t.Fatalf("removed listener still invoked %d times", events)
	}
}

func TestNilListenerRejected(t *testing.T) {
	connection := newOfflineConnection(t, nil)
	if token := connection.AddStateListener(nil); token != 0 {
		t.Fatalf("nil listener produced token %d", token)
	}
	if token := connection.OnMessage(nil); token != 0 {
		t.Fatalf("nil handler produced token %d", token)
	}
}
