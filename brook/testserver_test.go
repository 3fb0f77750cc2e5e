package brook

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// relayBehavior tunes the in-process backend used by the connection and
// channel tests.
type relayBehavior struct {
	apiKey       string // accepted key; empty accepts any non-empty key
	challenge    bool   // send auth_required once before accepting credentials
	silent       bool   // never answer the handshake
	rejectReason string // always reject credentials with this error
}

type relayClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (client *relayClient) send(frame Frame) error {
	payload, err := encodeFrame(frame)
	if err != nil {
		return err
	}
	client.writeMu.Lock()
	defer client.writeMu.Unlock()
	return client.conn.WriteMessage(websocket.TextMessage, payload)
}

// testRelay is a minimal in-process backend speaking the wire protocol over
// httptest. Tests drive inbound traffic with broadcast and observe outbound
// traffic through the frames channel.
type testRelay struct {
	server         *httptest.Server
	upgrader       websocket.Upgrader
	behavior       relayBehavior
	muteHeartbeats atomic.Bool
	rejectUpgrades atomic.Bool

	mu      sync.Mutex
	clients map[*relayClient]struct{}
	frames  chan Frame
}

func newTestRelay(t *testing.T, behavior relayBehavior) *testRelay {
	t.Helper()

	relay := &testRelay{
		behavior: behavior,
		clients:  make(map[*relayClient]struct{}),
		frames:   make(chan Frame, 256),
	}
	relay.server = httptest.NewServer(http.HandlerFunc(relay.handle))
	t.Cleanup(relay.server.Close)
	return relay
}

func (relay *testRelay) endpoint() string {
	return "ws" + strings.TrimPrefix(relay.server.URL, "http")
}

func (relay *testRelay) handle(writer http.ResponseWriter, request *http.Request) {
	if relay.rejectUpgrades.Load() {
		http.Error(writer, "unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := relay.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		return
	}
	client := &relayClient{conn: conn}

	relay.mu.Lock()
	relay.clients[client] = struct{}{}
	relay.mu.Unlock()

	defer func() {
		relay.mu.Lock()
		delete(relay.clients, client)
		relay.mu.Unlock()
		_ = conn.Close()
	}()

	authenticated := false
	challenged := false
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frame, parseErr := parseFrame(payload)
		if parseErr != nil {
			continue
		}

		select {
		case relay.frames <- frame:
		default:
		}

		if !authenticated {
			if frame.Type != FrameAuth || relay.behavior.silent {
				continue
			}
			if relay.behavior.challenge && !challenged {
				challenged = true
				_ = client.send(Frame{Type: FrameAuthRequired})
				continue
			}
			if relay.behavior.rejectReason != "" ||
				(relay.behavior.apiKey != "" && frame.APIKey != relay.behavior.apiKey) {
				reason := relay.behavior.rejectReason
				if reason == "" {
					reason = "invalid credentials"
				}
				_ = client.send(Frame{Type: FrameError, Error: reason})
				continue
			}
			authenticated = true
			_ = client.send(Frame{Type: FrameAuthSuccess})
			_ = client.send(Frame{Type: FrameConnected, Timestamp: time.Now().UnixMilli()})
			continue
		}

		switch frame.Type {
		case FrameHeartbeat:
			if !relay.muteHeartbeats.Load() {
				_ = client.send(Frame{Type: FrameHeartbeat, Timestamp: time.Now().UnixMilli()})
			}
		case FrameSubscribe:
			_ = client.send(Frame{Type: FrameSubscribed, Channel: frame.Channel})
		case FrameUnsubscribe:
			_ = client.send(Frame{Type: FrameUnsubscribed, Channel: frame.Channel})
		case FramePublish:
			_ = client.send(Frame{Type: FramePublished, Channel: frame.Channel})
		}
	}
}

// broadcast pushes one frame to every connected client.
func (relay *testRelay) broadcast(t *testing.T, frame Frame) {
	t.Helper()

	relay.mu.Lock()
	targets := make([]*relayClient, 0, len(relay.clients))
	for client := range relay.clients {
		targets = append(targets, client)
	}
	relay.mu.Unlock()

	if len(targets) == 0 {
		t.Fatalf("broadcast with no connected clients")
	}
	for _, client := range targets {
		if err := client.send(frame); err != nil {
			t.Fatalf("broadcast write failed: %v", err)
		}
	}
}

// dropClients severs every connection without a close frame, as a crashed
// backend would.
func (relay *testRelay) dropClients() {
	relay.mu.Lock()
	defer relay.mu.Unlock()
	for client := range relay.clients {
		_ = client.conn.Close()
	}
}

func (relay *testRelay) clientCount() int {
	relay.mu.Lock()
	defer relay.mu.Unlock()
	return len(relay.clients)
}

// awaitFrame blocks until the relay has received a frame of the given type,
// discarding others.
func (relay *testRelay) awaitFrame(t *testing.T, frameType string) Frame {
	t.Helper()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case frame := <-relay.frames:
			if frame.Type == frameType {
				return frame
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q frame", frameType)
		}
	}
}

func waitForState(t *testing.T, connection *Connection, state ConnectionState) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if connection.State() == state {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, still %s", state, connection.State())
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}

func newTestConnection(t *testing.T, relay *testRelay, mutate func(*Options)) *Connection {
	t.Helper()

	options := Options{
		Endpoint:          relay.endpoint(),
		APIKey:            "test-key",
		ReconnectTimeout:  50 * time.Millisecond,
		BackoffJitter:     -1,
		HandshakeTimeout:  2 * time.Second,
		HeartbeatInterval: time.Minute,
		Logger:            NoopLogger{},
	}
	if mutate != nil {
		mutate(&options)
	}

	connection, err := NewConnection(options)
	if err != nil {
		t.Fatalf("NewConnection failed: %v", err)
	}
	t.Cleanup(func() {
		_ = connection.Disconnect()
	})
	return connection
}
