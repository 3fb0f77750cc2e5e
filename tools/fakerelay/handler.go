package main

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// frame mirrors the brook wire protocol; type discriminates the fields.
type frame struct {
	Type       string          `json:"type"`
	APIKey     string          `json:"apiKey,omitempty"`
	Channel    string          `json:"channel,omitempty"`
	Message    json.RawMessage `json:"message,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Offset     uint64          `json:"offset,omitempty"`
	FromOffset *uint64         `json:"fromOffset,omitempty"`
	Timestamp  int64           `json:"timestamp,omitempty"`
	Replay     bool            `json:"replay,omitempty"`
	Error      string          `json:"error,omitempty"`
}

type relayConfig struct {
	acceptedKeys      map[string]struct{}
	challenge         bool
	journalMax        int
	heartbeatInterval time.Duration
	logConnections    bool
	authDelay         time.Duration
}

type relay struct {
	config   relayConfig
	journal  *messageJournal
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[*session]struct{}
}

func newRelay(config relayConfig) *relay {
	return &relay{
		config:  config,
		journal: newMessageJournal(config.journalMax),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: make(map[*session]struct{}),
	}
}

type session struct {
	relay      *relay
	conn       *websocket.Conn
	writeMu    sync.Mutex
	authed     atomic.Bool
	challenged bool

	subMu sync.Mutex
	subs  map[string]bool
}

func (relay *relay) handleWebsocket(writer http.ResponseWriter, request *http.Request) {
	conn, err := relay.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		log.Printf("fakerelay: upgrade: %v", err)
		return
	}

	client := &session{
		relay: relay,
		conn:  conn,
		subs:  make(map[string]bool),
	}

	relay.mu.Lock()
	relay.sessions[client] = struct{}{}
	relay.mu.Unlock()

	if relay.config.logConnections {
		log.Printf("fakerelay: connect %s", conn.RemoteAddr())
	}

	var stopHeartbeat chan struct{}
	if relay.config.heartbeatInterval > 0 {
		stopHeartbeat = make(chan struct{})
		go client.heartbeatLoop(relay.config.heartbeatInterval, stopHeartbeat)
	}

	client.readLoop()

	if stopHeartbeat != nil {
		close(stopHeartbeat)
	}
	relay.mu.Lock()
	delete(relay.sessions, client)
	relay.mu.Unlock()

	if relay.config.logConnections {
		log.Printf("fakerelay: disconnect %s", conn.RemoteAddr())
	}
	_ = conn.Close()
}

func (client *session) readLoop() {
	for {
		_, payload, err := client.conn.ReadMessage()
		if err != nil {
			return
		}

		var inbound frame
		if err := json.Unmarshal(payload, &inbound); err != nil {
			log.Printf("fakerelay: dropping malformed frame: %v", err)
			continue
		}
		client.handleFrame(inbound)
	}
}

func (client *session) handleFrame(inbound frame) {
	if !client.authed.Load() {
		client.handleHandshake(inbound)
		return
	}

	switch inbound.Type {
	case "heartbeat":
		client.send(frame{Type: "heartbeat", Timestamp: time.Now().UnixMilli()})

	case "subscribe":
		if inbound.Channel == "" {
			return
		}
		client.subMu.Lock()
		client.subs[inbound.Channel] = true
		client.subMu.Unlock()
		client.send(frame{Type: "subscribed", Channel: inbound.Channel})

		var fromOffset uint64
		if inbound.FromOffset != nil {
			fromOffset = *inbound.FromOffset
		}
		for _, entry := range client.relay.journal.replay(inbound.Channel, fromOffset) {
			client.send(frame{
				Type:      "message",
				Channel:   inbound.Channel,
				Data:      entry.data,
				Offset:    entry.offset,
				Timestamp: entry.timestamp,
				Replay:    true,
			})
		}

	case "unsubscribe":
		if inbound.Channel == "" {
			return
		}
		client.subMu.Lock()
		delete(client.subs, inbound.Channel)
		client.subMu.Unlock()
		client.send(frame{Type: "unsubscribed", Channel: inbound.Channel})

	case "publish":
		if inbound.Channel == "" {
			return
		}
		entry := client.relay.journal.append(inbound.Channel, inbound.Message)
		client.send(frame{Type: "published", Channel: inbound.Channel})
		client.relay.fanout(inbound.Channel, entry)

	default:
		log.Printf("fakerelay: ignoring %q frame", inbound.Type)
	}
}

func (client *session) handleHandshake(inbound frame) {
	if client.relay.config.authDelay > 0 {
		time.Sleep(client.relay.config.authDelay)
	}

	switch inbound.Type {
	case "auth":
		if client.relay.config.challenge && !client.challenged {
			client.challenged = true
			client.send(frame{Type: "auth_required"})
			return
		}
		if !client.relay.acceptsKey(inbound.APIKey) {
			client.send(frame{Type: "error", Error: "invalid credentials"})
			deadline := time.Now().Add(time.Second)
			_ = client.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid credentials"), deadline)
			_ = client.conn.Close()
			return
		}
		client.authed.Store(true)
		client.send(frame{Type: "auth_success"})
		client.send(frame{Type: "connected", Timestamp: time.Now().UnixMilli()})

	case "heartbeat":
		client.send(frame{Type: "heartbeat", Timestamp: time.Now().UnixMilli()})

	default:
		log.Printf("fakerelay: %q frame before authentication", inbound.Type)
	}
}

func (client *session) heartbeatLoop(interval time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			client.send(frame{Type: "heartbeat", Timestamp: time.Now().UnixMilli()})
		}
	}
}

func (client *session) send(outbound frame) {
	payload, err := json.Marshal(outbound)
	if err != nil {
		return
	}
	client.writeMu.Lock()
	defer client.writeMu.Unlock()
	_ = client.conn.WriteMessage(websocket.TextMessage, payload)
}

func (client *session) subscribed(channel string) bool {
	client.subMu.Lock()
	defer client.subMu.Unlock()
	return client.subs[channel]
}

func (relay *relay) acceptsKey(apiKey string) bool {
	if apiKey == "" {
		return false
	}
	if len(relay.config.acceptedKeys) == 0 {
		return true
	}
	_, accepted := relay.config.acceptedKeys[apiKey]
	return accepted
}

// fanout delivers one journaled message to every authenticated subscriber.
func (relay *relay) fanout(channel string, entry journalEntry) {
	relay.mu.Lock()
	targets := make([]*session, 0, len(relay.sessions))
	for client := range relay.sessions {
		targets = append(targets, client)
	}
	relay.mu.Unlock()

	outbound := frame{
		Type:      "message",
		Channel:   channel,
		Data:      entry.data,
		Offset:    entry.offset,
		Timestamp: entry.timestamp,
	}
	for _, client := range targets {
		if client.authed.Load() && client.subscribed(channel) {
			client.send(outbound)
		}
	}
}

// handlePublishHTTP implements the one-shot HTTP fallback publish endpoint.
func (relay *relay) handlePublishHTTP(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		http.Error(writer, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token := strings.TrimPrefix(request.Header.Get("Authorization"), "Bearer ")
	if !relay.acceptsKey(token) {
		http.Error(writer, "invalid credentials", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(request.Body, 1<<20))
	if err != nil {
		http.Error(writer, "read body", http.StatusBadRequest)
		return
	}

	var inbound frame
	if err := json.Unmarshal(body, &inbound); err != nil || inbound.Type != "publish" || inbound.Channel == "" {
		http.Error(writer, "malformed publish frame", http.StatusBadRequest)
		return
	}

	entry := relay.journal.append(inbound.Channel, inbound.Message)
	relay.fanout(inbound.Channel, entry)
	writer.WriteHeader(http.StatusAccepted)
}
