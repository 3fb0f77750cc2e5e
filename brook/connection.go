package brook

import (
	"errors"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// MessageHandler receives every authenticated, non-heartbeat inbound frame.
type MessageHandler func(Frame)

// Connection owns the physical websocket, the session state machine, the
// authentication handshake, heartbeat liveness, the bounded outbox, and
// reconnection scheduling. All wire traffic for every channel funnels
// through one Connection.
type Connection struct {
	lock      sync.Mutex
	writeLock sync.Mutex

	options  Options
	clientID string
	logger   Logger
	backoff  *ReconnectBackoff
	store    OffsetStore

	state            ConnectionState
	authenticated    bool
	manualDisconnect bool

	socket *websocket.Conn
	// epoch identifies the active socket generation; callbacks from a
	// superseded socket compare epochs and bail out.
	epoch uint64

	handshakeResult chan error

	queue    *outbox
	channels map[string]*Channel

	messageHandlers map[uint64]MessageHandler
	stateListeners  map[uint64]StateListener
	nextToken       uint64
	pendingEvents   []StateChange
	flushingEvents  bool

	lastPong       time.Time
	heartbeatTimer *time.Timer
	reconnectTimer *time.Timer

	attemptInFlight bool
	connectWaiters  []chan error
}

// NewConnection returns a new Connection. The session starts Disconnected;
// call Connect to establish and authenticate the transport.
func NewConnection(options Options) (*Connection, error) {
	if options.Endpoint == "" {
		return nil, NewError(ConnectionRefusedError, "an endpoint must be specified")
	}
	if options.APIKey == "" {
		return nil, NewError(AuthenticationFailedError, "an apiKey must be specified")
	}

	options = options.withDefaults()
	clientID := options.ClientID
	if clientID == "" {
		clientID = "brook-" + strconv.FormatInt(time.Now().Unix(), 10) +
			"-" + strconv.FormatInt(rand.Int63n(1000000000000), 10)
	}

	return &Connection{
		options:         options,
		clientID:        clientID,
		logger:          options.Logger,
		backoff:         NewReconnectBackoff(options.backoffConfig()),
		store:           options.OffsetStore,
		state:           StateDisconnected,
		queue:           newOutbox(options.OutboxCapacity),
		channels:        make(map[string]*Channel),
		messageHandlers: make(map[uint64]MessageHandler),
		stateListeners:  make(map[uint64]StateListener),
	}, nil
}

// ClientID returns the stable client identifier generated at construction.
func (connection *Connection) ClientID() string { return connection.clientID }

// State returns the current session state.
func (connection *Connection) State() ConnectionState {
	connection.lock.Lock()
	defer connection.lock.Unlock()
	return connection.state
}

// IsAuthenticated reports whether the handshake has completed on the current
// socket.
func (connection *Connection) IsAuthenticated() bool {
	connection.lock.Lock()
	defer connection.lock.Unlock()
	return connection.authenticated
}

// Connected reports whether the session is connected and authenticated.
func (connection *Connection) Connected() bool {
	connection.lock.Lock()
	defer connection.lock.Unlock()
	return connection.state == StateConnected && connection.authenticated
}

// OutboxSize returns the number of messages awaiting transmission.
func (connection *Connection) OutboxSize() int {
	connection.lock.Lock()
	defer connection.lock.Unlock()
	return connection.queue.size()
}

// OnMessage registers a handler for every authenticated, non-heartbeat
// inbound frame and returns a token for RemoveMessageHandler.
func (connection *Connection) OnMessage(handler MessageHandler) uint64 {
	if handler == nil {
		return 0
	}
	connection.lock.Lock()
	defer connection.lock.Unlock()

	connection.nextToken++
	token := connection.nextToken
	connection.messageHandlers[token] = handler
	return token
}

// RemoveMessageHandler removes a previously registered message handler.
func (connection *Connection) RemoveMessageHandler(token uint64) {
	connection.lock.Lock()
	delete(connection.messageHandlers, token)
	connection.lock.Unlock()
}

// Channel returns the Channel for the given topic name, creating it on first
// request and caching it for the session lifetime.
func (connection *Connection) Channel(name string) (*Channel, error) {
	if name == "" {
		return nil, NewError(InvalidTopicError, "channel name must be a non-empty string")
	}

	connection.lock.Lock()
	defer connection.lock.Unlock()

	if existing := connection.channels[name]; existing != nil {
		return existing, nil
	}
	channel := newChannel(connection, name)
	connection.channels[name] = channel
	return channel, nil
}

// Connect establishes and authenticates the transport. It is idempotent
// under concurrency: a caller invoking it while an attempt is in flight
// receives that attempt's outcome instead of opening a duplicate socket.
// Connect resets a Failed session and restarts the backoff budget.
func (connection *Connection) Connect() error {
	connection.lock.Lock()
	if connection.state == StateConnected && connection.authenticated {
		connection.lock.Unlock()
		return nil
	}
	if connection.attemptInFlight {
		waiter := make(chan error, 1)
		connection.connectWaiters = append(connection.connectWaiters, waiter)
		connection.lock.Unlock()
		return <-waiter
	}

	connection.attemptInFlight = true
	connection.manualDisconnect = false
	connection.cancelReconnectLocked()
	connection.backoff.Reset()
	connection.transitionLocked(StateConnecting)
	connection.lock.Unlock()
	connection.flushStateEvents()

	err := connection.attempt()

	connection.lock.Lock()
	connection.attemptInFlight = false
	waiters := connection.connectWaiters
	connection.connectWaiters = nil
	if err != nil && connection.socket == nil &&
		connection.state != StateUnauthorized && connection.state != StateDisconnected {
		connection.transitionLocked(StateDisconnected)
	}
	connection.lock.Unlock()
	connection.flushStateEvents()

	for _, waiter := range waiters {
		waiter <- err
	}
	return err
}

// attempt opens one socket and runs the handshake to completion. Callers own
// attemptInFlight and the surrounding state transitions on failure.
func (connection *Connection) attempt() error {
	dialer := websocket.Dialer{HandshakeTimeout: connection.options.ConnectTimeout}
	socket, response, err := dialer.Dial(connection.options.Endpoint, nil)
	if response != nil && response.Body != nil && err != nil {
		_ = response.Body.Close()
	}
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return NewError(ConnectionTimeoutError, err)
		}
		return NewError(ConnectionRefusedError, err)
	}

	connection.lock.Lock()
	if connection.manualDisconnect {
		connection.lock.Unlock()
		_ = socket.Close()
		return NewError(NotConnectedError, "disconnected while connecting")
	}
	connection.socket = socket
	connection.epoch++
	epoch := connection.epoch
	handshake := make(chan error, 1)
	connection.handshakeResult = handshake
	connection.authenticated = false
	connection.transitionLocked(StateAuthenticating)
	connection.lock.Unlock()
	connection.flushStateEvents()

	go connection.readLoop(socket, epoch)

	// Credentials go out immediately; there is no challenge-response wait.
	if writeErr := connection.writeFrame(socket, authFrame(connection.options.APIKey)); writeErr != nil {
		connection.teardownSocket(socket, epoch)
		return NewError(ConnectionRefusedError, writeErr)
	}

	timer := time.NewTimer(connection.options.HandshakeTimeout)
	defer timer.Stop()

	var handshakeErr error
	select {
	case handshakeErr = <-handshake:
	case <-timer.C:
		handshakeErr = NewError(AuthenticationTimeoutError, "authentication handshake timed out")
	}

	if handshakeErr != nil {
		connection.teardownSocket(socket, epoch)
		if ErrorCode(handshakeErr) == AuthenticationFailedError {
			connection.lock.Lock()
			connection.transitionLocked(StateUnauthorized)
			connection.lock.Unlock()
			connection.flushStateEvents()
		}
		return handshakeErr
	}

	connection.lock.Lock()
	if connection.socket != socket {
		connection.lock.Unlock()
		return NewError(NotConnectedError, "connection closed during handshake")
	}
	connection.handshakeResult = nil
	connection.authenticated = true
	connection.lastPong = time.Now()
	connection.backoff.Reset()
	connection.transitionLocked(StateConnected)
	connection.scheduleHeartbeatLocked()
	queued := connection.queue.drain()
	channels := make([]*Channel, 0, len(connection.channels))
	for _, channel := range connection.channels {
		channels = append(channels, channel)
	}
	connection.lock.Unlock()
	connection.flushStateEvents()

	// Channels with live streams re-subscribe from their last offset so the
	// server replays anything missed while disconnected.
	for _, channel := range channels {
		if frame, active := channel.resubscribeFrame(); active {
			connection.Send(frame)
		}
	}

	for index, entry := range queued {
		if writeErr := connection.writeRaw(socket, entry.payload); writeErr != nil {
			connection.lock.Lock()
			connection.queue.requeue(queued[index:])
			connection.lock.Unlock()
			break
		}
	}

	return nil
}

func (connection *Connection) readLoop(socket *websocket.Conn, epoch uint64) {
	for {
		_, payload, err := socket.ReadMessage()
		if err != nil {
			connection.handleSocketClosed(socket, epoch, err)
			return
		}

		frame, parseErr := parseFrame(payload)
		if parseErr != nil {
			connection.logger.Warnf("dropping malformed frame: %v", parseErr)
			continue
		}
		connection.dispatch(socket, epoch, frame)
	}
}

func (connection *Connection) dispatch(socket *websocket.Conn, epoch uint64, frame Frame) {
	connection.lock.Lock()
	if connection.epoch != epoch || connection.socket != socket {
		connection.lock.Unlock()
		return
	}

	if !connection.authenticated {
		connection.handleHandshakeFrameLocked(socket, frame)
		connection.lock.Unlock()
		return
	}

	if frame.Type == FrameHeartbeat {
		connection.lastPong = time.Now()
		connection.lock.Unlock()
		return
	}

	handlers := make([]MessageHandler, 0, len(connection.messageHandlers))
	for _, handler := range connection.messageHandlers {
		handlers = append(handlers, handler)
	}
	channels := make([]*Channel, 0, 1)
	if frame.Channel != "" {
		if channel := connection.channels[frame.Channel]; channel != nil {
			channels = append(channels, channel)
		}
	} else if frame.Type == FrameMessage {
		// A message without a topic is offered to every channel; dormant
		// channels drop it.
		for _, channel := range connection.channels {
			channels = append(channels, channel)
		}
	}
	connection.lock.Unlock()

	for _, channel := range channels {
		channel.dispatch(frame)
	}
	for _, handler := range handlers {
		connection.invokeMessageHandler(handler, frame)
	}
}

func (connection *Connection) invokeMessageHandler(handler MessageHandler, frame Frame) {
	defer func() {
		if recovered := recover(); recovered != nil {
			connection.logger.Errorf("message handler panic: %v", recovered)
		}
	}()
	handler(frame)
}

// handleHandshakeFrameLocked processes one inbound frame while the handshake
// is in progress. Callers hold connection.lock.
func (connection *Connection) handleHandshakeFrameLocked(socket *websocket.Conn, frame Frame) {
	switch frame.Type {
	case FrameAuthRequired:
		// Server wants the credentials again.
		go func() {
			_ = connection.writeFrame(socket, authFrame(connection.options.APIKey))
		}()

	case FrameAuthSuccess:
		// Not authenticated until the connected frame arrives.

	case FrameConnected:
		if connection.handshakeResult != nil {
			select {
			case connection.handshakeResult <- nil:
			default:
			}
		}

	case FrameAuthTimeout:
		connection.failHandshakeLocked(NewError(AuthenticationTimeoutError, frame.Reason()))

	case FrameError:
		connection.failHandshakeLocked(NewError(AuthenticationFailedError, frame.Reason()))

	case FrameHeartbeat:
		connection.lastPong = time.Now()

	default:
		connection.logger.Debugf("ignoring %q frame during handshake", frame.Type)
	}
}

func (connection *Connection) failHandshakeLocked(err error) {
	if connection.handshakeResult == nil {
		return
	}
	select {
	case connection.handshakeResult <- err:
	default:
	}
}

// teardownSocket detaches and closes a socket whose handshake failed, sending
// a normal-closure code so the peer does not treat it as an error.
func (connection *Connection) teardownSocket(socket *websocket.Conn, epoch uint64) {
	connection.lock.Lock()
	if connection.socket == socket && connection.epoch == epoch {
		connection.socket = nil
		connection.epoch++
		connection.handshakeResult = nil
		connection.authenticated = false
	}
	connection.lock.Unlock()

	deadline := time.Now().Add(time.Second)
	_ = socket.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	_ = socket.Close()
}

func (connection *Connection) handleSocketClosed(socket *websocket.Conn, epoch uint64, cause error) {
	connection.lock.Lock()
	if connection.epoch != epoch || connection.socket != socket {
		// A newer socket superseded this one; nothing to do.
		connection.lock.Unlock()
		return
	}

	connection.socket = nil
	connection.epoch++
	connection.authenticated = false
	connection.stopHeartbeatLocked()

	if connection.handshakeResult != nil {
		// The in-flight attempt owns the failure path.
		handshake := connection.handshakeResult
		connection.handshakeResult = nil
		select {
		case handshake <- NewError(ConnectionRefusedError, cause):
		default:
		}
		connection.lock.Unlock()
		return
	}

	normalClosure := websocket.IsCloseError(cause, websocket.CloseNormalClosure)
	if connection.manualDisconnect || normalClosure {
		connection.transitionLocked(StateDisconnected)
		connection.lock.Unlock()
		connection.flushStateEvents()
		return
	}

	connection.logger.Warnf("connection lost: %v", cause)
	if *connection.options.Reconnect {
		connection.scheduleReconnectLocked()
	} else {
		connection.transitionLocked(StateDisconnected)
	}
	connection.lock.Unlock()
	connection.flushStateEvents()
}

// scheduleReconnectLocked arms the single reconnection timer using the
// backoff policy, or parks the session in Failed once attempts are spent.
func (connection *Connection) scheduleReconnectLocked() {
	if connection.reconnectTimer != nil {
		return
	}

	delay, err := connection.backoff.NextDelay()
	if err != nil {
		connection.logger.Errorf("giving up: %v", err)
		connection.transitionLocked(StateFailed)
		return
	}

	connection.transitionLocked(StateReconnecting)
	connection.logger.Infof("reconnecting in %s (attempt %d)", delay, connection.backoff.Attempts())
	connection.reconnectTimer = time.AfterFunc(delay, connection.reconnectAttempt)
}

func (connection *Connection) reconnectAttempt() {
	connection.lock.Lock()
	connection.reconnectTimer = nil
	if connection.manualDisconnect || connection.attemptInFlight {
		connection.lock.Unlock()
		return
	}
	connection.attemptInFlight = true
	connection.transitionLocked(StateConnecting)
	connection.lock.Unlock()
	connection.flushStateEvents()

	err := connection.attempt()

	connection.lock.Lock()
	connection.attemptInFlight = false
	waiters := connection.connectWaiters
	connection.connectWaiters = nil
	if err != nil && !connection.manualDisconnect && connection.state != StateUnauthorized {
		connection.scheduleReconnectLocked()
	}
	connection.lock.Unlock()
	connection.flushStateEvents()

	for _, waiter := range waiters {
		waiter <- err
	}
}

func (connection *Connection) cancelReconnectLocked() {
	if connection.reconnectTimer != nil {
		connection.reconnectTimer.Stop()
		connection.reconnectTimer = nil
	}
}

func (connection *Connection) scheduleHeartbeatLocked() {
	connection.stopHeartbeatLocked()
	connection.heartbeatTimer = time.AfterFunc(connection.options.HeartbeatInterval, connection.heartbeatTick)
}

func (connection *Connection) stopHeartbeatLocked() {
	if connection.heartbeatTimer != nil {
		connection.heartbeatTimer.Stop()
		connection.heartbeatTimer = nil
	}
}

func (connection *Connection) heartbeatTick() {
	connection.lock.Lock()
	if connection.state != StateConnected || connection.socket == nil {
		connection.lock.Unlock()
		return
	}
	socket := connection.socket

	if time.Since(connection.lastPong) > 2*connection.options.HeartbeatInterval {
		connection.logger.Warnf("no heartbeat for over %s, closing socket",
			2*connection.options.HeartbeatInterval)
		connection.lock.Unlock()
		// The read loop observes the closure and drives reconnection.
		_ = socket.Close()
		return
	}

	connection.heartbeatTimer = time.AfterFunc(connection.options.HeartbeatInterval, connection.heartbeatTick)
	connection.lock.Unlock()

	_ = connection.writeFrame(socket, heartbeatFrame())
}

// Send transmits the frame immediately when the session is connected,
// authenticated, and the socket is open; under any other condition, and on
// transmission failure, the frame is queued in the bounded outbox instead of
// failing the caller. Queued frames are resent oldest-first on the next
// successful (re)connection.
func (connection *Connection) Send(frame Frame) {
	payload, err := encodeFrame(frame)
	if err != nil {
		connection.logger.Errorf("dropping unencodable frame: %v", err)
		return
	}

	connection.lock.Lock()
	socket := connection.socket
	ready := connection.state == StateConnected && connection.authenticated && socket != nil
	if !ready {
		connection.queue.enqueue(payload)
		connection.lock.Unlock()
		return
	}
	connection.lock.Unlock()

	if writeErr := connection.writeRaw(socket, payload); writeErr != nil {
		connection.lock.Lock()
		connection.queue.enqueue(payload)
		connection.lock.Unlock()
	}
}

func (connection *Connection) writeFrame(socket *websocket.Conn, frame Frame) error {
	payload, err := encodeFrame(frame)
	if err != nil {
		return err
	}
	return connection.writeRaw(socket, payload)
}

func (connection *Connection) writeRaw(socket *websocket.Conn, payload []byte) error {
	connection.writeLock.Lock()
	defer connection.writeLock.Unlock()
	return socket.WriteMessage(websocket.TextMessage, payload)
}

// Disconnect deliberately closes the session: it cancels every pending timer,
// detaches the read loop before closing the socket so the closure schedules
// no reconnection, resets authentication state, and forces Disconnected. The
// session stays down until the next explicit Connect.
func (connection *Connection) Disconnect() error {
	connection.lock.Lock()
	connection.manualDisconnect = true
	connection.cancelReconnectLocked()
	connection.stopHeartbeatLocked()

	socket := connection.socket
	connection.socket = nil
	connection.epoch++
	connection.authenticated = false

	if connection.handshakeResult != nil {
		handshake := connection.handshakeResult
		connection.handshakeResult = nil
		select {
		case handshake <- NewError(NotConnectedError, "client disconnected"):
		default:
		}
	}

	connection.transitionLocked(StateDisconnected)
	connection.lock.Unlock()
	connection.flushStateEvents()

	if socket != nil {
		deadline := time.Now().Add(time.Second)
		_ = socket.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		return socket.Close()
	}
	return nil
}

// Close is an alias for Disconnect.
func (connection *Connection) Close() error {
	return connection.Disconnect()
}
