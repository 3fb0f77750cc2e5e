package brook

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"
)

// Metadata accompanies every message delivered to a stream handler.
type Metadata struct {
	Offset    uint64
	Timestamp int64
	Replay    bool
	Channel   string
}

// StreamHandler receives a message payload and its delivery metadata.
type StreamHandler func(data json.RawMessage, metadata Metadata)

// StreamState is the lifecycle state of one subscription instance.
type StreamState int

const (
	StreamIdle StreamState = iota
	StreamStreaming
	StreamStopped
)

// Stream is one live subscription on a Channel, bound to a single handler.
// Multiple Streams may coexist on the same Channel; stopping one never stops
// its siblings.
type Stream struct {
	id      uint64
	channel *Channel
	handler StreamHandler

	lock   sync.Mutex
	state  StreamState
	offset uint64
}

// State returns the stream lifecycle state.
func (stream *Stream) State() StreamState {
	stream.lock.Lock()
	defer stream.lock.Unlock()
	return stream.state
}

// Offset returns the channel offset snapshot taken when the stream was
// created.
func (stream *Stream) Offset() uint64 {
	stream.lock.Lock()
	defer stream.lock.Unlock()
	return stream.offset
}

// Stop cancels this subscription. When the last stream on the channel stops,
// an unsubscribe frame silences the topic at the transport level; the channel
// itself stays resident and a later Stream call reactivates it.
func (stream *Stream) Stop() {
	stream.lock.Lock()
	if stream.state == StreamStopped {
		stream.lock.Unlock()
		return
	}
	stream.state = StreamStopped
	stream.lock.Unlock()

	stream.channel.removeStream(stream.id)
}

// Channel is the per-topic subscription state: the replay offset, the set of
// active streams, and routing of inbound messages to their handlers. Channels
// are created lazily by Connection.Channel and cached for the session
// lifetime.
type Channel struct {
	lock       sync.Mutex
	name       string
	connection *Connection
	offset     uint64
	streams    map[uint64]*Stream
	nextStream uint64
}

func newChannel(connection *Connection, name string) *Channel {
	channel := &Channel{
		name:       name,
		connection: connection,
		streams:    make(map[uint64]*Stream),
	}

	if raw, exists := connection.store.Get(name + "_offset"); exists {
		if stored, err := strconv.ParseUint(raw, 10, 64); err == nil {
			channel.offset = stored
		} else {
			connection.logger.Warnf("channel %q: ignoring unparsable stored offset %q", name, raw)
		}
	}
	return channel
}

// Name returns the immutable topic identifier.
func (channel *Channel) Name() string { return channel.name }

// Offset returns the highest message position observed so far.
func (channel *Channel) Offset() uint64 {
	channel.lock.Lock()
	defer channel.lock.Unlock()
	return channel.offset
}

// Stream subscribes the handler to this channel from the current offset and
// returns the Stream handle. Calling Stream repeatedly with the same handler
// creates independent additional streams (fan-out), not a no-op.
func (channel *Channel) Stream(handler StreamHandler) (*Stream, error) {
	if handler == nil {
		return nil, NewError(UnknownError, "a stream handler must be provided")
	}

	channel.lock.Lock()
	channel.nextStream++
	stream := &Stream{
		id:      channel.nextStream,
		channel: channel,
		handler: handler,
		state:   StreamIdle,
		offset:  channel.offset,
	}
	channel.streams[stream.id] = stream
	fromOffset := channel.offset
	channel.lock.Unlock()

	channel.connection.Send(subscribeFrame(channel.name, fromOffset))

	stream.lock.Lock()
	if stream.state == StreamIdle {
		stream.state = StreamStreaming
	}
	stream.lock.Unlock()

	return stream, nil
}

func (channel *Channel) removeStream(id uint64) {
	channel.lock.Lock()
	if _, exists := channel.streams[id]; !exists {
		channel.lock.Unlock()
		return
	}
	delete(channel.streams, id)
	dormant := len(channel.streams) == 0
	channel.lock.Unlock()

	if dormant {
		channel.connection.Send(unsubscribeFrame(channel.name))
	}
}

// StreamCount returns the number of active streams.
func (channel *Channel) StreamCount() int {
	channel.lock.Lock()
	defer channel.lock.Unlock()
	return len(channel.streams)
}

// Publish sends a message on this channel. It fails with NotConnectedError
// when the session is not currently connected; otherwise it resolves once the
// frame is handed to the transport. No server acknowledgment is awaited.
func (channel *Channel) Publish(message interface{}) error {
	if !channel.connection.Connected() {
		return NewError(NotConnectedError, "cannot publish while disconnected")
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return NewError(MessageParseError, err)
	}

	channel.connection.Send(publishFrame(channel.name, payload))
	return nil
}

// resubscribeFrame returns the subscribe frame replaying this channel from
// its current offset, and whether the channel has any active streams.
func (channel *Channel) resubscribeFrame() (Frame, bool) {
	channel.lock.Lock()
	defer channel.lock.Unlock()

	if len(channel.streams) == 0 {
		return Frame{}, false
	}
	return subscribeFrame(channel.name, channel.offset), true
}

// dispatch routes one inbound frame for this topic.
func (channel *Channel) dispatch(frame Frame) {
	switch frame.Type {
	case FrameSubscribed, FrameUnsubscribed, FramePublished:
		channel.connection.logger.Debugf("channel %q: %s", channel.name, frame.Type)
		return
	case FrameMessage:
	default:
		return
	}

	if frame.Channel != "" && frame.Channel != channel.name {
		return
	}

	channel.lock.Lock()
	if len(channel.streams) == 0 {
		// Dormant channels do not buffer.
		channel.lock.Unlock()
		return
	}

	// The offset is monotonic: late duplicates and out-of-order replays are
	// still delivered, but never move it backwards.
	if frame.Offset > channel.offset {
		channel.offset = frame.Offset
		key := channel.name + "_offset"
		value := strconv.FormatUint(channel.offset, 10)
		if err := channel.connection.store.Set(key, value); err != nil {
			channel.connection.logger.Warnf("channel %q: persisting offset failed: %v", channel.name, err)
		}
	}

	streams := make([]*Stream, 0, len(channel.streams))
	for _, stream := range channel.streams {
		streams = append(streams, stream)
	}
	channel.lock.Unlock()

	timestamp := frame.Timestamp
	if timestamp == 0 {
		timestamp = time.Now().UnixMilli()
	}
	metadata := Metadata{
		Offset:    frame.Offset,
		Timestamp: timestamp,
		Replay:    frame.Replay,
		Channel:   channel.name,
	}

	for _, stream := range streams {
		channel.deliver(stream, frame.Data, metadata)
	}
}

// deliver invokes one stream handler, containing panics so a failing handler
// cannot block delivery to sibling streams.
func (channel *Channel) deliver(stream *Stream, data json.RawMessage, metadata Metadata) {
	defer func() {
		if recovered := recover(); recovered != nil {
			channel.connection.logger.Errorf("channel %q: stream handler panic: %v", channel.name, recovered)
		}
	}()
	stream.handler(data, metadata)
}
