package brook

import (
	"encoding/json"
	"time"
)

// Frame type discriminators for the JSON wire protocol.
const (
	FrameAuth         = "auth"
	FrameAuthRequired = "auth_required"
	FrameAuthSuccess  = "auth_success"
	FrameAuthTimeout  = "auth_timeout"
	FrameConnected    = "connected"
	FrameError        = "error"
	FrameHeartbeat    = "heartbeat"
	FrameSubscribe    = "subscribe"
	FrameSubscribed   = "subscribed"
	FrameUnsubscribe  = "unsubscribe"
	FrameUnsubscribed = "unsubscribed"
	FramePublish      = "publish"
	FramePublished    = "published"
	FrameMessage      = "message"
)

// Frame is one JSON protocol frame; Type discriminates which of the optional
// fields are meaningful.
type Frame struct {
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

func frameTimestamp() int64 {
	return time.Now().UnixMilli()
}

// Reason returns the server-supplied failure reason of a handshake control
// frame, preferring the error field over a textual message body.
func (frame *Frame) Reason() string {
	if frame.Error != "" {
		return frame.Error
	}
	var text string
	if len(frame.Message) > 0 && json.Unmarshal(frame.Message, &text) == nil {
		return text
	}
	return ""
}

func authFrame(apiKey string) Frame {
	return Frame{Type: FrameAuth, APIKey: apiKey, Timestamp: frameTimestamp()}
}

func heartbeatFrame() Frame {
	return Frame{Type: FrameHeartbeat, Timestamp: frameTimestamp()}
}

func subscribeFrame(channel string, fromOffset uint64) Frame {
	offset := fromOffset
	return Frame{Type: FrameSubscribe, Channel: channel, FromOffset: &offset}
}

func unsubscribeFrame(channel string) Frame {
	return Frame{Type: FrameUnsubscribe, Channel: channel, Timestamp: frameTimestamp()}
}

func publishFrame(channel string, message json.RawMessage) Frame {
	return Frame{Type: FramePublish, Channel: channel, Message: message, Timestamp: frameTimestamp()}
}

// parseFrame decodes one inbound frame. A missing type discriminator is a
// parse error; callers log and drop such frames.
func parseFrame(payload []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return Frame{}, NewError(MessageParseError, err)
	}
	if frame.Type == "" {
		return Frame{}, NewError(MessageParseError, "frame has no type")
	}
	return frame, nil
}

func encodeFrame(frame Frame) ([]byte, error) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return nil, NewError(MessageParseError, err)
	}
	return payload, nil
}
