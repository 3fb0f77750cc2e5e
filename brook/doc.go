// Package brook implements the client-side runtime of the brook realtime
// publish/subscribe service: a single persistent websocket session that is
// authenticated with an API key, multiplexes any number of named channels,
// detects dead peers via heartbeats, and reconnects with jittered exponential
// backoff while replaying each channel from its last observed offset.
//
// The primary lifecycle is:
//   - construct a Connection with NewConnection
//   - Connect to establish and authenticate the transport
//   - obtain Channels by name and attach Streams or Publish
//   - Disconnect when finished
//
// Connect is idempotent under concurrency: overlapping calls observe the
// single in-flight attempt instead of racing to open duplicate sockets.
// Failures discovered after a successful Connect are handled internally by
// the reconnection machinery and surface only as connectivity-state events.
//
// Errors are reported as typed brook errors created with NewError; use
// ErrorCode to branch on the failure class.
package brook
