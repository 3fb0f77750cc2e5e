package brook

import "time"

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultHandshakeTimeout  = 30 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
	defaultReconnectTimeout  = time.Second
	defaultOutboxCapacity    = 10000
	defaultMaxAttempts       = 10
)

// Options configures a Connection. Endpoint and APIKey are required;
// everything else has a working default.
type Options struct {
	// Endpoint is the websocket URL of the brook backend (ws:// or wss://).
	Endpoint string
	// APIKey is the credential transmitted during the handshake.
	APIKey string
	// ClientID overrides the generated client identifier.
	ClientID string
	// Verbose enables debug logging on the default logger.
	Verbose bool

	// ReconnectTimeout is the initial backoff delay between reconnect
	// attempts.
	ReconnectTimeout time.Duration
	// BackoffMultiplier grows the delay between successive attempts.
	BackoffMultiplier float64
	// BackoffMaxDelay caps the delay between attempts.
	BackoffMaxDelay time.Duration
	// BackoffJitter is the symmetric jitter fraction applied to each delay.
	// Defaults to 0.1; set negative to disable jitter entirely.
	BackoffJitter float64
	// MaxReconnectAttempts bounds consecutive failed attempts before the
	// session parks in the failed state.
	MaxReconnectAttempts int
	// Reconnect disables automatic reconnection when set to false.
	Reconnect *bool

	// ConnectTimeout bounds one transport connection attempt.
	ConnectTimeout time.Duration
	// HandshakeTimeout bounds the authentication handshake.
	HandshakeTimeout time.Duration
	// HeartbeatInterval is the liveness check period; a peer silent for more
	// than twice this interval is considered dead.
	HeartbeatInterval time.Duration
	// OutboxCapacity bounds the offline send queue.
	OutboxCapacity int

	// Logger receives diagnostics; defaults to NewDefaultLogger(Verbose).
	Logger Logger
	// OffsetStore persists per-channel replay offsets; defaults to an
	// in-memory store.
	OffsetStore OffsetStore
}

func (options Options) withDefaults() Options {
	if options.ReconnectTimeout <= 0 {
		options.ReconnectTimeout = defaultReconnectTimeout
	}
	if options.BackoffMultiplier < 1 {
		options.BackoffMultiplier = 2
	}
	if options.BackoffMaxDelay <= 0 {
		options.BackoffMaxDelay = 30 * time.Second
	}
	if options.BackoffJitter == 0 {
		options.BackoffJitter = 0.1
	} else if options.BackoffJitter < 0 {
		options.BackoffJitter = 0
	}
	if options.MaxReconnectAttempts <= 0 {
		options.MaxReconnectAttempts = defaultMaxAttempts
	}
	if options.Reconnect == nil {
		enabled := true
		options.Reconnect = &enabled
	}
	if options.ConnectTimeout <= 0 {
		options.ConnectTimeout = defaultConnectTimeout
	}
	if options.HandshakeTimeout <= 0 {
		options.HandshakeTimeout = defaultHandshakeTimeout
	}
	if options.HeartbeatInterval <= 0 {
		options.HeartbeatInterval = defaultHeartbeatInterval
	}
	if options.OutboxCapacity <= 0 {
		options.OutboxCapacity = defaultOutboxCapacity
	}
	if options.Logger == nil {
		options.Logger = NewDefaultLogger(options.Verbose)
	}
	if options.OffsetStore == nil {
		options.OffsetStore = NewMemoryOffsetStore()
	}
	return options
}

func (options Options) backoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay:   options.ReconnectTimeout,
		Multiplier:     options.BackoffMultiplier,
		MaxDelay:       options.BackoffMaxDelay,
		JitterFraction: options.BackoffJitter,
		MaxAttempts:    options.MaxReconnectAttempts,
	}
}
