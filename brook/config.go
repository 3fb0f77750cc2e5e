package brook

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type fileOptions struct {
	Endpoint             string  `toml:"endpoint"`
	APIKey               string  `toml:"api_key"`
	ClientID             string  `toml:"client_id"`
	Verbose              bool    `toml:"verbose"`
	Reconnect            bool    `toml:"reconnect"`
	ReconnectTimeout     string  `toml:"reconnect_timeout"`
	ReconnectTimeoutMS   int64   `toml:"reconnect_timeout_ms"`
	BackoffMultiplier    float64 `toml:"backoff_multiplier"`
	BackoffMaxDelay      string  `toml:"backoff_max_delay"`
	BackoffJitter        float64 `toml:"backoff_jitter"`
	MaxReconnectAttempts int     `toml:"max_reconnect_attempts"`
	ConnectTimeout       string  `toml:"connect_timeout"`
	HandshakeTimeout     string  `toml:"handshake_timeout"`
	HeartbeatInterval    string  `toml:"heartbeat_interval"`
	OutboxCapacity       int     `toml:"outbox_capacity"`
	OffsetFile           string  `toml:"offset_file"`
}

// LoadOptions reads connection options from a TOML file. Keys absent from the
// file keep their zero value and fall back to the usual defaults when the
// Options are used.
func LoadOptions(path string) (Options, error) {
	var raw fileOptions
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Options{}, fmt.Errorf("load brook config: %w", err)
	}

	var options Options
	options.Endpoint = strings.TrimSpace(raw.Endpoint)
	options.APIKey = strings.TrimSpace(raw.APIKey)
	options.ClientID = strings.TrimSpace(raw.ClientID)
	options.Verbose = raw.Verbose

	if meta.IsDefined("reconnect") {
		enabled := raw.Reconnect
		options.Reconnect = &enabled
	}

	if meta.IsDefined("reconnect_timeout") {
		duration, err := parseConfigDuration("reconnect_timeout", raw.ReconnectTimeout)
		if err != nil {
			return Options{}, err
		}
		options.ReconnectTimeout = duration
	}
	if meta.IsDefined("reconnect_timeout_ms") {
		options.ReconnectTimeout = time.Duration(raw.ReconnectTimeoutMS) * time.Millisecond
	}

	if meta.IsDefined("backoff_multiplier") {
		options.BackoffMultiplier = raw.BackoffMultiplier
	}
	if meta.IsDefined("backoff_max_delay") {
		duration, err := parseConfigDuration("backoff_max_delay", raw.BackoffMaxDelay)
		if err != nil {
			return Options{}, err
		}
		options.BackoffMaxDelay = duration
	}
	if meta.IsDefined("backoff_jitter") {
		options.BackoffJitter = raw.BackoffJitter
	}
	if meta.IsDefined("max_reconnect_attempts") {
		options.MaxReconnectAttempts = raw.MaxReconnectAttempts
	}

	if meta.IsDefined("connect_timeout") {
		duration, err := parseConfigDuration("connect_timeout", raw.ConnectTimeout)
		if err != nil {
			return Options{}, err
		}
		options.ConnectTimeout = duration
	}
	if meta.IsDefined("handshake_timeout") {
		duration, err := parseConfigDuration("handshake_timeout", raw.HandshakeTimeout)
		if err != nil {
			return Options{}, err
		}
		options.HandshakeTimeout = duration
	}
	if meta.IsDefined("heartbeat_interval") {
		duration, err := parseConfigDuration("heartbeat_interval", raw.HeartbeatInterval)
		if err != nil {
			return Options{}, err
		}
		options.HeartbeatInterval = duration
	}
	if meta.IsDefined("outbox_capacity") {
		options.OutboxCapacity = raw.OutboxCapacity
	}
	if meta.IsDefined("offset_file") && strings.TrimSpace(raw.OffsetFile) != "" {
		options.OffsetStore = NewFileOffsetStore(strings.TrimSpace(raw.OffsetFile))
	}

	return options, nil
}

func parseConfigDuration(key string, value string) (time.Duration, error) {
	duration, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return duration, nil
}
