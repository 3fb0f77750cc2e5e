package brook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// PublishHTTP delivers a single message over the HTTP fallback transport
// instead of the websocket session. It needs no Connection and is intended
// for one-shot publishing from short-lived processes.
func PublishHTTP(ctx context.Context, options Options, channel string, message interface{}) error {
	if channel == "" {
		return NewError(InvalidTopicError, "channel name must be a non-empty string")
	}
	if options.Endpoint == "" {
		return NewError(ConnectionRefusedError, "an endpoint must be specified")
	}
	if options.APIKey == "" {
		return NewError(AuthenticationFailedError, "an apiKey must be specified")
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return NewError(MessageParseError, err)
	}
	body, err := json.Marshal(publishFrame(channel, payload))
	if err != nil {
		return NewError(MessageParseError, err)
	}

	endpoint, err := publishURL(options.Endpoint)
	if err != nil {
		return err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return NewError(ConnectionRefusedError, err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+options.APIKey)

	client := &http.Client{Timeout: 10 * time.Second}
	response, err := client.Do(request)
	if err != nil {
		return NewError(ConnectionRefusedError, err)
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden:
		return NewError(AuthenticationFailedError, response.Status)
	case response.StatusCode >= 300:
		return NewError(UnknownError, fmt.Sprintf("publish rejected: %s", response.Status))
	}
	return nil
}

// publishURL maps the websocket endpoint to its HTTP publish URL.
func publishURL(endpoint string) (string, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", NewError(ConnectionRefusedError, err)
	}
	switch parsed.Scheme {
	case "ws":
		parsed.Scheme = "http"
	case "wss":
		parsed.Scheme = "https"
	case "http", "https":
	default:
		return "", NewError(ConnectionRefusedError, fmt.Sprintf("unsupported endpoint scheme %q", parsed.Scheme))
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/") + "/publish"
	return parsed.String(), nil
}
