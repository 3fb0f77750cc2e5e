package brook

import (
	"errors"
	"fmt"
)

const (
	AlreadyConnectedError = iota

	ConnectionRefusedError

	ConnectionTimeoutError

	AuthenticationTimeoutError

	AuthenticationFailedError

	MaxAttemptsExceededError

	NotConnectedError

	InvalidTopicError

	MessageParseError

	UnknownError
)

func errorName(errorCode int) string {
	switch errorCode {
	case AlreadyConnectedError:
		return "AlreadyConnectedError"
	case ConnectionRefusedError:
		return "ConnectionRefusedError"
	case ConnectionTimeoutError:
		return "ConnectionTimeoutError"
	case AuthenticationTimeoutError:
		return "AuthenticationTimeoutError"
	case AuthenticationFailedError:
		return "AuthenticationFailedError"
	case MaxAttemptsExceededError:
		return "MaxAttemptsExceededError"
	case NotConnectedError:
		return "NotConnectedError"
	case InvalidTopicError:
		return "InvalidTopicError"
	case MessageParseError:
		return "MessageParseError"
	default:
		return "UnknownError"
	}
}

// Error is the typed error returned by brook client APIs.
type Error struct {
	Code    int
	Message string
}

func (clientError *Error) Error() string {
	if clientError.Message == "" {
		return errorName(clientError.Code)
	}
	return fmt.Sprintf("%s: %s", errorName(clientError.Code), clientError.Message)
}

// NewError creates a typed brook error from a code and optional detail.
func NewError(errorCode int, message ...interface{}) error {
	clientError := &Error{Code: errorCode}
	if len(message) > 0 {
		clientError.Message = fmt.Sprintf("%v", message[0])
	}
	return clientError
}

// ErrorCode extracts the brook error code, or UnknownError for foreign errors.
func ErrorCode(err error) int {
	var clientError *Error
	if errors.As(err, &clientError) {
		return clientError.Code
	}
	return UnknownError
}
