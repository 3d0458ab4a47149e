package apiclient

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// Messages shown to the user for each class of failure.
const (
	MsgInvalidCredentials = "Invalid credentials"
	MsgNetwork            = "Network error, please try again later."
	MsgUnexpected         = "An unexpected error occurred. Please try again later."
)

// ErrNetwork matches every error where the backend could not be reached.
var ErrNetwork = errors.New("network error")

// ServerError is a response from the backend with a non-success status.
type ServerError struct {
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// NetworkError wraps transport failures: no response was received.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// UserMessage reduces err to the string displayed in a form.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var se *ServerError
	if errors.As(err, &se) {
		if se.Message != "" {
			return se.Message
		}
		if text := http.StatusText(se.StatusCode); text != "" {
			return text
		}
		return MsgUnexpected
	}
	if errors.Is(err, ErrNetwork) {
		return MsgNetwork
	}
	return MsgUnexpected
}
