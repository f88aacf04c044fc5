package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
)

var (
	// ErrNotConnected is returned when an operation needs a channel handle
	// and the manager is not in the connected state.
	ErrNotConnected = errors.New("rabbitmq: not connected")
	// ErrRetriesExhausted is returned when a connect sequence used its
	// whole retry budget without reaching the broker.
	ErrRetriesExhausted = errors.New("rabbitmq: connection attempts exhausted")
	// ErrManagerClosed is returned for operations after Close.
	ErrManagerClosed = errors.New("rabbitmq: connection manager closed")
)

// ConnectError describes a failed connect sequence.
type ConnectError struct {
	Op       string // operation that failed
	URL      string // broker URL, sanitized
	Attempts int    // attempts made before giving up
	Err      error  // underlying error
}

func (e *ConnectError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("rabbitmq: %s %s failed after %d attempts: %v", e.Op, e.URL, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq: %s %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// SanitizeURL strips credentials from a broker URL for logging.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}
