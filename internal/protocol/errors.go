package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when no response arrives within the request
	// timeout. Timed out requests are never retried.
	ErrTimeout = errors.New("protocol: request timed out")

	// ErrSendFailed is returned when transmitting a request kept failing
	// after the bounded number of attempts.
	ErrSendFailed = errors.New("protocol: send failed")

	// ErrConnectionLost is returned to calls that were in flight when the
	// connection dropped. The transport reconnects on its own; the caller
	// must reissue the request.
	ErrConnectionLost = errors.New("protocol: connection lost")

	// ErrClosed is returned once the transport has been closed.
	ErrClosed = errors.New("protocol: transport closed")

	// ErrDuplicateRequestID is returned when a request id is already pending.
	ErrDuplicateRequestID = errors.New("protocol: duplicate request id")

	// ErrUnknownTopic is returned when a publication carries a topic this
	// client does not understand.
	ErrUnknownTopic = errors.New("protocol: unknown publication topic")
)

// VenueError is a rejection reported by the venue in a response's error
// field. It is surfaced as-is and never retried automatically.
type VenueError struct {
	Method  string
	Message string
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("venue rejected %s: %s", e.Method, e.Message)
}

// IsVenueError reports whether err is (or wraps) a venue rejection.
func IsVenueError(err error) bool {
	var ve *VenueError
	return errors.As(err, &ve)
}
