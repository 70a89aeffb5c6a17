package realtime

import "errors"

// Cancellation causes attached to a request's context.
var (
	ErrCancelled    = errors.New("generation cancelled by client")
	ErrTimeout      = errors.New("generation timed out")
	ErrDisconnected = errors.New("client disconnected")
)

// StreamError is a failure that maps to one client error event.
type StreamError struct {
	Type    string
	Message string
	Err     error
}

func (e *StreamError) Error() string {
	if e.Err != nil {
		return e.Type + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Type + ": " + e.Message
}

func (e *StreamError) Unwrap() error { return e.Err }

func streamErr(t, msg string, err error) *StreamError {
	return &StreamError{Type: t, Message: msg, Err: err}
}
