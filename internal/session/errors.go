package session

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest marks caller input that can never succeed, such as a
	// blank destination.
	ErrInvalidRequest = errors.New("session: invalid request")
	// ErrDisconnected is returned by operations attempted while the session
	// is not connected.
	ErrDisconnected = errors.New("session: disconnected")
	ErrClosed       = errors.New("session: manager closed")
)

// Disconnect reason codes reported by the messaging network.
const (
	CodeLoggedOut           = 401
	CodeForbidden           = 403
	CodeConnectionLost      = 408
	CodeMultideviceMismatch = 411
	CodeConnectionClosed    = 428
	CodeConnectionReplaced  = 440
	CodeBadSession          = 500
	CodeUnavailableService  = 503
	CodeRestartRequired     = 515
)

var reasonText = map[int]string{
	CodeLoggedOut:           "logged out",
	CodeForbidden:           "forbidden",
	CodeConnectionLost:      "connection lost or timed out",
	CodeMultideviceMismatch: "multi-device mismatch",
	CodeConnectionClosed:    "connection closed",
	CodeConnectionReplaced:  "connection replaced",
	CodeBadSession:          "bad session",
	CodeUnavailableService:  "service unavailable",
	CodeRestartRequired:     "restart required",
}

// ReasonText returns the human-readable meaning of a disconnect code.
func ReasonText(code int) string {
	if text, ok := reasonText[code]; ok {
		return text
	}
	return "unknown"
}

// IsFatal reports whether code means the in-process cryptographic session
// cannot be recovered and the process must restart cleanly.
func IsFatal(code int) bool {
	switch code {
	case CodeBadSession, CodeRestartRequired, CodeMultideviceMismatch:
		return true
	default:
		return false
	}
}

// RecipientNotFoundError reports a destination that is not registered on
// the network.
type RecipientNotFoundError struct {
	Input string
	ID    RecipientID
}

func (e *RecipientNotFoundError) Error() string {
	return fmt.Sprintf("session: recipient %q not found on network", e.Input)
}

// ProtocolError wraps a failure reported by the protocol collaborator.
type ProtocolError struct {
	Code   int
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("session: protocol error code=%d reason=%q", e.Code, e.Reason)
	}
	return fmt.Sprintf("session: protocol error code=%d reason=%q: %v", e.Code, e.Reason, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ReasonCoder is implemented by collaborator errors that carry a network
// reason code.
type ReasonCoder interface {
	ReasonCode() int
}

// NewProtocolError builds a ProtocolError from a code using the fixed table.
func NewProtocolError(code int, err error) *ProtocolError {
	return &ProtocolError{Code: code, Reason: ReasonText(code), Err: err}
}

func wrapProtocolError(err error) error {
	if err == nil {
		return nil
	}
	var notFound *RecipientNotFoundError
	var protoErr *ProtocolError
	switch {
	case errors.Is(err, ErrDisconnected), errors.Is(err, ErrInvalidRequest):
		return err
	case errors.As(err, &notFound), errors.As(err, &protoErr):
		return err
	}
	code := 0
	var coder ReasonCoder
	if errors.As(err, &coder) {
		code = coder.ReasonCode()
	}
	return NewProtocolError(code, err)
}
