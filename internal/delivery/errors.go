package delivery

import (
	"fmt"

	"github.com/danmuck/wabridge/internal/session"
)

// ErrInvalidRequest is shared with the session layer so callers match one
// sentinel regardless of which side rejected the input.
var ErrInvalidRequest = session.ErrInvalidRequest

// StatusError is a structured non-2xx response from a downstream gateway.
type StatusError struct {
	Status      int
	Body        []byte
	ContentType string
}

func (e *StatusError) Error() string {
	const limit = 256
	body := string(e.Body)
	if len(body) > limit {
		body = body[:limit] + "..."
	}
	return fmt.Sprintf("delivery: downstream status %d: %s", e.Status, body)
}

// Result converts the error back into the downstream response it carries.
func (e *StatusError) Result() Result {
	return Result{Status: e.Status, Body: e.Body, ContentType: e.ContentType}
}

// ExhaustedError is returned after every attempt failed with a retryable
// error. Result holds the last structured downstream response, if any.
type ExhaustedError struct {
	Attempts int
	Last     error
	Result   *Result
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("delivery: all %d attempts failed: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }
