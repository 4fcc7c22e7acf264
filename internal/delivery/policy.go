package delivery

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/wabridge/internal/session"
)

// RetrySchedule holds one wait per retry, then Default once exhausted.
type RetrySchedule struct {
	Waits   []time.Duration
	Default time.Duration
}

func DefaultSchedule() RetrySchedule {
	return RetrySchedule{
		Waits:   []time.Duration{20 * time.Second, 20 * time.Second, 20 * time.Second},
		Default: 120 * time.Second,
	}
}

// Wait returns the pause after failed attempt i (0-based).
func (s RetrySchedule) Wait(i int) time.Duration {
	if i >= 0 && i < len(s.Waits) {
		return s.Waits[i]
	}
	return s.Default
}

// RetryPolicy reports whether a failed attempt should be retried.
type RetryPolicy func(err error) bool

// DefaultRetryPolicy retries transport failures, 5xx, 408 and 429
// responses, and transient session errors. Caller errors, unknown
// recipients, other 4xx responses and context cancellation are final.
func DefaultRetryPolicy(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrInvalidRequest) {
		return false
	}
	var notFound *session.RecipientNotFoundError
	if errors.As(err, &notFound) {
		return false
	}
	if errors.Is(err, session.ErrDisconnected) {
		return true
	}
	var protoErr *session.ProtocolError
	if errors.As(err, &protoErr) {
		return true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return retryableStatus(statusErr.Status)
	}
	// Anything else is a transport failure.
	return true
}

func retryableStatus(status int) bool {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return true
	case status >= 500:
		return true
	default:
		return false
	}
}
