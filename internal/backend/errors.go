package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Sentinel errors for backend failures. Every failed operation wraps the
// sentinel of its operation; transport failures additionally wrap
// ErrBackendUnreachable or ErrBackendTimeout.
var (
	ErrBackendUnreachable = errors.New("backend unreachable")
	ErrBackendTimeout     = errors.New("backend request timeout")

	ErrCreate   = errors.New("create job failed")
	ErrQuery    = errors.New("query jobs failed")
	ErrDelete   = errors.New("delete job failed")
	ErrRun      = errors.New("run simulation failed")
	ErrDownload = errors.New("download result failed")
)

var fallbackMessages = map[error]string{
	ErrCreate:   "The simulation job could not be created. Please try again.",
	ErrQuery:    "The job list could not be loaded. Please try again.",
	ErrDelete:   "The job could not be deleted. Please try again.",
	ErrRun:      "The simulation could not be started. Please try again.",
	ErrDownload: "The simulation result could not be downloaded. Please try again.",
}

// APIError is a failed backend operation. Message is the server-reported
// text, empty when the server gave none.
type APIError struct {
	Op         error
	HTTPStatus int
	Message    string
	cause      error
}

func (e *APIError) Error() string {
	switch {
	case e.Message != "" && e.HTTPStatus != 0:
		return fmt.Sprintf("%v: status %d: %s", e.Op, e.HTTPStatus, e.Message)
	case e.Message != "":
		return fmt.Sprintf("%v: %s", e.Op, e.Message)
	case e.cause != nil:
		return fmt.Sprintf("%v: %v", e.Op, e.cause)
	case e.HTTPStatus != 0:
		return fmt.Sprintf("%v: status %d", e.Op, e.HTTPStatus)
	default:
		return e.Op.Error()
	}
}

func (e *APIError) Unwrap() []error {
	if e.cause != nil {
		return []error{e.Op, e.cause}
	}
	return []error{e.Op}
}

// UserMessage returns the server message, or a generic one for the operation.
func (e *APIError) UserMessage() string {
	if e.Message != "" {
		return e.Message
	}
	if m, ok := fallbackMessages[e.Op]; ok {
		return m
	}
	return "The simulation backend is unavailable. Please try again."
}

// UserMessage returns a message suitable for a notification for any error
// returned by this package.
func UserMessage(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.UserMessage()
	}
	for op, m := range fallbackMessages {
		if errors.Is(err, op) {
			return m
		}
	}
	return "The simulation backend is unavailable. Please try again."
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(op error, err error) error {
	cause := fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		cause = fmt.Errorf("%w: %v", ErrBackendTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		cause = fmt.Errorf("%w: %v", ErrBackendTimeout, err)
	}

	return &APIError{Op: op, cause: cause}
}
