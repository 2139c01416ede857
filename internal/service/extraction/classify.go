package extraction

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/feichai0017/chunk-extractor/internal/models"
)

// StatusClientClosedRequest is the status backends report when the service
// cancelled the operation.
const StatusClientClosedRequest = 499

// ServiceError is how backends report a failed call. StatusCode follows
// HTTP semantics even for non-HTTP services.
type ServiceError struct {
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *ServiceError) Error() string {
	msg := fmt.Sprintf("extraction service returned %d", e.StatusCode)
	if e.Code != "" {
		msg += " " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *ServiceError) Unwrap() error { return e.Err }

// attemptTimeoutError marks a call cut off by the per-attempt deadline.
type attemptTimeoutError struct {
	err error
}

func (e *attemptTimeoutError) Error() string { return "attempt deadline exceeded: " + e.err.Error() }
func (e *attemptTimeoutError) Unwrap() error { return e.err }

// ClassifyStatus maps a service status code to a failure class. Only the
// server errors that signal a temporary condition are retried; 501, 505 and
// other unknown 5xx codes fail the chunk at once.
func ClassifyStatus(code int) models.ErrorKind {
	switch code {
	case http.StatusTooManyRequests:
		return models.KindRateLimit
	case http.StatusRequestTimeout:
		return models.KindTimeout
	case StatusClientClosedRequest,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return models.KindTransient
	default:
		return models.KindNonRetryable
	}
}

// Classify maps an attempt error to a failure class and, when known, the
// service status code. parent is the caller's context: once it is done the
// failure is a cancellation regardless of what the backend returned.
func Classify(parent context.Context, err error) (models.ErrorKind, int) {
	if parent.Err() != nil {
		return models.KindCancelled, 0
	}

	var timeoutErr *attemptTimeoutError
	if errors.As(err, &timeoutErr) {
		return models.KindTimeout, 0
	}

	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return ClassifyStatus(svcErr.StatusCode), svcErr.StatusCode
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return models.KindTimeout, 0
	}
	if errors.Is(err, context.Canceled) {
		return models.KindTransient, StatusClientClosedRequest
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return models.KindTimeout, 0
		}
		return models.KindTransient, 0
	}

	return models.KindNonRetryable, 0
}
