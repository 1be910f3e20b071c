package handler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/METResearchGroup/bluesky-research-sub005/pkg/types"
)

// TerminalError signals that the batch can never succeed and must not be
// retried.
type TerminalError struct {
	Reason string
}

func (e *TerminalError) Error() string {
	return e.Reason
}

// Terminalf builds a TerminalError
func Terminalf(format string, args ...interface{}) error {
	return &TerminalError{Reason: fmt.Sprintf(format, args...)}
}

// RetryableError signals a transient failure worth a fresh attempt
type RetryableError struct {
	Reason     string
	RetryAfter time.Duration
}

func (e *RetryableError) Error() string {
	return e.Reason
}

// Retryablef builds a RetryableError
func Retryablef(format string, args ...interface{}) error {
	return &RetryableError{Reason: fmt.Sprintf(format, args...)}
}

// HTTPStatusError is an external call that came back non-2xx
type HTTPStatusError struct {
	StatusCode int
	Status     string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %s", e.Status)
}

// Classify maps a handler error to the runtime's failure taxonomy:
//
//	explicit TerminalError            -> terminal
//	explicit RetryableError           -> retryable
//	429                               -> rate_limit (retryable)
//	5xx, connection reset, timeout    -> retryable
//	other 4xx                         -> terminal
//	context cancellation              -> cancelled
//	anything else                     -> retryable (bounded by max retries)
func Classify(err error) types.ErrorKind {
	var terminal *TerminalError
	if errors.As(err, &terminal) {
		return types.ErrorKindTerminal
	}
	var retryable *RetryableError
	if errors.As(err, &retryable) {
		return types.ErrorKindRetryable
	}

	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusTooManyRequests:
			return types.ErrorKindRateLimit
		case httpErr.StatusCode >= 500:
			return types.ErrorKindRetryable
		case httpErr.StatusCode >= 400:
			return types.ErrorKindTerminal
		}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return types.ErrorKindCancelled
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return types.ErrorKindRetryable
	}

	return types.ErrorKindRetryable
}

// Retryable reports whether a classification yields a fresh attempt
func Retryable(kind types.ErrorKind) bool {
	return kind == types.ErrorKindRetryable || kind == types.ErrorKindRateLimit
}
