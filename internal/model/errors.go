package model

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error codes surfaced to the orchestration boundary.
const (
	CodeAuthInvalid   = "E_AUTH_INVALID"
	CodeNotFound      = "E_NOT_FOUND"
	CodeRateLimited   = "E_RATE_LIMITED"
	CodeUnreachable   = "E_ENDPOINT_UNREACHABLE"
	CodeTimeout       = "E_TIMEOUT"
	CodeQueryFailed   = "E_QUERY_FAILED"
	CodeStorageFailed = "E_STORAGE_FAILED"
	CodeUnknown       = "E_UNKNOWN"
)

// CodedError exposes a structured code and retryability hint so callers can
// classify failures without string matching.
type CodedError interface {
	error
	CodeValue() string
	RetryableStatus() bool
}

// APIError is a classified upstream or persistence failure.
type APIError struct {
	Code      string
	Retryable bool
	Err       error
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

func (e *APIError) Unwrap() error { return e.Err }

// CodeValue returns the structured error code.
func (e *APIError) CodeValue() string { return e.Code }

// RetryableStatus reports whether a later attempt may succeed.
func (e *APIError) RetryableStatus() bool { return e.Retryable }

// QuotaError signals that the upstream request quota is exhausted. It is an
// expected pause point, not a failure: the caller checkpoints and returns
// control to the scheduler instead of retrying.
type QuotaError struct {
	Remaining int
	ResetAt   time.Time
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("upstream quota exhausted (remaining=%d, resets %s)", e.Remaining, e.ResetAt.Format(time.RFC3339))
}

// IsQuotaExhausted reports whether err is (or wraps) a quota pause signal.
func IsQuotaExhausted(err error) bool {
	var qe *QuotaError
	return errors.As(err, &qe)
}

// Classify extracts a structured code and retryability from any error.
func Classify(err error) (code string, retryable bool) {
	var ce CodedError
	if errors.As(err, &ce) {
		return ce.CodeValue(), ce.RetryableStatus()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout, true
	}
	return CodeUnknown, false
}
