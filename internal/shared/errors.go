package shared

import (
	"errors"
	"fmt"
)

var (
	// Submission errors
	ErrResolution = fmt.Errorf("no backend matches source")
	ErrRateLimit  = fmt.Errorf("submission rate limit exceeded")

	// Transfer errors, classified once at the backend boundary
	ErrTransient     = fmt.Errorf("transient transfer error")
	ErrAuth          = fmt.Errorf("authentication failed")
	ErrQuotaExceeded = fmt.Errorf("upload quota exceeded")
	ErrUnsupported   = fmt.Errorf("operation not supported")
	ErrCancelled     = fmt.Errorf("cancelled by user")

	// Credential errors
	ErrNoCredential = fmt.Errorf("no credential available")

	// Configuration errors
	ErrMissingConfig = fmt.Errorf("configuration not found")
	ErrInvalidConfig = fmt.Errorf("invalid configuration")

	// Input validation errors
	ErrInvalidInput   = fmt.Errorf("invalid input")
	ErrTaskNotFound   = fmt.Errorf("task not found")
	ErrNotImplemented = fmt.Errorf("not implemented")
)

// Retryable reports whether an error was classified as transient at the
// point of occurrence. The engine is the only caller that turns this into a
// retry-vs-terminal decision.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Fatal reports whether an error carries a terminal classification:
// authentication failure, exhausted quota, or a malformed source.
func Fatal(err error) bool {
	return errors.Is(err, ErrAuth) || errors.Is(err, ErrQuotaExceeded) || errors.Is(err, ErrResolution)
}
