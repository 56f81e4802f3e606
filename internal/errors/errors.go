// Package errors provides structured error handling for markdown-qa.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: IO and index errors
//   - 3XX: API transport errors
//   - 4XX: Protocol and validation errors
//   - 5XX: Internal errors
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies an error for translation at the server boundary.
type Kind string

const (
	// KindConfig indicates missing or invalid configuration. Surfaced at
	// startup; the process exits non-zero.
	KindConfig Kind = "CONFIG"
	// KindTransport indicates a network failure talking to the embedding or
	// chat API after retries were exhausted.
	KindTransport Kind = "TRANSPORT"
	// KindProtocol indicates a malformed message: inbound client JSON or an
	// API response that does not match its documented shape.
	KindProtocol Kind = "PROTOCOL"
	// KindNotReady indicates a query arrived before an index was published.
	KindNotReady Kind = "NOT_READY"
	// KindInconsistency indicates manifest/store divergence detected at load.
	// Triggers a full rebuild.
	KindInconsistency Kind = "INCONSISTENCY"
	// KindFatal indicates an unrecoverable condition (chunk-id collision,
	// cache directory I/O failure). The current update aborts; the previous
	// index continues to serve.
	KindFatal Kind = "FATAL"
)

// Error codes organized by category.
const (
	ErrCodeConfigMissing = "ERR_101_CONFIG_MISSING"
	ErrCodeConfigInvalid = "ERR_102_CONFIG_INVALID"
	ErrCodeAPIConfig     = "ERR_103_API_CONFIG"

	ErrCodeCacheIO       = "ERR_201_CACHE_IO"
	ErrCodeCorruptIndex  = "ERR_202_CORRUPT_INDEX"
	ErrCodeIDCollision   = "ERR_203_CHUNK_ID_COLLISION"
	ErrCodeInconsistency = "ERR_204_INDEX_INCONSISTENT"

	ErrCodeAPITransport = "ERR_301_API_TRANSPORT"
	ErrCodeAPIRateLimit = "ERR_302_API_RATE_LIMIT"

	ErrCodeAPIProtocol    = "ERR_401_API_PROTOCOL"
	ErrCodeInvalidMessage = "ERR_402_INVALID_MESSAGE"
	ErrCodeEmptyQuestion  = "ERR_403_EMPTY_QUESTION"

	ErrCodeNotReady = "ERR_501_NOT_READY"
	ErrCodeInternal = "ERR_502_INTERNAL"
)

// QAError is the structured error type shared across component boundaries.
type QAError struct {
	// Code is the unique error code (e.g., "ERR_301_API_TRANSPORT").
	Code string

	// Kind is the error classification used by the server boundary.
	Kind Kind

	// Message is the human-readable error message.
	Message string

	// Cause is the underlying error, if any.
	Cause error

	// Retryable indicates whether the failed operation may be retried.
	Retryable bool
}

// Error implements the error interface.
func (e *QAError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *QAError) Unwrap() error {
	return e.Cause
}

// Is matches errors by code, enabling errors.Is with sentinel QAErrors.
func (e *QAError) Is(target error) bool {
	if t, ok := target.(*QAError); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates a QAError with the given code and message. Kind and the
// retryable flag are derived from the code.
func New(code string, message string, cause error) *QAError {
	return &QAError{
		Code:      code,
		Kind:      kindFromCode(code),
		Message:   message,
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Newf creates a QAError with a formatted message and no cause.
func Newf(code string, format string, args ...any) *QAError {
	return New(code, fmt.Sprintf(format, args...), nil)
}

// Wrap creates a QAError from an existing error, keeping its message.
// Returns nil if err is nil.
func Wrap(code string, err error) *QAError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// ConfigError creates a configuration error.
func ConfigError(message string, cause error) *QAError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// APIConfigError reports missing API base URL or key.
func APIConfigError(message string) *QAError {
	return New(ErrCodeAPIConfig, message, nil)
}

// TransportError reports exhausted retries against the remote API.
func TransportError(message string, cause error) *QAError {
	return New(ErrCodeAPITransport, message, cause)
}

// ProtocolError reports a malformed API response.
func ProtocolError(message string, cause error) *QAError {
	return New(ErrCodeAPIProtocol, message, cause)
}

// NotReadyError reports a query arriving before an index is published.
func NotReadyError(message string) *QAError {
	return New(ErrCodeNotReady, message, nil)
}

// InconsistencyError reports manifest/store divergence detected at load.
func InconsistencyError(message string, cause error) *QAError {
	return New(ErrCodeInconsistency, message, cause)
}

// FatalError reports an unrecoverable condition in the current update.
func FatalError(code string, message string, cause error) *QAError {
	e := New(code, message, cause)
	e.Kind = KindFatal
	return e
}

// GetKind extracts the kind of the first QAError in an error chain.
// Errors with no QAError in their chain, and nil, yield the empty Kind.
func GetKind(err error) Kind {
	var qe *QAError
	if stderrors.As(err, &qe) {
		return qe.Kind
	}
	return Kind("")
}

// IsRetryable reports whether the error carries the retryable flag.
func IsRetryable(err error) bool {
	if qe, ok := err.(*QAError); ok {
		return qe.Retryable
	}
	return false
}

// kindFromCode derives the kind from the code's numeric range.
func kindFromCode(code string) Kind {
	if len(code) < 7 {
		return KindFatal
	}
	switch code[4] {
	case '1':
		return KindConfig
	case '2':
		switch code {
		case ErrCodeInconsistency, ErrCodeCorruptIndex:
			return KindInconsistency
		default:
			return KindFatal
		}
	case '3':
		return KindTransport
	case '4':
		return KindProtocol
	default:
		if code == ErrCodeNotReady {
			return KindNotReady
		}
		return KindFatal
	}
}

// isRetryableCode reports whether operations failing with this code may be
// retried.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeAPITransport, ErrCodeAPIRateLimit:
		return true
	}
	return false
}
