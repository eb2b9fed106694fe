package errors

import (
	"fmt"
	"time"
)

/**
 * Error types for the captcha worker
 *
 * Every failure is classified by an ErrorCode and carries the data that
 * caused it in Details, so callers can re-prompt or report without parsing
 * messages. Two errors match under errors.Is when their codes match.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Recognition errors
	ErrorDecodeFailed      ErrorCode = "DECODE_FAILED"
	ErrorEngineFailed      ErrorCode = "ENGINE_FAILED"
	ErrorInvalidLength     ErrorCode = "INVALID_LENGTH"
	ErrorInvalidCharacters ErrorCode = "INVALID_CHARACTERS"
	ErrorUnknownVariant    ErrorCode = "UNKNOWN_VARIANT"

	// Worker errors
	ErrorProcessingTimeout ErrorCode = "PROCESSING_TIMEOUT"
	ErrorFetchFailed       ErrorCode = "FETCH_FAILED"
	ErrorStorageFailed     ErrorCode = "STORAGE_FAILED"
	ErrorInvalidRequest    ErrorCode = "INVALID_REQUEST"
	ErrorImageTooLarge     ErrorCode = "IMAGE_TOO_LARGE"
)

// Sentinels for errors.Is comparisons
var (
	ErrDecode            = &CaptchaError{Code: ErrorDecodeFailed}
	ErrEngine            = &CaptchaError{Code: ErrorEngineFailed}
	ErrInvalidLength     = &CaptchaError{Code: ErrorInvalidLength}
	ErrInvalidCharacters = &CaptchaError{Code: ErrorInvalidCharacters}
	ErrUnknownVariant    = &CaptchaError{Code: ErrorUnknownVariant}
	ErrProcessingTimeout = &CaptchaError{Code: ErrorProcessingTimeout}
	ErrFetch             = &CaptchaError{Code: ErrorFetchFailed}
	ErrStorage           = &CaptchaError{Code: ErrorStorageFailed}
	ErrInvalidRequest    = &CaptchaError{Code: ErrorInvalidRequest}
	ErrImageTooLarge     = &CaptchaError{Code: ErrorImageTooLarge}
)

// CaptchaError represents a classified failure
type CaptchaError struct {
	Code      ErrorCode
	Message   string
	JobID     string
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *CaptchaError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CaptchaError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a CaptchaError with the same code
func (e *CaptchaError) Is(target error) bool {
	t, ok := target.(*CaptchaError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithJob returns a copy of the error tagged with a job ID
func (e *CaptchaError) WithJob(jobID string) *CaptchaError {
	c := *e
	c.JobID = jobID
	return &c
}

// Offending returns the invalid characters attached to an INVALID_CHARACTERS error
func (e *CaptchaError) Offending() string {
	if s, ok := e.Details["offending"].(string); ok {
		return s
	}
	return ""
}

// Factory functions for common errors

func NewDecodeError(cause error) *CaptchaError {
	return &CaptchaError{
		Code:      ErrorDecodeFailed,
		Message:   "Malformed image data",
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewEngineError(language string, cause error) *CaptchaError {
	return &CaptchaError{
		Code:      ErrorEngineFailed,
		Message:   fmt.Sprintf("OCR engine failed (lang: %s)", language),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"language": language,
		},
		Cause: cause,
	}
}

func NewInvalidLengthError(expected, actual int) *CaptchaError {
	return &CaptchaError{
		Code:      ErrorInvalidLength,
		Message:   fmt.Sprintf("Number of characters is not %d (got %d)", expected, actual),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"expected": expected,
			"actual":   actual,
		},
	}
}

// NewInvalidCharactersError expects offending as a sorted, de-duplicated set
func NewInvalidCharactersError(offending []rune) *CaptchaError {
	return &CaptchaError{
		Code:      ErrorInvalidCharacters,
		Message:   fmt.Sprintf("Contains invalid chars %q", string(offending)),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"offending": string(offending),
		},
	}
}

func NewUnknownVariantError(key string) *CaptchaError {
	return &CaptchaError{
		Code:      ErrorUnknownVariant,
		Message:   fmt.Sprintf("Unknown captcha variant: %s", key),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"variant": key,
		},
	}
}

func NewProcessingTimeoutError(jobID string, duration time.Duration, cause error) *CaptchaError {
	return &CaptchaError{
		Code:      ErrorProcessingTimeout,
		Message:   fmt.Sprintf("Processing timed out after %v", duration),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": duration.String(),
		},
		Cause: cause,
	}
}

func NewFetchFailedError(url string, cause error) *CaptchaError {
	return &CaptchaError{
		Code:      ErrorFetchFailed,
		Message:   fmt.Sprintf("Failed to fetch captcha image from %s", url),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"url": url,
		},
		Cause: cause,
	}
}

func NewStorageFailedError(jobID string, cause error) *CaptchaError {
	return &CaptchaError{
		Code:      ErrorStorageFailed,
		Message:   "Failed to store recognition results",
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// NewInvalidRequestError reports a job that can never be processed as sent
func NewInvalidRequestError(jobID, reason string) *CaptchaError {
	return &CaptchaError{
		Code:      ErrorInvalidRequest,
		Message:   reason,
		JobID:     jobID,
		Timestamp: time.Now(),
	}
}

func NewImageTooLargeError(size, limit int64) *CaptchaError {
	return &CaptchaError{
		Code:      ErrorImageTooLarge,
		Message:   fmt.Sprintf("Image size %d exceeds limit %d", size, limit),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"size":  size,
			"limit": limit,
		},
	}
}

// ToMap converts error to map for database storage
func (e *CaptchaError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	if e.JobID != "" {
		result["job_id"] = e.JobID
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
