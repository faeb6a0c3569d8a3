package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application-specific error codes
type ErrorCode string

const (
	// Validation errors
	ErrCodeValidation       ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidKeyFormat ErrorCode = "INVALID_KEY_FORMAT"

	// Authentication / authorization errors
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeInvalidToken ErrorCode = "INVALID_TOKEN"
	ErrCodeForbidden    ErrorCode = "FORBIDDEN"

	// Lookup errors
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// Crypto engine errors
	ErrCodeEncryptionFailed ErrorCode = "ENCRYPTION_FAILED"
	ErrCodeDecryptionFailed ErrorCode = "DECRYPTION_FAILED"
	ErrCodeIntegrityFailed  ErrorCode = "INTEGRITY_FAILED"
	ErrCodeUnwrapFailed     ErrorCode = "UNWRAP_FAILED"

	// Relay / store errors
	ErrCodeQueueFull    ErrorCode = "QUEUE_FULL"
	ErrCodeDuplicateID  ErrorCode = "DUPLICATE_ID"
	ErrCodeDeadLettered ErrorCode = "DEAD_LETTERED"

	// Rate limiting errors
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase ErrorCode = "DATABASE_ERROR"
	ErrCodeStorage  ErrorCode = "STORAGE_ERROR"
)

// Sentinels for errors.Is. Matching is by code, so any AppError carrying the
// same code (with or without a cause) matches.
var (
	ErrNotFound         = NewWithStatus(ErrCodeNotFound, "not found", http.StatusNotFound)
	ErrInvalidKeyFormat = NewWithStatus(ErrCodeInvalidKeyFormat, "invalid key format", http.StatusBadRequest)
	ErrEncryptionFailed = New(ErrCodeEncryptionFailed, "encryption failed")
	ErrDecryptionFailed = New(ErrCodeDecryptionFailed, "decryption failed")
	ErrIntegrityFailed  = New(ErrCodeIntegrityFailed, "integrity check failed")
	ErrUnwrapFailed     = New(ErrCodeUnwrapFailed, "unwrap failed")
	ErrQueueFull        = NewWithStatus(ErrCodeQueueFull, "queue full", http.StatusServiceUnavailable)
	ErrDuplicateID      = NewWithStatus(ErrCodeDuplicateID, "duplicate id", http.StatusConflict)
	ErrDeadLettered     = New(ErrCodeDeadLettered, "dead-lettered")
)

// AppError represents a structured application error with code, message, and HTTP status
type AppError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	StatusCode int       `json:"-"`
	Details    any       `json:"details,omitempty"`
	Err        error     `json:"-"`
}

// Error implements the error interface, returning a formatted error message
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is reports whether target is an AppError with the same code.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates a new AppError with the given code and message
// The status code defaults to 500 Internal Server Error
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

// NewWithStatus creates a new AppError with a specific HTTP status code
func NewWithStatus(code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap wraps an existing error with an AppError, preserving the original error
// The status code defaults to 500 Internal Server Error
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// WrapWithStatus wraps an existing error with an AppError and specific status code
func WrapWithStatus(code ErrorCode, message string, statusCode int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Err:        err,
	}
}

// WithDetails adds additional details to an AppError for debugging
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// Validation errors
func ValidationError(message string) *AppError {
	return NewWithStatus(ErrCodeValidation, message, http.StatusBadRequest)
}

func InvalidKeyFormatError(err error) *AppError {
	return WrapWithStatus(ErrCodeInvalidKeyFormat, "Invalid public key format", http.StatusBadRequest, err)
}

// Authentication errors
func UnauthorizedError(message string) *AppError {
	return NewWithStatus(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func InvalidTokenError(message string) *AppError {
	return NewWithStatus(ErrCodeInvalidToken, message, http.StatusUnauthorized)
}

func ForbiddenError(message string) *AppError {
	return NewWithStatus(ErrCodeForbidden, message, http.StatusForbidden)
}

// Not found errors
func NotFoundError(resource string) *AppError {
	return NewWithStatus(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

// Crypto errors
func EncryptionFailedError(err error) *AppError {
	return Wrap(ErrCodeEncryptionFailed, "Encryption failed", err)
}

func DecryptionFailedError(err error) *AppError {
	return Wrap(ErrCodeDecryptionFailed, "Decryption failed", err)
}

func IntegrityFailedError(err error) *AppError {
	return Wrap(ErrCodeIntegrityFailed, "Ciphertext failed authentication", err)
}

func UnwrapFailedError(err error) *AppError {
	return Wrap(ErrCodeUnwrapFailed, "Master key could not unwrap data key", err)
}

// Relay and store errors
func QueueFullError(partition string) *AppError {
	return NewWithStatus(ErrCodeQueueFull, fmt.Sprintf("partition %s is full", partition), http.StatusServiceUnavailable)
}

func DuplicateIDError(id string) *AppError {
	return NewWithStatus(ErrCodeDuplicateID, fmt.Sprintf("id %s already stored", id), http.StatusConflict)
}

func DeadLetteredError(id string, err error) *AppError {
	return Wrap(ErrCodeDeadLettered, fmt.Sprintf("message %s dead-lettered", id), err)
}

// Rate limiting errors
func RateLimitExceededError() *AppError {
	return NewWithStatus(ErrCodeRateLimitExceeded, "Rate limit exceeded", http.StatusTooManyRequests)
}

// Internal errors
func InternalError(message string) *AppError {
	return NewWithStatus(ErrCodeInternal, message, http.StatusInternalServerError)
}

func DatabaseError(err error) *AppError {
	return WrapWithStatus(ErrCodeDatabase, "Database error", http.StatusInternalServerError, err)
}

func StorageError(err error) *AppError {
	return WrapWithStatus(ErrCodeStorage, "Storage error", http.StatusInternalServerError, err)
}

// IsAppError checks if an error is, or wraps, an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// GetAppError extracts AppError from an error, wrapping non-AppErrors as InternalError
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return InternalError(err.Error())
}

// CodeOf returns the code of the first AppError in err's chain, or ErrCodeInternal.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}
