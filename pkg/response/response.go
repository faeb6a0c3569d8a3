package response

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/burhanwani/WhatsAppSimulator/pkg/errors"
)

// Response is the body written for every failed HTTP request. Successful
// key lookups return the bare record instead.
type Response struct {
	Success bool         `json:"success"`
	Error   *ErrorDetail `json:"error,omitempty"`
	Meta    Meta         `json:"meta"`
}

// ErrorDetail contains error information
type ErrorDetail struct {
	Code    string `json:"code"`    // Error code (e.g., "INVALID_KEY_FORMAT")
	Message string `json:"message"` // Human-readable error message
}

// Meta contains response metadata
type Meta struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// Error writes the error body with statusCode.
func Error(c *gin.Context, statusCode int, errorCode, errorMessage string) {
	c.JSON(statusCode, Response{
		Error: &ErrorDetail{Code: errorCode, Message: errorMessage},
		Meta:  Meta{Timestamp: time.Now().UTC(), RequestID: c.GetString("request_id")},
	})
}

// FromError maps err onto its AppError code and status.
// Causes are never echoed to the client.
func FromError(c *gin.Context, err error) {
	appErr := apperrors.GetAppError(err)
	status := appErr.StatusCode
	if status == 0 {
		status = http.StatusInternalServerError
	}
	message := appErr.Message
	if status >= http.StatusInternalServerError {
		message = "Internal server error"
	}
	Error(c, status, string(appErr.Code), message)
}

func ValidationError(c *gin.Context, message string) {
	Error(c, http.StatusBadRequest, string(apperrors.ErrCodeValidation), message)
}

func Unauthorized(c *gin.Context, message string) {
	Error(c, http.StatusUnauthorized, string(apperrors.ErrCodeUnauthorized), message)
}

func TooManyRequests(c *gin.Context) {
	Error(c, http.StatusTooManyRequests, string(apperrors.ErrCodeRateLimitExceeded), "Rate limit exceeded")
}

// InternalError never carries a cause.
func InternalError(c *gin.Context, message string) {
	Error(c, http.StatusInternalServerError, string(apperrors.ErrCodeInternal), message)
}
