package api

import (
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/recoverykit/pkg/errors"
	"github.com/NikhilSetiya/recoverykit/pkg/resilience"
)

// APIResponse represents a standard API response
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError represents an API error
type APIError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func requestID(c *gin.Context) string {
	if id, ok := c.Get("request_id"); ok {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}

// SuccessResponse sends a successful response
func SuccessResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, APIResponse{
		Success:   true,
		Data:      data,
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

func errorResponse(c *gin.Context, status int, code, message string, details map[string]interface{}) {
	c.JSON(status, APIResponse{
		Success: false,
		Error: &APIError{
			Code:    code,
			Message: message,
			Details: details,
		},
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

// NotFoundResponse sends a 404 Not Found response
func NotFoundResponse(c *gin.Context, message string) {
	errorResponse(c, http.StatusNotFound, "NOT_FOUND", message, nil)
}

// BadRequestResponse sends a 400 Bad Request response
func BadRequestResponse(c *gin.Context, message string) {
	errorResponse(c, http.StatusBadRequest, "BAD_REQUEST", message, nil)
}

// ErrorResponseFromError sends an error response based on the error's classification
func ErrorResponseFromError(c *gin.Context, err error) {
	var open *resilience.CircuitOpenError
	if stderrors.As(err, &open) {
		c.Header("Retry-After", strconv.Itoa(int(open.RetryAfter.Seconds()+0.5)))
		errorResponse(c, http.StatusServiceUnavailable, "CIRCUIT_OPEN", err.Error(), map[string]interface{}{
			"circuit": open.Key,
			"state":   open.State.String(),
		})
		return
	}

	class := errors.Classify(err)

	var statusCode int
	switch class.Type {
	case errors.ErrorTypeValidation:
		statusCode = http.StatusBadRequest
	case errors.ErrorTypeAuthentication:
		statusCode = http.StatusUnauthorized
	case errors.ErrorTypeAuthorization:
		statusCode = http.StatusForbidden
	case errors.ErrorTypeNotFound:
		statusCode = http.StatusNotFound
	case errors.ErrorTypeConflict:
		statusCode = http.StatusConflict
	case errors.ErrorTypeRateLimit:
		statusCode = http.StatusTooManyRequests
	case errors.ErrorTypeTimeout:
		statusCode = http.StatusGatewayTimeout
	case errors.ErrorTypeConnection, errors.ErrorTypeUnavailable, errors.ErrorTypeExternal, errors.ErrorTypeRecoveryExhausted:
		statusCode = http.StatusBadGateway
	default:
		statusCode = http.StatusInternalServerError
	}

	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		var details map[string]interface{}
		if len(appErr.Details) > 0 {
			details = make(map[string]interface{}, len(appErr.Details))
			for k, v := range appErr.Details {
				details[k] = v
			}
		}
		errorResponse(c, statusCode, appErr.Code, appErr.Message, details)
		return
	}

	if statusCode == http.StatusInternalServerError {
		errorResponse(c, statusCode, "INTERNAL_ERROR", "An unknown error occurred", nil)
		return
	}
	errorResponse(c, statusCode, string(class.Type), err.Error(), nil)
}
