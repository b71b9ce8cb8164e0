// errors.go - Structured error handling for API responses
package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/docpipe/backend/internal/analysis"
	"github.com/docpipe/backend/internal/files"
	"github.com/docpipe/backend/internal/kv"
	"github.com/docpipe/backend/internal/storage"
)

// APIError represents a structured API error response
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"error"`
	Details string `json:"details,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error constructors for consistent error handling

// NewBadRequestError creates a 400 Bad Request error
func NewBadRequestError(message string, cause error) *APIError {
	err := &APIError{
		Status:  http.StatusBadRequest,
		Code:    "BAD_REQUEST",
		Message: message,
	}
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// NewValidationError creates a 400 validation error for a specific field
func NewValidationError(field string) *APIError {
	return &APIError{
		Status:  http.StatusBadRequest,
		Code:    "VALIDATION_ERROR",
		Message: fmt.Sprintf("validation failed for field: %s", field),
	}
}

// NewFieldValidationError turns validator failures into one 400 error that
// names every offending field.
func NewFieldValidationError(verrs validator.ValidationErrors) *APIError {
	fields := make([]string, 0, len(verrs))
	details := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field())
		details = append(details, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	err := NewValidationError(strings.Join(fields, ", "))
	err.Details = strings.Join(details, "; ")
	return err
}

// NewNotFoundError creates a 404 Not Found error
func NewNotFoundError(message string) *APIError {
	return &APIError{
		Status:  http.StatusNotFound,
		Code:    "NOT_FOUND",
		Message: message,
	}
}

// NewUnauthorizedError creates a 401 error for a missing or wrong token
func NewUnauthorizedError(cause error) *APIError {
	err := &APIError{
		Status:  http.StatusUnauthorized,
		Code:    "UNAUTHORIZED",
		Message: "Unauthorized",
	}
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// NewUpstreamError creates a 500 error for a failing store or object backend
func NewUpstreamError(message string, cause error) *APIError {
	err := &APIError{
		Status:  http.StatusInternalServerError,
		Code:    "UPSTREAM_ERROR",
		Message: message,
	}
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// NewInternalError creates a 500 Internal Server Error
func NewInternalError(message string, cause error) *APIError {
	err := &APIError{
		Status:  http.StatusInternalServerError,
		Code:    "INTERNAL_ERROR",
		Message: message,
	}
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// NewServiceUnavailableError creates a 503 Service Unavailable error
func NewServiceUnavailableError(message string) *APIError {
	return &APIError{
		Status:  http.StatusServiceUnavailable,
		Code:    "SERVICE_UNAVAILABLE",
		Message: message,
	}
}

// MapError translates a domain error into an APIError. fallback is the
// message used when the error is not one the API knows.
func MapError(err error, fallback string) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		return NewFieldValidationError(verrs)
	case errors.Is(err, files.ErrUnsupportedType):
		return &APIError{
			Status:  http.StatusBadRequest,
			Code:    "VALIDATION_ERROR",
			Message: "Invalid file type. Only PDF, DOCX, and TXT files are allowed",
		}
	case errors.Is(err, analysis.ErrNoFilesProvided):
		return NewBadRequestError("No files provided for analysis", nil)
	case errors.Is(err, files.ErrNotFound):
		return NewNotFoundError("File not found")
	case errors.Is(err, analysis.ErrJobNotFound):
		return NewNotFoundError("Analysis job not found")
	case errors.Is(err, analysis.ErrShuttingDown):
		return NewServiceUnavailableError("Server is shutting down")
	case errors.Is(err, files.ErrUploadFailed):
		return NewUpstreamError("Upload failed", err)
	case errors.Is(err, kv.ErrBackend),
		errors.Is(err, storage.ErrBucketNotFound):
		return NewUpstreamError(fallback, err)
	default:
		return NewInternalError(fallback, err)
	}
}

// NewErrorHandler returns an echo HTTPErrorHandler that writes APIError
// bodies. Details of server-side failures are logged, and sent to the
// client only when exposeDetails is set.
// Usage: e.HTTPErrorHandler = api.NewErrorHandler(logger, false)
func NewErrorHandler(logger *slog.Logger, exposeDetails bool) echo.HTTPErrorHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var apiErr *APIError
		var httpErr *echo.HTTPError
		switch {
		case errors.As(err, &apiErr):
		case errors.As(err, &httpErr):
			apiErr = &APIError{
				Status:  httpErr.Code,
				Code:    "HTTP_ERROR",
				Message: fmt.Sprintf("%v", httpErr.Message),
			}
		default:
			apiErr = MapError(err, "An unexpected error occurred")
		}

		body := *apiErr
		if body.Status >= http.StatusInternalServerError {
			logger.Error("request failed",
				"method", c.Request().Method,
				"path", c.Path(),
				"code", body.Code,
				"error", body.Message,
				"details", body.Details,
			)
			if !exposeDetails {
				body.Details = ""
			}
		}

		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(body.Status)
			return
		}
		if err := c.JSON(body.Status, &body); err != nil {
			logger.Error("writing error response", "error", err)
		}
	}
}
