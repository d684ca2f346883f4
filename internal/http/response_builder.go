// Package http provides HTTP server and handler implementations.
//
// This file implements the Builder Pattern for constructing API responses.
// It provides a fluent API for building HX-Trigger headers, JSON bodies and
// consistent error formatting.

package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"cofre/internal/auth"
	"cofre/internal/core"
	applog "cofre/internal/log"
	"cofre/internal/services"
)

const contentTypeJSON = "application/json; charset=utf-8"

// Error codes carried in error bodies.
const (
	CodeBadRequest     = "bad_request"
	CodeValidation     = applog.ErrorTypeValidation
	CodeNotFound       = applog.ErrorTypeNotFound
	CodeReconciliation = applog.ErrorTypeReconciliation
	CodeUnavailable    = "service_unavailable"
	CodeUnauthorized   = applog.ErrorTypeAuth
	CodeRateLimited    = "rate_limited"
	CodeInternal       = applog.ErrorTypeInternal
)

// ResponseBuilder provides a fluent API for building API responses.
type ResponseBuilder struct {
	triggers   map[string]any
	statusCode int
	body       []byte
	headers    map[string]string
}

// NewResponse creates a new response builder with default 200 status.
func NewResponse() *ResponseBuilder {
	return &ResponseBuilder{
		triggers:   make(map[string]any),
		statusCode: http.StatusOK,
		headers:    make(map[string]string),
	}
}

// Status sets the HTTP status code for the response.
func (b *ResponseBuilder) Status(code int) *ResponseBuilder {
	b.statusCode = code
	return b
}

// Trigger adds a named trigger with optional data to the HX-Trigger header.
func (b *ResponseBuilder) Trigger(name string, data any) *ResponseBuilder {
	b.triggers[name] = data
	return b
}

// TriggerVaultUpdated adds the vault:updated trigger carrying the new balance.
func (b *ResponseBuilder) TriggerVaultUpdated(vaultID string, balance core.Money) *ResponseBuilder {
	return b.Trigger("vault:updated", map[string]string{"vault_id": vaultID, "balance": balance.StringFixed()})
}

// TriggerVaultDeleted adds the vault:deleted trigger.
func (b *ResponseBuilder) TriggerVaultDeleted(vaultID string) *ResponseBuilder {
	return b.Trigger("vault:deleted", map[string]string{"vault_id": vaultID})
}

// NotificationType represents the type of notification to display.
type NotificationType string

const (
	NotificationSuccess NotificationType = "success"
	NotificationError   NotificationType = "error"
	NotificationWarning NotificationType = "warning"
)

// TriggerNotification adds a show-notification trigger with the specified parameters.
func (b *ResponseBuilder) TriggerNotification(notifType NotificationType, message string, durationMs int) *ResponseBuilder {
	return b.Trigger("show-notification", map[string]any{
		"type":     string(notifType),
		"message":  message,
		"duration": durationMs,
	})
}

// TriggerSuccessNotification is a convenience method for success notifications.
func (b *ResponseBuilder) TriggerSuccessNotification(message string) *ResponseBuilder {
	return b.TriggerNotification(NotificationSuccess, message, 3000)
}

// Header adds a custom header to the response.
func (b *ResponseBuilder) Header(name, value string) *ResponseBuilder {
	b.headers[name] = value
	return b
}

// Body sets the raw response body.
func (b *ResponseBuilder) Body(contentType string, content []byte) *ResponseBuilder {
	b.headers["Content-Type"] = contentType
	b.body = content
	return b
}

// JSON encodes v as the response body. Encoding failures turn the response
// into a 500.
func (b *ResponseBuilder) JSON(v any) *ResponseBuilder {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("Response encoding failed", "error", err)
		b.statusCode = http.StatusInternalServerError
		data = []byte(`{"error":{"code":"` + CodeInternal + `","message":"response encoding failed"}}`)
	}
	return b.Body(contentTypeJSON, append(data, '\n'))
}

// Write sends the built response to the http.ResponseWriter.
func (b *ResponseBuilder) Write(w http.ResponseWriter) {
	for name, value := range b.headers {
		w.Header().Set(name, value)
	}

	if len(b.triggers) > 0 {
		triggerJSON, err := json.Marshal(b.triggers)
		if err == nil {
			w.Header().Set("HX-Trigger", string(triggerJSON))
		}
	}

	w.WriteHeader(b.statusCode)
	if len(b.body) > 0 {
		_, _ = w.Write(b.body)
	}
}

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// ErrorResponse creates a standard JSON error response.
func ErrorResponse(statusCode int, code, message string) *ResponseBuilder {
	return NewResponse().
		Status(statusCode).
		JSON(ErrorBody{Error: ErrorDetail{Code: code, Message: message}})
}

// BadRequestError creates a 400 Bad Request error response.
func BadRequestError(message string) *ResponseBuilder {
	return ErrorResponse(http.StatusBadRequest, CodeBadRequest, message)
}

// NotFoundError creates a 404 Not Found error response.
func NotFoundError(message string) *ResponseBuilder {
	return ErrorResponse(http.StatusNotFound, CodeNotFound, message)
}

// MethodNotAllowedError creates a 405 Method Not Allowed error response.
func MethodNotAllowedError(allowedMethods string) *ResponseBuilder {
	return ErrorResponse(http.StatusMethodNotAllowed, CodeBadRequest, "method not allowed").
		Header("Allow", allowedMethods)
}

// UnauthorizedError creates a 401 response with a bearer challenge.
func UnauthorizedError(message string) *ResponseBuilder {
	return ErrorResponse(http.StatusUnauthorized, CodeUnauthorized, message).
		Header("WWW-Authenticate", `Bearer realm="cofre"`)
}

// TooManyRequestsError creates a 429 response. Retry-After is set by the limiter.
func TooManyRequestsError() *ResponseBuilder {
	return ErrorResponse(http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded, try again later")
}

// FromError maps an operation error to its response:
// validation 422, not found 404, reconciliation 500, storage 503.
func FromError(err error) *ResponseBuilder {
	var (
		verr *core.ValidationError
		nerr *core.NotFoundError
		rerr *core.ReconciliationError
		derr *core.DependencyError
	)
	switch {
	case errors.As(err, &verr):
		return NewResponse().
			Status(http.StatusUnprocessableEntity).
			JSON(ErrorBody{Error: ErrorDetail{Code: CodeValidation, Message: verr.Err.Error(), Field: verr.Field}})
	case errors.As(err, &nerr):
		return NotFoundError(nerr.Error())
	case errors.Is(err, core.ErrNotFound):
		return NotFoundError(err.Error())
	case errors.As(err, &rerr):
		return ErrorResponse(http.StatusInternalServerError, CodeReconciliation,
			"vault balance diverged from its movements; recompute the vault balance")
	case errors.As(err, &derr):
		return ErrorResponse(http.StatusServiceUnavailable, CodeUnavailable, "storage unavailable, try again later")
	case errors.Is(err, services.ErrExportStorageDisabled):
		return ErrorResponse(http.StatusServiceUnavailable, CodeUnavailable, err.Error())
	case errors.Is(err, auth.ErrMissingToken), errors.Is(err, auth.ErrMalformedHeader), errors.Is(err, auth.ErrInvalidToken):
		return UnauthorizedError(err.Error())
	default:
		return ErrorResponse(http.StatusInternalServerError, CodeInternal, "internal error")
	}
}
