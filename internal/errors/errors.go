package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// GatewayError is an error that can be surfaced to clients. Status selects the
// HTTP response code; Code and Message are serialized as the JSON body.
type GatewayError struct {
	Status     int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	underlying error
}

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the error as JSON to the response.
// Base singletons use pre-serialized JSON to avoid allocations on hot paths.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Common errors. Codes follow the api.gateway.error.* convention.
var (
	ErrInvalidToken = &GatewayError{
		Status:  http.StatusUnauthorized,
		Code:    "api.gateway.error.token.invalid",
		Message: "Invalid or missing token",
	}

	// ErrRequestNotFound is returned on scope mismatches so callers without the
	// right scopes cannot distinguish protected routes from absent ones.
	ErrRequestNotFound = &GatewayError{
		Status:  http.StatusNotFound,
		Code:    "api.gateway.error",
		Message: "Request not found",
	}

	ErrAccessDenied = &GatewayError{
		Status:  http.StatusForbidden,
		Code:    "api.gateway.error.access.denied",
		Message: "Access denied",
	}

	ErrTooManyRequests = &GatewayError{
		Status:  http.StatusTooManyRequests,
		Code:    "api.gateway.error.rate.limit.exceeded",
		Message: "Too many requests",
	}

	ErrBadRequest = &GatewayError{
		Status:  http.StatusBadRequest,
		Code:    "api.gateway.error.request.invalid",
		Message: "Bad request",
	}

	ErrRouteNotFound = &GatewayError{
		Status:  http.StatusNotFound,
		Code:    "api.gateway.error.route.not.found",
		Message: "Not found",
	}

	ErrClientNotFound = &GatewayError{
		Status:  http.StatusNotFound,
		Code:    "api.gateway.error.client.not.found",
		Message: "Client not found",
	}

	ErrServiceUnavailable = &GatewayError{
		Status:  http.StatusServiceUnavailable,
		Code:    "api.gateway.error.service.unavailable",
		Message: "Service is unavailable. Please try after sometime.",
	}

	ErrInternal = &GatewayError{
		Status:  http.StatusInternalServerError,
		Code:    "api.gateway.error.internal",
		Message: "Internal server error",
	}
)

// preSerialized holds JSON-encoded bytes for base error singletons.
var preSerialized map[*GatewayError][]byte

func init() {
	bases := []*GatewayError{
		ErrInvalidToken, ErrRequestNotFound, ErrAccessDenied,
		ErrTooManyRequests, ErrBadRequest, ErrRouteNotFound,
		ErrClientNotFound, ErrServiceUnavailable, ErrInternal,
	}
	preSerialized = make(map[*GatewayError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new GatewayError.
func New(status int, code, message string) *GatewayError {
	return &GatewayError{
		Status:  status,
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with a status, code and client-facing message.
func Wrap(err error, status int, code, message string) *GatewayError {
	return &GatewayError{
		Status:     status,
		Code:       code,
		Message:    message,
		underlying: err,
	}
}

// WithMessage returns a copy of the error with a different message.
func (e *GatewayError) WithMessage(message string) *GatewayError {
	return &GatewayError{
		Status:     e.Status,
		Code:       e.Code,
		Message:    message,
		underlying: e.underlying,
	}
}

// AsGatewayError checks if an error is a GatewayError.
func AsGatewayError(err error) (*GatewayError, bool) {
	if ge, ok := err.(*GatewayError); ok {
		return ge, true
	}
	return nil, false
}

// Write serializes an arbitrary error to the response, mapping non-gateway
// errors to the generic 500.
func Write(w http.ResponseWriter, err error) {
	if ge, ok := AsGatewayError(err); ok {
		ge.WriteJSON(w)
		return
	}
	ErrInternal.WriteJSON(w)
}
