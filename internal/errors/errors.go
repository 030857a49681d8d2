// Package errors maps application errors onto gofulmen error envelopes and
// HTTP status codes.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"
)

// Kind classifies an application error.
type Kind string

const (
	KindNotFound         Kind = "NOT_FOUND"
	KindValidation       Kind = "VALIDATION_ERROR"
	KindExternalService  Kind = "SERVICE_UNAVAILABLE"
	KindMethodNotAllowed Kind = "METHOD_NOT_ALLOWED"
	KindInternal         Kind = "INTERNAL_ERROR"
)

// AppError is an error with a kind and optional details.
type AppError struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

// HTTPStatus returns the status code for the error kind.
func (e *AppError) HTTPStatus() int {
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	case KindExternalService:
		return http.StatusServiceUnavailable
	case KindMethodNotAllowed:
		return http.StatusMethodNotAllowed
	}
	return http.StatusInternalServerError
}

func NewNotFoundError(msg string) *AppError {
	return &AppError{Kind: KindNotFound, Message: msg}
}

func NewValidationError(msg string, err error) *AppError {
	return &AppError{Kind: KindValidation, Message: msg, Err: err}
}

func NewExternalServiceError(msg string) *AppError {
	return &AppError{Kind: KindExternalService, Message: msg}
}

func NewMethodNotAllowedError(method string) *AppError {
	return &AppError{Kind: KindMethodNotAllowed, Message: "method " + method + " not allowed"}
}

func NewInternalError(msg string, err error) *AppError {
	return &AppError{Kind: KindInternal, Message: msg, Err: err}
}

// WithDetails attaches structured details.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	e.Details = details
	return e
}

// HTTPErrorResponse is the JSON body of every error response.
type HTTPErrorResponse struct {
	Error *gferrors.ErrorEnvelope `json:"error"`
}

// RequestIDHeader carries the request id the envelope is correlated with.
const RequestIDHeader = "X-Request-ID"

// NewEnvelope builds the error envelope for err and returns it with the
// matching HTTP status. Errors that are not an AppError become INTERNAL_ERROR.
// r may be nil.
func NewEnvelope(r *http.Request, err error) (*gferrors.ErrorEnvelope, int) {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		appErr = NewInternalError("internal error", err)
	}
	env := gferrors.NewErrorEnvelope(string(appErr.Kind), appErr.Error()).
		WithDetails(appErr.Details)
	if r != nil {
		env = env.WithCorrelationID(r.Header.Get(RequestIDHeader)).WithPath(r.URL.Path)
		env, _ = env.WithContext(map[string]interface{}{"method": r.Method})
	}
	return env, appErr.HTTPStatus()
}

// RespondWithError writes err as an HTTPErrorResponse.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	env, status := NewEnvelope(r, err)
	WriteEnvelope(w, env, status)
}

// WriteEnvelope writes env under the "error" key with the given status.
func WriteEnvelope(w http.ResponseWriter, env *gferrors.ErrorEnvelope, status int) {
	WriteJSON(w, status, HTTPErrorResponse{Error: env})
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
