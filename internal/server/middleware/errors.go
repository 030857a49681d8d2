// Package middleware holds the HTTP middleware of the tracker server.
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"

	gferrors "github.com/fulmenhq/gofulmen/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/graspatracker/internal/errors"
	"github.com/3leaps/graspatracker/internal/observability"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = apperrors.RequestIDHeader

type contextKey string

const requestIDKey contextKey = "request_id"

// ErrorResponse is the JSON body written for recovered panics.
type ErrorResponse = apperrors.HTTPErrorResponse

// RequestID propagates the caller's X-Request-ID or assigns a new one. The
// id is echoed in the response and stored in the request context.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(RequestIDHeader, id)
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// GetRequestID returns the id stored by RequestID, or "".
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// Recovery turns a panic into a 500 INTERNAL_ERROR response.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			requestID := r.Header.Get(RequestIDHeader)
			observability.CLILogger.Error("Panic in HTTP handler",
				zap.Any("panic", rec),
				zap.String("path", r.URL.Path),
				zap.String("request_id", requestID),
				zap.ByteString("stack", debug.Stack()))

			envelope := gferrors.NewErrorEnvelope(string(apperrors.KindInternal), fmt.Sprintf("panic: %v", rec)).
				WithCorrelationID(requestID).
				WithPath(r.URL.Path)
			writeErrorResponse(w, envelope, http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is Recovery under the name used by older routers.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}

func writeErrorResponse(w http.ResponseWriter, envelope *gferrors.ErrorEnvelope, status int) {
	apperrors.WriteEnvelope(w, envelope, status)
}
