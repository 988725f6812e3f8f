// Package middleware holds the HTTP middleware shared by every expvisor
// route.
package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/fulmenhq/gofulmen/errors"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/expvisor/internal/errors"
	"github.com/3leaps/expvisor/internal/observability"
)

// RequestIDHeader carries the caller's request id, or ours when absent.
const RequestIDHeader = "X-Request-ID"

// ErrorResponse is the body written for recovered panics.
type ErrorResponse = apperrors.HTTPErrorResponse

// RequestID propagates X-Request-ID, generating one when the caller did not.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(apperrors.WithRequestID(r.Context(), id)))
	})
}

// Recovery turns a handler panic into a 500 error envelope.
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
			observability.CLILogger.Error("Handler panic",
				zap.Any("panic", rec),
				zap.String("path", r.URL.Path),
				zap.ByteString("stack", debug.Stack()),
			)
			env := errors.NewErrorEnvelope(apperrors.CodeInternal, fmt.Sprintf("panic: %v", rec))
			if id := apperrors.RequestID(r.Context()); id != "" {
				env = env.WithCorrelationID(id)
			}
			writeErrorResponse(w, env, http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is Recovery under the name the router setup uses.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}

// Logger logs one line per request at debug level, errors at warn.
func Logger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", apperrors.RequestID(r.Context())),
			}
			if status >= http.StatusInternalServerError {
				log.Warn("HTTP request failed", fields...)
				return
			}
			log.Debug("HTTP request", fields...)
		})
	}
}

func writeErrorResponse(w http.ResponseWriter, env *errors.ErrorEnvelope, status int) {
	apperrors.WriteEnvelope(w, env, status)
}
