// Package errors maps experiment errors onto HTTP responses and carries the
// JSON error envelope shared by handlers and middleware.
package errors

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"

	"github.com/3leaps/expvisor/pkg/output"
	"github.com/3leaps/expvisor/pkg/supervisor"
)

// Codes used only at the HTTP layer. Domain codes come from pkg/output.
const (
	CodeInternal           = "INTERNAL_ERROR"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeUnauthenticated    = "UNAUTHENTICATED"
	CodeStopPending        = "STOP_PENDING"
)

// ErrorBody is the "error" member of an error response, rendered from a
// gofulmen error envelope.
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// HTTPErrorResponse is the JSON error envelope: {"error": {...}}.
type HTTPErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type requestIDKey struct{}

// WithRequestID stores id on ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the id stored by WithRequestID.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// NewEnvelope builds an envelope correlated with r's request id. Flat
// details (strings, numbers, bools, string lists) become envelope context;
// anything structured is kept verbatim as envelope details.
func NewEnvelope(r *http.Request, code, message string, details map[string]any) *gferrors.ErrorEnvelope {
	env := gferrors.NewErrorEnvelope(code, message)
	if r != nil {
		if id := RequestID(r.Context()); id != "" {
			env = env.WithCorrelationID(id)
		}
	}
	if len(details) > 0 {
		if _, err := env.WithContext(details); err != nil {
			env = env.WithDetails(details)
			env.Context = nil
		}
	}
	return env
}

// Response renders env in the wire shape.
func Response(env *gferrors.ErrorEnvelope) HTTPErrorResponse {
	details := env.Details
	if len(details) == 0 && len(env.Context) > 0 {
		details = env.Context
	}
	return HTTPErrorResponse{Error: ErrorBody{
		Code:      env.Code,
		Message:   env.Message,
		RequestID: env.CorrelationID,
		Timestamp: env.Timestamp,
		Details:   details,
	}}
}

// WriteEnvelope sends env with the given status.
func WriteEnvelope(w http.ResponseWriter, env *gferrors.ErrorEnvelope, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response(env))
}

// Write sends an error envelope with the given status.
func Write(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	WriteEnvelope(w, NewEnvelope(r, code, message, details), status)
}

// Status maps an error code to its HTTP status.
func Status(code string) int {
	switch code {
	case output.ErrCodeValidation:
		return http.StatusBadRequest
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case output.ErrCodeAccessDenied:
		return http.StatusForbidden
	case output.ErrCodeNotFound:
		return http.StatusNotFound
	case output.ErrCodeConflict:
		return http.StatusConflict
	case output.ErrCodeStoreUnavailable, CodeServiceUnavailable, output.ErrCodeCanceled:
		return http.StatusServiceUnavailable
	case output.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case CodeStopPending:
		return http.StatusAccepted
	case CodeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	default:
		return http.StatusInternalServerError
	}
}

// Classify returns the code for err.
func Classify(err error) string {
	if errors.Is(err, supervisor.ErrStopTimeout) {
		return CodeStopPending
	}
	code := output.ErrorCode(err)
	if code == output.ErrCodeInternal {
		return CodeInternal
	}
	return code
}

// RespondWithError writes the envelope for err. Internal failures do not
// leak their message.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	code := Classify(err)
	msg := err.Error()
	if code == CodeInternal || code == output.ErrCodeCorrupt {
		msg = http.StatusText(http.StatusInternalServerError)
	}
	Write(w, r, Status(code), code, msg, nil)
}
