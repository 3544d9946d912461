package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/ride-dispatch/internal/derrors"
)

type errorResponse struct {
	Code          derrors.Code `json:"code"`
	Message       string       `json:"message"`
	CorrelationID string       `json:"correlation_id,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError renders the taxonomy envelope: stable code, human message,
// correlation id for cross-component tracing.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := derrors.CodeOf(err)
	msg := "internal error"
	var de *derrors.Error
	if errors.As(err, &de) {
		msg = de.Message
	}
	if code == derrors.CodeInternal {
		s.logger.Error("request failed", "error", err, "request_id", requestIDFromContext(r.Context()))
	}
	s.writeJSON(w, derrors.HTTPStatus(code), errorResponse{
		Code:          code,
		Message:       msg,
		CorrelationID: requestIDFromContext(r.Context()),
	})
}
