package httpadapter

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"plontis/internal/domain"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError renders err using the domain error taxonomy. Unknown errors are
// logged and reported as a generic 500.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var de *domain.Error
	if !errors.As(err, &de) {
		s.log.Error("unhandled error",
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID(r)),
			zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: errorBody{
			Code:    "INTERNAL",
			Message: "internal server error",
		}})
		return
	}

	status, msg := http.StatusInternalServerError, de.Message
	switch de.Code {
	case domain.CodeUnauthorized:
		status, msg = http.StatusUnauthorized, "invalid credentials"
	case domain.CodeDuplicateIdentity:
		status = http.StatusConflict
	case domain.CodeInvalidEvent, domain.CodeInvalidRegistration:
		status = http.StatusBadRequest
	case domain.CodeNotFound:
		status = http.StatusNotFound
	case domain.CodeRateLimited:
		status = http.StatusTooManyRequests
	case domain.CodeStoreUnavailable:
		status, msg = http.StatusServiceUnavailable, "event store unavailable, retry later"
	case domain.CodeTimeout:
		status, msg = http.StatusServiceUnavailable, "request timed out, retry later"
	}
	if status >= 500 {
		s.log.Warn("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID(r)),
			zap.Error(err))
	}
	if de.Retryable() {
		w.Header().Set("Retry-After", "1")
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	writeJSON(w, status, errorResponse{Error: errorBody{
		Code:      string(de.Code),
		Reason:    de.Reason,
		Message:   msg,
		Retryable: de.Retryable(),
	}})
}
