package server

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/hupe1980/agentgate/core"
)

type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// statusCode maps the error taxonomy to HTTP statuses.
func statusCode(err error) int {
	switch core.ErrorCode(err) {
	case core.CodeSessionNotFound:
		return http.StatusNotFound
	case core.CodeSessionBusy, core.CodeQueueTimeout:
		return http.StatusTooManyRequests
	case core.CodeShuttingDown:
		return http.StatusServiceUnavailable
	case core.CodeInvalidRequest:
		return http.StatusBadRequest
	case core.CodeTimeout:
		return http.StatusGatewayTimeout
	case core.CodeCancelled:
		return http.StatusConflict
	default:
		var engErr *core.EngineError
		if errors.As(err, &engErr) {
			return http.StatusBadGateway
		}
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusCode(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", "status", status, "error", err)
	}

	s.setRetryAfter(w, err)
	writeJSON(w, status, errorResponse{
		Error:  core.ErrorCode(err),
		Detail: err.Error(),
	})
}

func (s *Server) setRetryAfter(w http.ResponseWriter, err error) {
	if statusCode(err) != http.StatusTooManyRequests || s.opts.RetryAfter <= 0 {
		return
	}
	secs := int(math.Ceil(s.opts.RetryAfter.Seconds()))
	w.Header().Set("Retry-After", strconv.Itoa(secs))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
