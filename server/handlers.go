package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hupe1980/agentgate/core"
)

type queryRequest struct {
	Prompt  string        `json:"prompt"`
	Options *core.Options `json:"options,omitempty"`
	Stream  *bool         `json:"stream,omitempty"`
}

func (q queryRequest) query() core.Query {
	stream := true
	if q.Stream != nil {
		stream = *q.Stream
	}
	return core.Query{Prompt: q.Prompt, Options: q.Options, Stream: stream}
}

type createSessionRequest struct {
	Options *core.Options `json:"options,omitempty"`
}

type sessionResponse struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type listSessionsResponse struct {
	Sessions []core.SessionSummary `json:"sessions"`
	Count    int                   `json:"count"`
}

type healthResponse struct {
	Status         string  `json:"status"`
	Service        string  `json:"service"`
	ActiveSessions int     `json:"active_sessions"`
	InFlight       int     `json:"in_flight"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:         "healthy",
		Service:        s.opts.Service,
		ActiveSessions: s.sup.Registry().Len(),
		InFlight:       s.sup.InFlight(),
		UptimeSeconds:  s.sup.Uptime().Seconds(),
	}

	if !s.sup.Accepting() {
		resp.Status = core.CodeShuttingDown
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	s.dispatch(w, r, "", req.query())
}

func (s *Server) sessionQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	s.dispatch(w, r, chi.URLParam(r, "sessionID"), req.query())
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, sessionID string, q core.Query) {
	if q.Stream {
		stream, err := s.sup.Dispatcher().Stream(r.Context(), sessionID, q)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeSSE(w, r, stream)
		return
	}

	res, err := s.sup.Dispatcher().Do(r.Context(), sessionID, q)
	if err != nil {
		if res == nil {
			s.writeError(w, err)
			return
		}
		s.setRetryAfter(w, err)
		writeJSON(w, statusCode(err), res)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	var opts core.Options
	if req.Options != nil {
		opts = *req.Options
	}

	sess, err := s.sup.CreateSession(opts)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, sessionResponse{
		SessionID: sess.ID(),
		Message:   "Session created successfully",
	})
}

func (s *Server) listSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.sup.Registry().List()
	writeJSON(w, http.StatusOK, listSessionsResponse{
		Sessions: sessions,
		Count:    len(sessions),
	})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sup.Registry().Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sess.Summary())
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if err := s.sup.Registry().Delete(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Status:  "success",
		Message: fmt.Sprintf("Session %s deleted successfully", id),
	})
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: decode body: %v", core.ErrInvalidRequest, err)
	}
	return nil
}
