package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"teamsawake/internal/automation"
	"teamsawake/internal/llm"
	"teamsawake/internal/logging"
	"teamsawake/internal/notify"
	"teamsawake/internal/store"
)

type errorResponse struct {
	Error string `json:"error"`
}

type summaryResponse struct {
	SessionID string `json:"session_id"`
	Summary   string `json:"summary"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.APIDebug("writing response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

// writeResult answers 200 for a successful operation and 500 otherwise.
// The body is the Result either way.
func writeResult(w http.ResponseWriter, res automation.Result) {
	code := http.StatusOK
	if !res.Success {
		code = http.StatusInternalServerError
	}
	writeJSON(w, code, res)
}

func storeErrorCode(err error) int {
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// queryLimit reads ?limit=N. Missing means 0, which lists everything.
func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}

func (s *Server) handleStartChrome(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.deps.Controller.StartChrome(r.Context()))
}

func (s *Server) handleStopChrome(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.deps.Controller.StopChrome(r.Context()))
}

func (s *Server) handleStartMonitoring(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.deps.Controller.StartMonitoring(r.Context()))
}

func (s *Server) handleStopMonitoring(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.deps.Controller.StopMonitoring(r.Context()))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Controller.GetStatus())
}

// handleAuth reports sign-in state and identity. AuthStatus does not
// serialize the token.
func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Controller.GetAuthStatus(r.Context()))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sessions, err := s.deps.History.ListSessions(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if sessions == nil {
		sessions = []store.SessionRow{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.History.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, storeErrorCode(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := s.deps.History.GetSession(r.Context(), id); err != nil {
		writeError(w, storeErrorCode(err), err)
		return
	}
	records, err := s.deps.History.ListNotifications(r.Context(), id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if records == nil {
		records = []notify.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.History.MarkRead(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, storeErrorCode(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSummarize(w http.ResponseWriter, r *http.Request) {
	if s.deps.Completer == nil {
		writeError(w, http.StatusServiceUnavailable, llm.ErrNoAPIKey)
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := s.deps.History.GetSession(r.Context(), id); err != nil {
		writeError(w, storeErrorCode(err), err)
		return
	}
	records, err := s.deps.History.ListNotifications(r.Context(), id, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	summary, err := llm.Summarize(r.Context(), s.deps.Completer, records)
	switch {
	case errors.Is(err, llm.ErrNothingToSummarize):
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	case err != nil:
		logging.Get(logging.CategoryAPI).Warn("summarizing session %s: %v", id, err)
		writeError(w, http.StatusBadGateway, err)
		return
	}

	if err := s.deps.History.SetSummary(r.Context(), id, summary); err != nil {
		writeError(w, storeErrorCode(err), err)
		return
	}
	writeJSON(w, http.StatusOK, summaryResponse{SessionID: id, Summary: summary})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("event stream not configured"))
		return
	}
	s.deps.Events.ServeHTTP(w, r)
}
