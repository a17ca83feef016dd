package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/loomvm/loom/internal/engine"
	"github.com/loomvm/loom/internal/model"
	"github.com/loomvm/loom/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
	maxExtraSerials  = 8
)

// createSessionRequest is the JSON body for POST /v1/sessions.
type createSessionRequest struct {
	Image        string   `json:"image"`
	CPUs         int      `json:"cpus"`
	MemMB        int      `json:"mem_mb"`
	Ephemeral    *bool    `json:"ephemeral"`
	ExtraSerials int      `json:"extra_serials"`
	MACs         []string `json:"macs"`
}

// listSessionsResponse wraps the paginated list response.
type listSessionsResponse struct {
	Sessions []*model.Session `json:"sessions"`
	Total    int              `json:"total"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Image == "" {
		s.writeError(w, http.StatusBadRequest, "image is required")
		return
	}
	if req.ExtraSerials < 0 || req.ExtraSerials > maxExtraSerials {
		s.writeError(w, http.StatusBadRequest, "extra_serials out of range")
		return
	}

	// Sessions are ephemeral unless the caller opts out.
	ephemeral := true
	if req.Ephemeral != nil {
		ephemeral = *req.Ephemeral
	}

	sess := &model.Session{
		ID:           model.NewID(),
		Status:       model.StatusCreated,
		CPUs:         req.CPUs,
		MemMB:        req.MemMB,
		Image:        req.Image,
		Ephemeral:    ephemeral,
		ExtraSerials: req.ExtraSerials,
		MACs:         req.MACs,
		CreatedAt:    time.Now().UTC(),
	}

	if err := s.engine.Create(r.Context(), sess); err != nil {
		s.logger.Error("create session", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	s.writeJSON(w, http.StatusAccepted, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sess, err := s.store.GetSession(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.logger.Error("get session", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get session")
		return
	}

	s.writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	sessions, total, err := s.store.ListSessions(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list sessions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	if sessions == nil {
		sessions = []*model.Session{}
	}

	s.writeJSON(w, http.StatusOK, listSessionsResponse{
		Sessions: sessions,
		Total:    total,
		Limit:    limit,
		Offset:   offset,
	})
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := s.engine.Stop(r.Context(), id)
	if errors.Is(err, engine.ErrNotActive) {
		// No live process; mark the record stopped if it still can be.
		err = s.store.UpdateSessionStatus(r.Context(), id, model.StatusStopped)
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "session not found")
			return
		}
		if errors.Is(err, store.ErrInvalidTransition) {
			s.writeError(w, http.StatusConflict, "session already finished")
			return
		}
	}
	if err != nil {
		s.logger.Error("stop session", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to stop session")
		return
	}

	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		s.logger.Error("get stopped session", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve session")
		return
	}

	s.writeJSON(w, http.StatusOK, sess)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
