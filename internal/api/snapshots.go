package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/loomvm/loom/internal/engine"
	"github.com/loomvm/loom/internal/store"
	"github.com/loomvm/loom/internal/vm"
)

// takeSnapshotRequest is the JSON body for POST /v1/sessions/{id}/snapshots.
type takeSnapshotRequest struct {
	Name string `json:"name"`
}

// snapshotListResponse is the JSON response for GET /v1/sessions/{id}/snapshots.
type snapshotListResponse struct {
	SessionID string   `json:"session_id"`
	Snapshots []string `json:"snapshots"`
}

// snapshotEventEntry is one history entry in the snapshot history response.
type snapshotEventEntry struct {
	Action    string `json:"action"`
	Name      string `json:"name"`
	Error     string `json:"error,omitempty"`
	CreatedAt string `json:"created_at"`
}

// snapshotHistoryResponse is the JSON response for
// GET /v1/sessions/{id}/snapshots/history.
type snapshotHistoryResponse struct {
	SessionID string               `json:"session_id"`
	Events    []snapshotEventEntry `json:"events"`
}

func (s *Server) handleTakeSnapshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req takeSnapshotRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" || strings.ContainsAny(req.Name, " \t\n") {
		s.writeError(w, http.StatusBadRequest, "name must be a single non-empty word")
		return
	}

	if err := s.engine.TakeSnapshot(r.Context(), id, req.Name); err != nil {
		s.snapshotError(w, r, id, err, "take snapshot")
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]string{
		"session_id": id,
		"name":       req.Name,
	})
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	names, err := s.engine.ListSnapshots(r.Context(), id)
	if err != nil {
		s.snapshotError(w, r, id, err, "list snapshots")
		return
	}
	if names == nil {
		names = []string{}
	}

	s.writeJSON(w, http.StatusOK, snapshotListResponse{
		SessionID: id,
		Snapshots: names,
	})
}

func (s *Server) handleDeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	name := chi.URLParam(r, "name")

	if err := s.engine.DeleteSnapshot(r.Context(), id, name); err != nil {
		s.snapshotError(w, r, id, err, "delete snapshot")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"session_id": id,
		"name":       name,
	})
}

func (s *Server) handleRestoreSnapshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	name := chi.URLParam(r, "name")

	if err := s.engine.RestoreSnapshot(r.Context(), id, name); err != nil {
		s.snapshotError(w, r, id, err, "restore snapshot")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"session_id": id,
		"name":       name,
	})
}

func (s *Server) handleSnapshotHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Verify the session exists; history is served for stopped sessions too.
	if _, err := s.store.GetSession(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "session not found")
			return
		}
		s.logger.Error("get session for snapshot history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get session")
		return
	}

	events, err := s.store.ListSnapshotEvents(r.Context(), id)
	if err != nil {
		s.logger.Error("list snapshot events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list snapshot events")
		return
	}

	entries := make([]snapshotEventEntry, len(events))
	for i, ev := range events {
		entries[i] = snapshotEventEntry{
			Action:    ev.Action,
			Name:      ev.Name,
			Error:     ev.Error,
			CreatedAt: ev.CreatedAt.Format(time.RFC3339),
		}
	}

	s.writeJSON(w, http.StatusOK, snapshotHistoryResponse{
		SessionID: id,
		Events:    entries,
	})
}

// snapshotError maps snapshot operation failures to HTTP status codes.
func (s *Server) snapshotError(w http.ResponseWriter, r *http.Request, id string, err error, op string) {
	switch {
	case errors.Is(err, engine.ErrNotActive):
		// Distinguish an unknown session from a stopped one.
		if _, gerr := s.store.GetSession(r.Context(), id); errors.Is(gerr, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "session not found")
			return
		}
		s.writeError(w, http.StatusConflict, "session is not running")
	case errors.Is(err, vm.ErrSnapshotNotFound):
		s.writeError(w, http.StatusNotFound, "snapshot not found")
	default:
		s.logger.Error(op, "session_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}
