package api

import (
	"encoding/json"
	"net/http"
)

// healthResponse reports daemon liveness together with how many hypervisor
// sessions are currently attached, so health checks can tell an idle daemon from a
// busy one.
type healthResponse struct {
	Status         string `json:"status"`
	ActiveSessions int    `json:"active_sessions"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:         "ok",
		ActiveSessions: s.engine.ActiveCount(),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("encode healthz response", "error", err)
	}
}
