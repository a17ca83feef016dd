package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/loomvm/loom/internal/store"
)

const consoleWriteTimeout = 10 * time.Second

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleConsole streams serial console lines over a WebSocket. Each console
// line becomes one text message. The socket closes when the session stops or
// the client disconnects.
func (s *Server) handleConsole(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Verify the session exists before upgrading.
	if _, err := s.store.GetSession(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "session not found")
			return
		}
		s.logger.Error("get session for console", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get session")
		return
	}

	// Subscribe before upgrading so no lines are lost in between. A stopped
	// session yields a closed channel and the loop exits immediately.
	ch, unsub := s.engine.Broker().Subscribe(id)
	defer unsub()

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		return
	}
	defer conn.Close()

	// Drain client frames so pings and close frames are processed; the
	// console is output-only.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case line, ok := <-ch:
			if !ok {
				deadline := time.Now().Add(consoleWriteTimeout)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session stopped"),
					deadline)
				return
			}
			conn.SetWriteDeadline(time.Now().Add(consoleWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
