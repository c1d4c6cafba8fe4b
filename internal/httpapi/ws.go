package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/colloquyhq/colloquy/internal/session"
	"github.com/colloquyhq/colloquy/pkg/sessionstore"
)

// wsWriteTimeout bounds a single frame write. A peer that cannot take a
// frame within it is disconnected; the subscriber drop policy inside the
// worker has already bounded how much a stalled connection can buffer.
const wsWriteTimeout = 10 * time.Second

// handleWebSocket upgrades the connection and relays the session's stream
// events as JSON frames until the client disconnects or the session's worker
// exits.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket accept failed", "session_id", sessionID, "error", err)
		return
	}

	events, unsubscribe, err := s.manager.Subscribe(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) || errors.Is(err, sessionstore.ErrNotFound) {
			conn.Close(websocket.StatusPolicyViolation, "Session not found")
			return
		}
		s.logger.Error("websocket subscribe failed", "session_id", sessionID, "error", err)
		conn.Close(websocket.StatusInternalError, "subscription failed")
		return
	}
	defer unsubscribe()

	// No client frames are expected; CloseRead surfaces disconnects through
	// the returned context.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case evt, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "session closed")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(writeCtx, conn, evt)
			cancel()
			if err != nil {
				s.logger.Debug("websocket write failed", "session_id", sessionID, "error", err)
				conn.Close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}
