package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// wsWriteTimeout bounds each outbound frame.
const wsWriteTimeout = 10 * time.Second

// wsFrame is one outbound WebSocket message. Type is "answer" or
// "error"; an answer frame carries the ChatResponse fields inline.
type wsFrame struct {
	Type string `json:"type"`
	*ChatResponse
	Error string `json:"error,omitempty"`
}

// handleWebSocket serves the chat contract over a WebSocket. Each
// inbound frame is a ChatRequest; each gets exactly one wsFrame back.
// A frame without thread_id continues the thread the connection used
// last, so a client can hold one conversation per socket.
// GET /v1/ws
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxRequestBytes)

	ctx := r.Context()
	thread := ""
	for {
		var req ChatRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket closed by client", "thread", thread)
			} else {
				s.logger.Debug("websocket read failed", "thread", thread, "error", err)
			}
			return
		}
		if req.ThreadID == "" {
			req.ThreadID = thread
		}

		frame := wsFrame{Type: "answer"}
		resp, err := s.chat(ctx, req)
		switch {
		case errors.Is(err, errEmptyMessage):
			frame = wsFrame{Type: "error", Error: err.Error()}
		case err != nil:
			s.logger.Error("agent turn failed", "thread", req.ThreadID, "error", err)
			frame = wsFrame{Type: "error", Error: "agent error: " + err.Error()}
		default:
			frame.ChatResponse = resp
			thread = resp.ThreadID
		}

		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(frame); err != nil {
			s.logger.Debug("websocket write failed", "thread", thread, "error", err)
			return
		}
	}
}

// handleEvents streams turn progress events as JSON frames until the
// client disconnects. An optional thread_id query parameter limits the
// stream to one thread.
// GET /v1/events?thread_id=abc
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event stream not configured")
		return
	}
	// Subscribe before upgrading so nothing published after the client
	// sees the handshake complete is missed.
	sub := s.events.Subscribe(64, r.URL.Query().Get("thread_id"))
	defer sub.Close()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// The read side only exists to notice the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return
			}
		}
	}
}
