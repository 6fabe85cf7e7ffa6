package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"facemoji/internal/logger"
	"facemoji/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// streamMessage is one frame on the event stream.
type streamMessage struct {
	Type  string             `json:"type"`
	Job   *models.StatusView `json:"job,omitempty"`
	Event *models.JobEvent   `json:"event,omitempty"`
}

// handleEvents pushes the job's current status, then each transition, and
// closes after the job reaches a terminal state.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub, err := s.events.Subscribe(ctx, id)
	if err != nil {
		s.logger.Error("subscribe to job events", slog.String("job_id", id), logger.Err(err))
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "event stream unavailable"})
		return
	}
	defer sub.Close()

	// Read after subscribing so no transition falls between the two.
	view, err := s.gw.GetStatus(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade", slog.String("job_id", id), logger.Err(err))
		return
	}
	defer conn.Close()

	// Drain client frames so close and pong control messages are processed.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := send(conn, streamMessage{Type: "status", Job: &view}); err != nil {
		return
	}
	if models.IsTerminal(view.Status) {
		closeStream(conn)
		return
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := send(conn, streamMessage{Type: "event", Event: &ev}); err != nil {
				return
			}
			if !models.IsTerminal(ev.Status) {
				continue
			}
			if final, err := s.gw.GetStatus(ctx, id); err == nil {
				_ = send(conn, streamMessage{Type: "status", Job: &final})
			}
			closeStream(conn)
			return
		}
	}
}

func send(conn *websocket.Conn, msg streamMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

func closeStream(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
