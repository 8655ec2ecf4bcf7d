package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"simrun.engine/internal/core/logger"
	"simrun.engine/internal/core/metrics"
	"simrun.engine/internal/logrelay"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Clients only send control frames.
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleStreamLogs replays the recorded output of a job, then follows it
// until the job reaches a terminal status. Each frame is one JSON log line.
func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	log := logger.WithContext(r.Context()).With("job_id", id)

	// Subscribed before the upgrade so an unknown job is a plain 404.
	sub, err := s.jobs.StreamLogs(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer sub.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("Websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	metrics.IncLogSubscribers()
	defer metrics.DecLogSubscribers()

	go readPump(conn, sub)
	writePump(conn, sub)
	log.Debug("Log stream closed", "error", sub.Err())
}

// readPump discards client frames and ends the subscription when the peer
// goes away.
func readPump(conn *websocket.Conn, sub *logrelay.Subscription) {
	defer sub.Close()
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writePump(conn *websocket.Conn, sub *logrelay.Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case line, ok := <-sub.Lines():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, closeFrame(sub.Err()))
				return
			}
			if err := conn.WriteJSON(line); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func closeFrame(err error) []byte {
	switch {
	case err == nil:
		return websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished")
	case errors.Is(err, logrelay.ErrSlowConsumer):
		return websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error())
	default:
		return websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "log stream interrupted")
	}
}
