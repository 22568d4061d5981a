package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"newsfeed-refresh/internal/models"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type watchEvent struct {
	Type string      `json:"type"`
	Job  *models.Job `json:"job,omitempty"`
	Err  string      `json:"error,omitempty"`
}

// handleWatch streams a job's record over a websocket every time its status
// changes and closes the connection once the job is terminal.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("watch upgrade: %v", err)
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go readPump(ws, cancel)

	interval := s.cfg.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	poll := time.NewTicker(interval)
	defer poll.Stop()
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	last := job.Status
	if err := write(ws, watchEvent{Type: "JOB_STATUS", Job: &job}); err != nil {
		return
	}
	for !last.Terminal() {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-poll.C:
			current, err := s.svc.Status(ctx, job.ID)
			if err != nil {
				// the record may have been cleaned up, or the store is down
				_ = write(ws, watchEvent{Type: "JOB_ERROR", Err: err.Error()})
				closeNormal(ws)
				return
			}
			if current.Status == last {
				continue
			}
			last = current.Status
			if err := write(ws, watchEvent{Type: "JOB_STATUS", Job: &current}); err != nil {
				return
			}
		}
	}
	closeNormal(ws)
}

// readPump drains client frames so pongs and close frames are handled.
func readPump(ws *websocket.Conn, done context.CancelFunc) {
	defer done()
	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error { ws.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func write(ws *websocket.Conn, ev watchEvent) error {
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteJSON(ev)
}

func closeNormal(ws *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
