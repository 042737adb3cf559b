package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mattkinnersley/script-runner/internal/state"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Followers are API clients, not browsers.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleFollow streams incremental output frames over a websocket until the
// job reaches a terminal status, then closes the connection normally.
func (s *Server) handleFollow(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookup(w, r)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error
		slog.Debug("websocket upgrade failed", "job", job.ID, "error", err)
		return
	}
	defer conn.Close()

	// The read loop only exists to notice the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.opts.FollowInterval)
	defer ticker.Stop()

	var (
		outOff, errOff int
		last           = state.Status(-1)
	)
	for {
		chunk := job.ReadSince(outOff, errOff)
		if chunk.Output != "" || chunk.Error != "" || chunk.Status != last {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(newOutputResponse(chunk)); err != nil {
				slog.Debug("websocket write failed", "job", job.ID, "error", err)
				return
			}
		}
		outOff, errOff, last = chunk.OutputOffset, chunk.ErrorOffset, chunk.Status

		if chunk.Status.Terminal() {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, chunk.Status.String())
			if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
				return
			}
			select {
			case <-gone:
			case <-time.After(writeWait):
			}
			return
		}

		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}
