package controller

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"isoforge/internal/worker/joblog"
	"isoforge/pkg/utils/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API sits behind token auth; cross-origin browsers are not a
	// supported client.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// LogsController streams live build output over WebSocket.
type LogsController struct {
	hub *joblog.Hub
}

// NewLogsController creates a new controller.
func NewLogsController(hub *joblog.Hub) *LogsController {
	return &LogsController{hub: hub}
}

// StreamLogs upgrades the connection and relays log chunks for one job
// until the build ends or the client disconnects.
func (h *LogsController) StreamLogs(c *gin.Context) {
	jobID := c.Param("id")
	if jobID == "" {
		c.Status(http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Errorf(c.Request.Context(), "websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	chunks, cancel := h.hub.Subscribe(jobID)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case chunk, ok := <-chunks:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream closed"))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, chunk); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
