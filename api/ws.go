package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleEventStream pushes live events over a websocket. With ?task_id= only
// that task's events are delivered; the stream is replayed from ?since= first.
func (h *Handler) handleEventStream(c *gin.Context) {
	taskID := c.Query("task_id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	events, unsubscribe := h.bus.Subscribe(taskID)
	defer unsubscribe()

	var lastSeq int64
	if since, err := strconv.ParseInt(c.Query("since"), 10, 64); err == nil && since >= 0 {
		for _, ev := range h.bus.Since(since) {
			if taskID != "" && ev.TaskID != taskID {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			lastSeq = ev.Seq
		}
	}

	// Reader only exists to notice the peer going away and to answer pings.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(pongWait))
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

	h.log.Debug("websocket subscriber connected", zap.String("task_id", taskID))
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Seq <= lastSeq {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				h.log.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			h.log.Debug("websocket subscriber left", zap.String("task_id", taskID))
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
