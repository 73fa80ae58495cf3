package server

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/collab/internal/rows"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	realtimeWriteWait  = 10 * time.Second
	realtimePongWait   = 60 * time.Second
	realtimePingPeriod = (realtimePongWait * 9) / 10
	realtimeReadLimit  = 4096
)

// handleRealtime streams change events for one topic as JSON text frames.
// The subscription is registered before the upgrade so a client that sees the
// handshake complete does not miss writes issued afterwards.
func (h *httpHandler) handleRealtime(c *gin.Context) {
	topic, err := rows.ParseTopic(c.Query("table"), c.Query("event"), c.Query("filter"))
	if err != nil {
		h.writeError(c, "realtime.subscribe", err)
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	subscription, err := h.feed.Subscribe(ctx, topic)
	if err != nil {
		h.writeError(c, "realtime.subscribe", err)
		return
	}
	defer subscription.Unsubscribe()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("realtime upgrade failed", zap.String("topic", topic.String()), zap.Error(err))
		return
	}
	defer conn.Close()

	h.logger.Debug("realtime subscriber connected", zap.String("topic", topic.String()))
	go h.drainRealtimeReads(conn, cancel)

	ticker := time.NewTicker(realtimePingPeriod)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-subscription.Events():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "subscription closed"),
					time.Now().Add(realtimeWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(realtimeWriteWait))
			if err := conn.WriteJSON(event); err != nil {
				h.logger.Debug("realtime write failed", zap.String("topic", topic.String()), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(realtimeWriteWait)); err != nil {
				return
			}
		case <-ctx.Done():
			h.logger.Debug("realtime subscriber disconnected", zap.String("topic", topic.String()))
			return
		}
	}
}

// drainRealtimeReads services control frames and cancels the stream once the
// peer goes away. Client data frames are ignored.
func (h *httpHandler) drainRealtimeReads(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(realtimeReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(realtimePongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(realtimePongWait))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}
