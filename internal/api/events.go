package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/lalith-99/insightops/internal/events"
	"github.com/lalith-99/insightops/internal/middleware"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxClientFrame = 4 << 10
)

// EventsHandler streams a workspace's processing events over a websocket.
type EventsHandler struct {
	bus      events.Bus
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewEventsHandler accepts upgrades from any origin when allowedOrigins is
// empty.
func NewEventsHandler(bus events.Bus, allowedOrigins []string, logger *zap.Logger) *EventsHandler {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}
	return &EventsHandler{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(origins) == 0 || origin == "" || origins[origin]
			},
		},
		logger: logger.Named("api.events"),
	}
}

// Stream handles GET /v1/events.
func (h *EventsHandler) Stream(c *gin.Context) {
	workspaceID := middleware.GetWorkspaceID(c)

	// Subscribe before upgrading so a broken bus is still a plain HTTP error.
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	sub, stop, err := h.bus.Subscribe(ctx, workspaceID)
	if err != nil {
		respondError(c, h.logger, "failed to subscribe to events", err)
		return
	}
	defer stop()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	log := h.logger.With(zap.String("workspace_id", workspaceID.String()))
	log.Debug("event stream opened")

	go h.readPump(conn, cancel)
	h.writePump(ctx, conn, sub, log)
	log.Debug("event stream closed")
}

// readPump discards client frames and ends the stream when the peer goes
// away or stops answering pings.
func (h *EventsHandler) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(maxClientFrame)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("unexpected websocket close", zap.Error(err))
			}
			return
		}
	}
}

func (h *EventsHandler) writePump(ctx context.Context, conn *websocket.Conn, sub <-chan events.Event, log *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				log.Debug("write event failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
