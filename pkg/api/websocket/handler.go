package websocket

import (
	"context"
	"net/http"
	"time"

	"github.com/aescanero/flowengine/pkg/domain"
	"github.com/aescanero/flowengine/pkg/ports"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	eventBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler handles WebSocket connections
type Handler struct {
	eventBus ports.EventBus
	logger   *zap.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(eventBus ports.EventBus, logger *zap.Logger) *Handler {
	return &Handler{
		eventBus: eventBus,
		logger:   logger,
	}
}

// HandleExecutionStream handles WebSocket streaming for a specific execution
func (h *Handler) HandleExecutionStream(c *gin.Context) {
	executionID := c.Param("id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	h.logger.Info("WebSocket connection established",
		zap.String("execution_id", executionID),
		zap.String("client", c.ClientIP()))

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	eventChan := make(chan domain.Event, eventBuffer)
	if err := h.subscribeToEvents(ctx, executionID, eventChan); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"),
			time.Now().Add(writeWait))
		return
	}

	// The read pump only services control frames and notices disconnects.
	go func() {
		defer cancel()
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

	hello := domain.NewEvent(domain.EventTypeConnected, executionID, nil)
	if err := h.write(conn, hello); err != nil {
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case event := <-eventChan:
			if err := h.write(conn, event); err != nil {
				h.logger.Info("failed to write message", zap.String("execution_id", executionID), zap.Error(err))
				return
			}
			if event.IsTerminal() {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(event.Type)),
					time.Now().Add(writeWait))
				return
			}
		}
	}
}

func (h *Handler) write(conn *websocket.Conn, event domain.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(event)
}

// subscribeToEvents subscribes to the execution's own channel, which carries
// its events in publish order. The handler waits for the writer instead of
// dropping; the subscription ends with ctx.
func (h *Handler) subscribeToEvents(ctx context.Context, executionID string, ch chan<- domain.Event) error {
	channel := domain.ExecutionChannel(executionID)
	_, err := h.eventBus.Subscribe(ctx, channel, func(ctx context.Context, event domain.Event) error {
		select {
		case ch <- event:
		case <-ctx.Done():
		}
		return nil
	})
	if err != nil {
		h.logger.Error("failed to subscribe to events",
			zap.String("channel", channel),
			zap.Error(err))
	}
	return err
}
