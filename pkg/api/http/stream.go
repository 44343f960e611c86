package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aescanero/flowengine/pkg/domain"
	"github.com/aescanero/flowengine/pkg/ports"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const streamBuffer = 64

// handleExecutionStream streams the events of one execution as SSE. The
// stream ends after the run's terminal event.
func (s *Server) handleExecutionStream(c *gin.Context) {
	executionID := c.Param("id")

	record, err := s.manager.GetExecution(c.Request.Context(), executionID)
	if err != nil {
		s.respondManagerError(c, err)
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	events := make(chan domain.Event, streamBuffer)
	channel := domain.ExecutionChannel(executionID)
	if _, err := s.bus.Subscribe(ctx, channel, s.forward(events)); err != nil {
		s.logger.Error("failed to subscribe to events", zap.String("channel", channel), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "SUBSCRIBE_FAILED", err)
		return
	}

	// A run that ended before the client connected has nothing to stream.
	current, err := s.manager.GetExecution(ctx, executionID)
	if err == nil {
		record = current
	}
	s.serveSSE(ctx, c, events, gin.H{
		"executionId": executionID,
		"status":      record.Status,
	}, record.Status.IsTerminal())
}

// handleThreadStream streams the events of one agent thread as SSE until the
// client disconnects.
func (s *Server) handleThreadStream(c *gin.Context) {
	threadID := c.Param("id")

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	events := make(chan domain.Event, streamBuffer)
	if _, err := s.bus.SubscribeToThread(ctx, threadID, s.forward(events)); err != nil {
		respondError(c, http.StatusInternalServerError, "SUBSCRIBE_FAILED", err)
		return
	}

	s.serveSSE(ctx, c, events, gin.H{"threadId": threadID}, false)
}

// forward returns a bus handler that hands events to the stream writer. It
// waits for the writer rather than dropping, so a slow client backs up into
// its own bus queue and never loses the terminal event; the wait ends when
// the stream closes.
func (s *Server) forward(events chan<- domain.Event) ports.EventHandler {
	return func(ctx context.Context, e domain.Event) error {
		select {
		case events <- e:
		case <-ctx.Done():
		}
		return nil
	}
}

func (s *Server) serveSSE(ctx context.Context, c *gin.Context, events <-chan domain.Event, hello gin.H, done bool) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	c.SSEvent(string(domain.EventTypeConnected), hello)
	c.Writer.Flush()
	if done {
		return
	}

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(c.Writer, ": keep-alive\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		case e := <-events:
			c.SSEvent(string(e.Type), e)
			c.Writer.Flush()
			if e.IsTerminal() {
				return
			}
		}
	}
}
