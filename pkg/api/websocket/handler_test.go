package websocket

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	eventmemory "github.com/aescanero/flowengine/pkg/adapters/events/memory"
	"github.com/aescanero/flowengine/pkg/adapters/metrics/prometheus"
	"github.com/aescanero/flowengine/pkg/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newStreamServer(t *testing.T, bufferSize int) (*eventmemory.EventBus, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()
	bus := eventmemory.NewEventBus(bufferSize, prometheus.NewCollector(promclient.NewRegistry()), logger)

	router := gin.New()
	router.GET("/ws/:id", NewHandler(bus, logger).HandleExecutionStream)
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		_ = bus.Close()
	})
	return bus, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/"
}

func TestHandleExecutionStream(t *testing.T) {
	bus, base := newStreamServer(t, 0)

	conn, _, err := websocket.DefaultDialer.Dial(base+"exec-1", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var hello domain.Event
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, domain.EventTypeConnected, hello.Type)
	assert.Equal(t, "exec-1", hello.ExecutionID)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, domain.ExecutionChannel("other"),
		domain.NewEvent(domain.EventTypeNodeStarted, "other", nil)))
	require.NoError(t, bus.Publish(ctx, domain.ExecutionChannel("exec-1"),
		domain.NewEvent(domain.EventTypeNodeStarted, "exec-1", map[string]interface{}{"nodeId": "a"})))

	var started domain.Event
	require.NoError(t, conn.ReadJSON(&started))
	assert.Equal(t, domain.EventTypeNodeStarted, started.Type)
	assert.Equal(t, "exec-1", started.ExecutionID)

	require.NoError(t, bus.Publish(ctx, domain.ExecutionChannel("exec-1"),
		domain.NewEvent(domain.EventTypeExecutionCompleted, "exec-1", nil)))

	var completed domain.Event
	require.NoError(t, conn.ReadJSON(&completed))
	assert.Equal(t, domain.EventTypeExecutionCompleted, completed.Type)

	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestHandleExecutionStreamKeepsOrderForSlowReader(t *testing.T) {
	bus, base := newStreamServer(t, 8)

	conn, _, err := websocket.DefaultDialer.Dial(base+"exec-2", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var hello domain.Event
	require.NoError(t, conn.ReadJSON(&hello))

	// Twice the handler buffer plus the bus queue, published before the
	// client reads anything.
	const nodes = 100
	ctx := context.Background()
	channel := domain.ExecutionChannel("exec-2")
	go func() {
		for i := 0; i < nodes; i++ {
			_ = bus.Publish(ctx, channel, domain.NewEvent(domain.EventTypeNodeCompleted, "exec-2",
				map[string]interface{}{"seq": i}))
		}
		_ = bus.Publish(ctx, channel, domain.NewEvent(domain.EventTypeExecutionCompleted, "exec-2", nil))
	}()

	var events []domain.Event
	for {
		var e domain.Event
		require.NoError(t, conn.ReadJSON(&e))
		events = append(events, e)
		if e.IsTerminal() {
			break
		}
	}

	require.NotEmpty(t, events)
	assert.Equal(t, domain.EventTypeExecutionCompleted, events[len(events)-1].Type)
	last := -1
	for _, e := range events[:len(events)-1] {
		assert.Equal(t, domain.EventTypeNodeCompleted, e.Type)
		seq := int(e.Data["seq"].(float64))
		assert.Greater(t, seq, last)
		last = seq
	}
}
