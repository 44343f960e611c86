package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aescanero/flowengine/internal/application/agent"
	"github.com/aescanero/flowengine/internal/application/credits"
	"github.com/aescanero/flowengine/internal/application/lifecycle"
	"github.com/aescanero/flowengine/internal/application/orchestrator"
	"github.com/aescanero/flowengine/internal/application/scheduler"
	"github.com/aescanero/flowengine/internal/application/timeout"
	creditmemory "github.com/aescanero/flowengine/pkg/adapters/credits/memory"
	eventmemory "github.com/aescanero/flowengine/pkg/adapters/events/memory"
	"github.com/aescanero/flowengine/pkg/adapters/metrics/prometheus"
	"github.com/aescanero/flowengine/pkg/adapters/nodes"
	storememory "github.com/aescanero/flowengine/pkg/adapters/storage/memory"
	"github.com/aescanero/flowengine/pkg/adapters/tools"
	"github.com/aescanero/flowengine/pkg/domain"
	"github.com/aescanero/flowengine/pkg/ports"
	"github.com/gin-gonic/gin"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type echoLLM struct{}

func (echoLLM) CallLLM(ctx context.Context, req *ports.LLMRequest) (*ports.LLMResponse, error) {
	last := req.Messages[len(req.Messages)-1]
	return &ports.LLMResponse{
		Content:    "echo: " + last.Content,
		IsComplete: true,
		Usage:      domain.TokenUsage{InputTokens: 10, OutputTokens: 10},
		Model:      req.Model,
	}, nil
}

type testServer struct {
	*Server
	gate   chan struct{}
	ledger *creditmemory.Ledger
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	logger := zap.NewNop()
	reg := promclient.NewRegistry()
	metrics := prometheus.NewCollector(reg)

	ledger := creditmemory.NewLedger(logger)
	require.NoError(t, ledger.Grant(ctx, "ws", domain.CreditSourceSubscription, 100))
	creditService := credits.NewService(ledger, credits.DefaultPricing(), false, metrics, logger)

	bus := eventmemory.NewEventBus(0, metrics, logger)
	t.Cleanup(func() { _ = bus.Close() })
	emitter := lifecycle.NewEmitter(bus, logger)
	guard := timeout.NewGuard(timeout.Config{}, metrics, logger)
	store := storememory.NewStore()

	gate := make(chan struct{})
	registry := nodes.NewRegistry(logger)
	passthrough := nodes.HandlerFunc(func(ctx context.Context, req ports.NodeRequest) (*ports.NodeResult, error) {
		return &ports.NodeResult{Output: req.Context[scheduler.InputsKey], Success: true}, nil
	})
	registry.Register(domain.NodeTypeInput, passthrough)
	registry.Register(domain.NodeTypeTransform, nodes.HandlerFunc(func(ctx context.Context, req ports.NodeRequest) (*ports.NodeResult, error) {
		if req.Config["wait"] == true {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return &ports.NodeResult{Output: "transformed", Success: true}, nil
	}))
	registry.Register(domain.NodeTypeOutput, nodes.HandlerFunc(func(ctx context.Context, req ports.NodeRequest) (*ports.NodeResult, error) {
		return &ports.NodeResult{Output: req.Context["work"], Success: true}, nil
	}))

	sched := scheduler.New(registry, creditService, guard, emitter, metrics, logger, scheduler.WithCheckpoints(store))
	agents := agent.New(echoLLM{}, tools.NewRegistry(logger), creditService, guard, emitter, metrics, logger,
		agent.WithThreadStore(store))
	manager := orchestrator.NewManager(sched, agents, store, metrics,
		orchestrator.NewValidator(registry.Types()...), logger, 0)
	t.Cleanup(func() {
		close(gate)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
	})

	srv := NewServer(&Config{
		Manager:  manager,
		EventBus: bus,
		Ledger:   ledger,
		Threads:  store,
		Gatherer: reg,
		Logger:   logger,
	})
	return &testServer{Server: srv, gate: gate, ledger: ledger}
}

func workflowBody(wait bool) map[string]interface{} {
	return map[string]interface{}{
		"workspaceId": "ws",
		"inputs":      map[string]interface{}{"q": "hello"},
		"workflow": map[string]interface{}{
			"name":       "test",
			"entryPoint": "input",
			"nodes": map[string]interface{}{
				"input":  map[string]interface{}{"type": "input"},
				"work":   map[string]interface{}{"type": "transform", "config": map[string]interface{}{"wait": wait}},
				"output": map[string]interface{}{"type": "output"},
			},
			"edges": []interface{}{
				map[string]interface{}{"source": "input", "target": "work"},
				map[string]interface{}{"source": "work", "target": "output"},
			},
		},
	}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func (s *testServer) submit(t *testing.T, body interface{}) SubmitResponse {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/v1/workflows/execute", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func (s *testServer) waitStatus(t *testing.T, id string, want domain.ExecutionStatus) *domain.ExecutionRecord {
	t.Helper()
	var record domain.ExecutionRecord
	require.Eventually(t, func() bool {
		rec := s.do(t, http.MethodGet, "/api/v1/executions/"+id, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		record = domain.ExecutionRecord{}
		_ = json.Unmarshal(rec.Body.Bytes(), &record)
		return record.Status == want
	}, 2*time.Second, 10*time.Millisecond)
	return &record
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)
}

func TestMetrics(t *testing.T) {
	s := newTestServer(t)
	resp := s.submit(t, workflowBody(false))
	s.waitStatus(t, resp.ExecutionID, domain.ExecutionStatusCompleted)

	rec := s.do(t, http.MethodGet, "/metrics", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "flowengine_executions_started_total")
}

func TestExecuteWorkflow(t *testing.T) {
	s := newTestServer(t)

	resp := s.submit(t, workflowBody(false))
	assert.NotEmpty(t, resp.ExecutionID)
	assert.Equal(t, "pending", resp.Status)

	record := s.waitStatus(t, resp.ExecutionID, domain.ExecutionStatusCompleted)
	require.NotNil(t, record.Result)
	assert.Equal(t, "transformed", record.Result.Output)

	rec := s.do(t, http.MethodGet, "/api/v1/executions?workspaceId=ws", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), resp.ExecutionID)
}

func TestExecuteWorkflowErrors(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/workflows/execute", map[string]interface{}{"inputs": map[string]interface{}{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body := workflowBody(false)
	body["workflow"].(map[string]interface{})["entryPoint"] = "ghost"
	rec = s.do(t, http.MethodPost, "/api/v1/workflows/execute", body)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_DEFINITION")

	body = workflowBody(false)
	body["workflow"].(map[string]interface{})["nodes"].(map[string]interface{})["work"] = map[string]interface{}{"type": "audio"}
	rec = s.do(t, http.MethodPost, "/api/v1/workflows/execute", body)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestGetExecutionNotFound(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/v1/executions/missing", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "NOT_FOUND")
}

func TestCancelExecution(t *testing.T) {
	s := newTestServer(t)
	resp := s.submit(t, workflowBody(true))
	s.waitStatus(t, resp.ExecutionID, domain.ExecutionStatusRunning)

	rec := s.do(t, http.MethodPost, "/api/v1/executions/"+resp.ExecutionID+"/cancel", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	s.waitStatus(t, resp.ExecutionID, domain.ExecutionStatusCancelled)

	rec = s.do(t, http.MethodPost, "/api/v1/executions/"+resp.ExecutionID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/executions/"+resp.ExecutionID+"/resume", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "NOT_RESUMABLE")
}

func TestExecutionStream(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	resp := s.submit(t, workflowBody(true))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/executions/"+resp.ExecutionID+"/stream", nil)
	require.NoError(t, err)
	stream, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer stream.Body.Close()
	assert.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(stream.Body)
	var names []string
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "event:") {
			continue
		}
		name := strings.TrimPrefix(line, "event:")
		names = append(names, name)
		if name == string(domain.EventTypeConnected) {
			s.gate <- struct{}{}
		}
	}

	require.NotEmpty(t, names)
	assert.Equal(t, string(domain.EventTypeConnected), names[0])
	assert.Equal(t, string(domain.EventTypeExecutionCompleted), names[len(names)-1])
	assert.Contains(t, names, string(domain.EventTypeNodeCompleted))
}

func TestExecutionStreamSendsNodeEventsBeforeTerminal(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	for i := 0; i < 20; i++ {
		resp := s.submit(t, workflowBody(true))

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/executions/"+resp.ExecutionID+"/stream", nil)
		require.NoError(t, err)
		stream, err := http.DefaultClient.Do(req)
		require.NoError(t, err)

		var names []string
		scanner := bufio.NewScanner(stream.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "event:") {
				continue
			}
			name := strings.TrimPrefix(line, "event:")
			names = append(names, name)
			if name == string(domain.EventTypeConnected) {
				s.gate <- struct{}{}
			}
		}
		_ = stream.Body.Close()
		cancel()

		// "work" is held until the client is connected, so its completion and
		// both events of "output" must reach the client ahead of the end.
		require.NotEmpty(t, names, "run %d", i)
		terminal := len(names) - 1
		assert.Equal(t, string(domain.EventTypeExecutionCompleted), names[terminal], "run %d: %v", i, names)
		counts := map[string]int{}
		for j, name := range names {
			if strings.HasPrefix(name, "node:") {
				assert.Less(t, j, terminal)
			}
			counts[name]++
		}
		started := counts[string(domain.EventTypeNodeStarted)]
		completed := counts[string(domain.EventTypeNodeCompleted)]
		assert.GreaterOrEqual(t, started, 1, "run %d: %v", i, names)
		assert.GreaterOrEqual(t, completed, 2, "run %d: %v", i, names)
		assert.GreaterOrEqual(t, completed, started, "run %d: %v", i, names)
		assert.Equal(t, 1, counts[string(domain.EventTypeExecutionCompleted)], "run %d: %v", i, names)
	}
}

func TestRunAgentAndThreadMessages(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/agents/run", map[string]interface{}{
		"workspaceId": "ws",
		"message":     "hi",
		"agent":       map[string]interface{}{"id": "a1", "model": "m", "maxTokens": 100, "maxIterations": 1},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ThreadID)

	record := s.waitStatus(t, resp.ExecutionID, domain.ExecutionStatusCompleted)
	require.NotNil(t, record.AgentResult)
	assert.Equal(t, "echo: hi", record.AgentResult.FinalMessage.Content)

	rec = s.do(t, http.MethodGet, "/api/v1/threads/"+resp.ThreadID+"/messages", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "echo: hi")

	rec = s.do(t, http.MethodGet, "/api/v1/threads/unknown/messages", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWorkspaceCredits(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/v1/workspaces/ws/credits", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Data  domain.CreditBalance `json:"data"`
		Total int64                `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(100), body.Data.Available)
	assert.Equal(t, int64(100), body.Total)
}

func TestWorkersNotConfigured(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/v1/workers", nil)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
