package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/aescanero/flowengine/internal/application/orchestrator"
	"github.com/aescanero/flowengine/pkg/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ExecuteWorkflowRequest represents a workflow submission request
type ExecuteWorkflowRequest struct {
	Workflow    *domain.WorkflowDefinition `json:"workflow" binding:"required"`
	Inputs      map[string]interface{}     `json:"inputs"`
	WorkspaceID string                     `json:"workspaceId"`
	UserID      string                     `json:"userId"`
}

// RunAgentRequest represents an agent run request
type RunAgentRequest struct {
	Agent       *domain.AgentConfig `json:"agent" binding:"required"`
	Message     string              `json:"message"`
	ThreadID    string              `json:"threadId"`
	History     []domain.Message    `json:"history"`
	WorkspaceID string              `json:"workspaceId"`
	UserID      string              `json:"userId"`
}

// SubmitResponse represents an accepted run
type SubmitResponse struct {
	ExecutionID string `json:"executionId"`
	ThreadID    string `json:"threadId,omitempty"`
	Status      string `json:"status"`
	SubmittedAt string `json:"submittedAt"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details
type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	status := http.StatusOK
	checks := gin.H{"orchestrator": "ok"}

	if s.workers != nil {
		if s.workers.IsHealthy() {
			checks["workers"] = "ok"
		} else {
			checks["workers"] = "unhealthy"
			status = http.StatusServiceUnavailable
		}
	}

	health := "healthy"
	if status != http.StatusOK {
		health = "degraded"
	}
	c.JSON(status, gin.H{
		"status":           health,
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
		"activeExecutions": s.manager.ActiveCount(),
		"checks":           checks,
	})
}

// handleExecuteWorkflow handles workflow submission
func (s *Server) handleExecuteWorkflow(c *gin.Context) {
	var req ExecuteWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.logger.Info("invalid request", zap.Error(err))
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err)
		return
	}

	record, err := s.manager.SubmitWorkflow(c.Request.Context(), orchestrator.WorkflowSubmission{
		WorkspaceID: workspaceID(c, req.WorkspaceID),
		UserID:      req.UserID,
		Definition:  req.Workflow,
		Inputs:      req.Inputs,
	})
	if err != nil {
		s.logger.Info("failed to submit workflow", zap.Error(err))
		s.respondManagerError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, SubmitResponse{
		ExecutionID: record.ID,
		Status:      string(record.Status),
		SubmittedAt: record.SubmittedAt.Format(time.RFC3339),
	})
}

// handleListExecutions handles listing execution records
func (s *Server) handleListExecutions(c *gin.Context) {
	records, err := s.manager.ListExecutions(c.Request.Context())
	if err != nil {
		s.respondManagerError(c, err)
		return
	}

	ws := c.Query("workspaceId")
	filtered := make([]*domain.ExecutionRecord, 0, len(records))
	for _, r := range records {
		if ws == "" || r.WorkspaceID == ws {
			filtered = append(filtered, r)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"executions": filtered,
		"total":      len(filtered),
	})
}

// handleGetExecution handles getting an execution record
func (s *Server) handleGetExecution(c *gin.Context) {
	record, err := s.manager.GetExecution(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondManagerError(c, err)
		return
	}

	c.JSON(http.StatusOK, record)
}

// handleCancelExecution handles execution cancellation
func (s *Server) handleCancelExecution(c *gin.Context) {
	executionID := c.Param("id")

	if err := s.manager.CancelExecution(c.Request.Context(), executionID); err != nil {
		s.respondManagerError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"executionId": executionID,
		"status":      "cancelling",
	})
}

// handleResumeExecution handles resuming a paused workflow
func (s *Server) handleResumeExecution(c *gin.Context) {
	record, err := s.manager.Resume(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondManagerError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, SubmitResponse{
		ExecutionID: record.ID,
		Status:      string(record.Status),
		SubmittedAt: record.SubmittedAt.Format(time.RFC3339),
	})
}

// handleRunAgent handles agent run submission
func (s *Server) handleRunAgent(c *gin.Context) {
	var req RunAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err)
		return
	}

	record, err := s.manager.SubmitAgent(c.Request.Context(), orchestrator.AgentSubmission{
		WorkspaceID: workspaceID(c, req.WorkspaceID),
		UserID:      req.UserID,
		Agent:       req.Agent,
		ThreadID:    req.ThreadID,
		Message:     req.Message,
		History:     req.History,
	})
	if err != nil {
		s.logger.Info("failed to submit agent run", zap.Error(err))
		s.respondManagerError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, SubmitResponse{
		ExecutionID: record.ID,
		ThreadID:    record.ThreadID,
		Status:      string(record.Status),
		SubmittedAt: record.SubmittedAt.Format(time.RFC3339),
	})
}

// handleThreadMessages returns the stored history of a thread
func (s *Server) handleThreadMessages(c *gin.Context) {
	threadID := c.Param("id")

	messages, err := s.threads.LoadThreadHistory(c.Request.Context(), threadID)
	if err != nil {
		s.respondManagerError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"threadId": threadID,
		"messages": messages,
		"total":    len(messages),
	})
}

// handleWorkspaceCredits returns the credit balance of a workspace
func (s *Server) handleWorkspaceCredits(c *gin.Context) {
	balance, err := s.ledger.Balance(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.logger.Error("failed to read balance", zap.String("workspace_id", c.Param("id")), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "LEDGER_ERROR", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":  balance,
		"total": balance.Total(),
	})
}

// handleWorkerStatus reports the dispatch pool
func (s *Server) handleWorkerStatus(c *gin.Context) {
	if s.workers == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: ErrorDetail{
				Code:    "WORKERS_NOT_AVAILABLE",
				Message: "Worker pool is not configured",
			},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": s.workers.GetStatus()})
}

// respondManagerError maps domain and manager errors to HTTP statuses.
func (s *Server) respondManagerError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrExecutionNotFound), errors.Is(err, domain.ErrThreadNotFound):
		respondError(c, http.StatusNotFound, "NOT_FOUND", err)
	case isDefinitionError(err):
		respondError(c, http.StatusUnprocessableEntity, "INVALID_DEFINITION", err)
	case errors.Is(err, orchestrator.ErrAlreadyTerminal):
		respondError(c, http.StatusConflict, "ALREADY_TERMINAL", err)
	case errors.Is(err, orchestrator.ErrNotResumable):
		respondError(c, http.StatusConflict, "NOT_RESUMABLE", err)
	case errors.Is(err, orchestrator.ErrShuttingDown):
		respondError(c, http.StatusServiceUnavailable, "SHUTTING_DOWN", err)
	default:
		s.logger.Error("request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "INTERNAL", err)
	}
}

func isDefinitionError(err error) bool {
	for _, target := range []error{
		domain.ErrInvalidDefinition,
		domain.ErrNodeNotFound,
		domain.ErrEdgeNodeNotFound,
		domain.ErrEntryPoint,
		domain.ErrCycleDetected,
		domain.ErrInvalidLoop,
		domain.ErrNoExecutor,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func respondError(c *gin.Context, status int, code string, err error) {
	c.JSON(status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: err.Error(),
		},
	})
}
