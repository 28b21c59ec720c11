package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noetl/noetl/internal/broker"
	"github.com/noetl/noetl/internal/data/repos"
	"github.com/noetl/noetl/internal/event"
	"github.com/noetl/noetl/internal/http/response"
	"github.com/noetl/noetl/internal/pkg/dbctx"
	"github.com/noetl/noetl/internal/queue"
)

type ExecutionHandler struct {
	broker     *broker.Broker
	executions repos.ExecutionRepo
	events     *event.Log
	queue      *queue.Service
}

func NewExecutionHandler(b *broker.Broker, executions repos.ExecutionRepo, events *event.Log, q *queue.Service) *ExecutionHandler {
	return &ExecutionHandler{broker: b, executions: executions, events: events, queue: q}
}

type startExecutionRequest struct {
	Path     string         `json:"path" binding:"required"`
	Version  int            `json:"version"`
	Workload map[string]any `json:"workload"`
}

// POST /api/executions
func (h *ExecutionHandler) Start(c *gin.Context) {
	var req startExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	execution, err := h.broker.Start(c.Request.Context(), req.Path, req.Version, req.Workload)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"execution": execution})
}

// GET /api/executions/:id
func (h *ExecutionHandler) Get(c *gin.Context) {
	id, ok := executionID(c)
	if !ok {
		return
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	execution, err := h.executions.GetByID(dbc, id)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	active, err := h.queue.CountActive(dbc, id)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"execution": execution, "active_jobs": active})
}

// POST /api/executions/:id/cancel
func (h *ExecutionHandler) Cancel(c *gin.Context) {
	id, ok := executionID(c)
	if !ok {
		return
	}
	if err := h.broker.CancelExecution(c.Request.Context(), id); err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"execution_id": id, "cancelled": true})
}

// POST /api/executions/:id/evaluate
// Manual trigger; the evaluation is idempotent, so this is always safe.
func (h *ExecutionHandler) Evaluate(c *gin.Context) {
	id, ok := executionID(c)
	if !ok {
		return
	}
	if err := h.broker.Evaluate(c.Request.Context(), id); err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"execution_id": id, "evaluated": true})
}

// GET /api/executions/:id/events?since_id=N&type=step_result&type=...
func (h *ExecutionHandler) ListEvents(c *gin.Context) {
	id, ok := executionID(c)
	if !ok {
		return
	}
	var sinceID int64
	if v := c.Query("since_id"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_since_id", err)
			return
		}
		sinceID = parsed
	}
	events, err := h.events.Read(dbctx.Context{Ctx: c.Request.Context()}, id, sinceID, c.QueryArray("type"))
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"events": events})
}

// GET /api/executions/:id/queue
func (h *ExecutionHandler) ListJobs(c *gin.Context) {
	id, ok := executionID(c)
	if !ok {
		return
	}
	jobs, err := h.queue.ListByExecution(dbctx.Context{Ctx: c.Request.Context()}, id)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"jobs": jobs})
}

func executionID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_execution_id", err)
		return 0, false
	}
	return id, true
}
