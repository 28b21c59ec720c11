package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noetl/noetl/internal/http/response"
	"github.com/noetl/noetl/internal/pkg/dbctx"
	"github.com/noetl/noetl/internal/queue"
)

// QueueHandler is the worker-facing surface: lease, heartbeat and the two
// terminal acks.
type QueueHandler struct {
	queue *queue.Service
}

func NewQueueHandler(q *queue.Service) *QueueHandler {
	return &QueueHandler{queue: q}
}

type enqueueRequest struct {
	ExecutionID  int64           `json:"execution_id" binding:"required"`
	NodeID       string          `json:"node_id" binding:"required"`
	Action       json.RawMessage `json:"action" binding:"required"`
	InputContext json.RawMessage `json:"input_context"`
	ParentJobID  *int64          `json:"parent_job_id"`
}

// POST /api/queue/enqueue
// Idempotent per (execution_id, node_id): an active job short-circuits to
// its id.
func (h *QueueHandler) Enqueue(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	jobID, err := h.queue.Enqueue(dbctx.Context{Ctx: c.Request.Context()}, req.ExecutionID, req.NodeID, req.Action, req.InputContext, req.ParentJobID)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"job_id": jobID})
}

type leaseRequest struct {
	WorkerID string `json:"worker_id" binding:"required"`
	MaxJobs  int    `json:"max_jobs"`
	LeaseMS  int64  `json:"lease_ms"`
}

// POST /api/queue/lease
func (h *QueueHandler) Lease(c *gin.Context) {
	var req leaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if req.MaxJobs <= 0 {
		req.MaxJobs = 1
	}
	jobs, err := h.queue.Lease(dbctx.Context{Ctx: c.Request.Context()}, req.WorkerID, req.MaxJobs, time.Duration(req.LeaseMS)*time.Millisecond)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"jobs": jobs})
}

type ackRequest struct {
	WorkerID string `json:"worker_id" binding:"required"`
	Error    string `json:"error"`
	LeaseMS  int64  `json:"lease_ms"`
}

// POST /api/queue/:id/complete
func (h *QueueHandler) Complete(c *gin.Context) {
	jobID, req, ok := h.ackArgs(c)
	if !ok {
		return
	}
	if err := h.queue.Complete(dbctx.Context{Ctx: c.Request.Context()}, jobID, req.WorkerID); err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"job_id": jobID, "status": "done"})
}

// POST /api/queue/:id/fail
func (h *QueueHandler) Fail(c *gin.Context) {
	jobID, req, ok := h.ackArgs(c)
	if !ok {
		return
	}
	if req.Error == "" {
		response.RespondError(c, http.StatusBadRequest, "missing_error", fmt.Errorf("error message required"))
		return
	}
	if err := h.queue.Fail(dbctx.Context{Ctx: c.Request.Context()}, jobID, req.WorkerID, req.Error); err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"job_id": jobID, "status": "failed"})
}

// POST /api/queue/:id/extend
func (h *QueueHandler) Extend(c *gin.Context) {
	jobID, req, ok := h.ackArgs(c)
	if !ok {
		return
	}
	err := h.queue.Extend(dbctx.Context{Ctx: c.Request.Context()}, jobID, req.WorkerID, time.Duration(req.LeaseMS)*time.Millisecond)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"job_id": jobID, "extended": true})
}

// GET /api/queue/:id
func (h *QueueHandler) GetJob(c *gin.Context) {
	jobID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	job, err := h.queue.GetJob(dbctx.Context{Ctx: c.Request.Context()}, jobID)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"job": job})
}

func (h *QueueHandler) ackArgs(c *gin.Context) (int64, *ackRequest, bool) {
	jobID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return 0, nil, false
	}
	var req ackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return 0, nil, false
	}
	return jobID, &req, true
}
