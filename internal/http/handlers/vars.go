package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noetl/noetl/internal/http/response"
	"github.com/noetl/noetl/internal/pkg/dbctx"
	"github.com/noetl/noetl/internal/transient"
)

type VarsHandler struct {
	vars *transient.Service
}

func NewVarsHandler(vars *transient.Service) *VarsHandler {
	return &VarsHandler{vars: vars}
}

type setVarsRequest struct {
	Variables  map[string]any `json:"variables" binding:"required"`
	VarType    string         `json:"var_type"`
	SourceStep string         `json:"source_step"`
}

// POST /api/executions/:id/vars
func (h *VarsHandler) Set(c *gin.Context) {
	id, ok := executionID(c)
	if !ok {
		return
	}
	var req setVarsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	names, err := h.vars.SetAll(dbctx.Context{Ctx: c.Request.Context()}, id, req.Variables, req.VarType, req.SourceStep)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"variables_set": names})
}

// GET /api/executions/:id/vars
func (h *VarsHandler) List(c *gin.Context) {
	id, ok := executionID(c)
	if !ok {
		return
	}
	rows, err := h.vars.List(dbctx.Context{Ctx: c.Request.Context()}, id)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"vars": rows})
}

// GET /api/executions/:id/vars/:name
func (h *VarsHandler) Get(c *gin.Context) {
	id, ok := executionID(c)
	if !ok {
		return
	}
	row, err := h.vars.Get(dbctx.Context{Ctx: c.Request.Context()}, id, c.Param("name"))
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"var": row})
}
