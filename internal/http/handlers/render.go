package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noetl/noetl/internal/http/response"
	"github.com/noetl/noetl/internal/pkg/dbctx"
	"github.com/noetl/noetl/internal/render"
)

// RenderHandler is the stateless render endpoint workers call before
// executing a leased job.
type RenderHandler struct {
	render *render.Service
}

func NewRenderHandler(rnd *render.Service) *RenderHandler {
	return &RenderHandler{render: rnd}
}

type renderRequest struct {
	ExecutionID int64           `json:"execution_id" binding:"required"`
	NodeID      string          `json:"node_id" binding:"required"`
	RawSpec     json.RawMessage `json:"raw_spec" binding:"required"`
	Extra       map[string]any  `json:"extra"`
}

// POST /api/context/render
func (h *RenderHandler) Render(c *gin.Context) {
	var req renderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	ctx := c.Request.Context()
	spec, inputContext, err := h.render.RenderForNode(ctx, dbctx.Context{Ctx: ctx}, req.ExecutionID, req.NodeID, req.RawSpec, req.Extra)
	if err != nil {
		response.RespondError(c, http.StatusUnprocessableEntity, "render_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"rendered_spec": spec, "input_context": inputContext})
}
