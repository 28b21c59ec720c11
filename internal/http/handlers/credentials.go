package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noetl/noetl/internal/http/response"
	"github.com/noetl/noetl/internal/pkg/dbctx"
	"github.com/noetl/noetl/internal/secrets"
)

type CredentialsHandler struct {
	store *secrets.Store
}

func NewCredentialsHandler(store *secrets.Store) *CredentialsHandler {
	return &CredentialsHandler{store: store}
}

type setCredentialRequest struct {
	Name string         `json:"name" binding:"required"`
	Type string         `json:"type"`
	Data map[string]any `json:"data" binding:"required"`
}

// POST /api/credentials
func (h *CredentialsHandler) Set(c *gin.Context) {
	var req setCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if err := h.store.Set(dbctx.Context{Ctx: c.Request.Context()}, req.Name, req.Type, req.Data); err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"name": req.Name})
}

// GET /api/credentials/:name
// Metadata only unless include_data=true; decrypted material is never
// returned by accident.
func (h *CredentialsHandler) Get(c *gin.Context) {
	includeData := c.Query("include_data") == "true"
	cred, err := h.store.Fetch(dbctx.Context{Ctx: c.Request.Context()}, c.Param("name"), includeData)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"credential": cred})
}

// DELETE /api/credentials/:name
func (h *CredentialsHandler) Delete(c *gin.Context) {
	if err := h.store.Delete(dbctx.Context{Ctx: c.Request.Context()}, c.Param("name")); err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"deleted": c.Param("name")})
}
