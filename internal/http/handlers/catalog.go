package handlers

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noetl/noetl/internal/catalog"
	"github.com/noetl/noetl/internal/http/response"
	"github.com/noetl/noetl/internal/pkg/dbctx"
)

type CatalogHandler struct {
	catalog *catalog.Service
}

func NewCatalogHandler(cat *catalog.Service) *CatalogHandler {
	return &CatalogHandler{catalog: cat}
}

// POST /api/catalog/register
// Body is the playbook YAML itself.
func (h *CatalogHandler) Register(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	if len(body) == 0 {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", fmt.Errorf("empty playbook"))
		return
	}
	row, err := h.catalog.Register(dbctx.Context{Ctx: c.Request.Context()}, body)
	if err != nil {
		response.RespondError(c, http.StatusUnprocessableEntity, "playbook_invalid", err)
		return
	}
	response.RespondOK(c, gin.H{
		"catalog_id":   row.CatalogID,
		"path":         row.Path,
		"version":      row.Version,
		"content_hash": row.ContentHash,
	})
}

// GET /api/catalog/playbook?path=...&version=N
// version 0 or absent resolves the latest.
func (h *CatalogHandler) GetPlaybook(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		response.RespondError(c, http.StatusBadRequest, "missing_path", fmt.Errorf("path query parameter required"))
		return
	}
	version := 0
	if v := c.Query("version"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_version", err)
			return
		}
		version = parsed
	}
	row, err := h.catalog.Resolve(dbctx.Context{Ctx: c.Request.Context()}, path, version)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"playbook": row})
}
