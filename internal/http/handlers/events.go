package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	types "github.com/noetl/noetl/internal/domain"
	"github.com/noetl/noetl/internal/event"
	"github.com/noetl/noetl/internal/http/response"
	"github.com/noetl/noetl/internal/pkg/dbctx"
)

// EventHandler accepts worker-emitted events. The type set is closed; the
// log rejects anything unknown.
type EventHandler struct {
	events *event.Log
}

func NewEventHandler(events *event.Log) *EventHandler {
	return &EventHandler{events: events}
}

// POST /api/events
// Accepts {events: [...]} for a transactional batch append, or a bare event
// as a single-emit convenience. Batch ids come back in submission order.
func (h *EventHandler) Emit(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_event", err)
		return
	}
	var batch struct {
		Events []*types.Event `json:"events"`
	}
	if err := json.Unmarshal(raw, &batch); err == nil && len(batch.Events) > 0 {
		for _, ev := range batch.Events {
			if ev != nil {
				ev.EventID = 0
			}
		}
		ids, err := h.events.AppendAll(dbctx.Context{Ctx: c.Request.Context()}, batch.Events)
		if err != nil {
			response.RespondServiceError(c, err)
			return
		}
		response.RespondOK(c, gin.H{"event_ids": ids})
		return
	}
	var ev types.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_event", err)
		return
	}
	ev.EventID = 0
	id, err := h.events.Append(dbctx.Context{Ctx: c.Request.Context()}, &ev)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"event_id": id})
}
