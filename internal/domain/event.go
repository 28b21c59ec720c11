package domain

import (
	"time"

	"gorm.io/datatypes"
)

// Event is a single append-only record of an execution's progression.
// EventID is assigned by the store's serial id assigner; ordering within an
// execution is EventID ascending. Rows are never updated or deleted.
type Event struct {
	EventID       int64          `gorm:"column:event_id;primaryKey;autoIncrement" json:"event_id"`
	ExecutionID   int64          `gorm:"column:execution_id;not null;index" json:"execution_id"`
	ParentEventID *int64         `gorm:"column:parent_event_id" json:"parent_event_id,omitempty"`
	EventType     string         `gorm:"column:event_type;not null;index" json:"event_type"`
	NodeID        string         `gorm:"column:node_id;index" json:"node_id,omitempty"`
	NodeName      string         `gorm:"column:node_name" json:"node_name,omitempty"`
	Status        string         `gorm:"column:status" json:"status,omitempty"`
	InputContext  datatypes.JSON `gorm:"column:input_context;type:jsonb" json:"input_context,omitempty"`
	Result        datatypes.JSON `gorm:"column:result;type:jsonb" json:"result,omitempty"`
	Error         string         `gorm:"column:error" json:"error,omitempty"`
	DurationMS    *int64         `gorm:"column:duration_ms" json:"duration_ms,omitempty"`
	LoopMeta      datatypes.JSON `gorm:"column:loop_meta;type:jsonb" json:"loop_meta,omitempty"`
	CreatedAt     time.Time      `gorm:"not null;index" json:"created_at"`
}

func (Event) TableName() string { return "event" }
