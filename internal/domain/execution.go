package domain

import (
	"time"

	"gorm.io/datatypes"
)

const (
	ExecutionRunning   = "running"
	ExecutionCompleted = "completed"
	ExecutionFailed    = "failed"
	ExecutionCancelled = "cancelled"
)

// Execution is one run of a playbook with a specific workload. The status
// column mirrors what the event log implies; the log stays the source of
// truth and the column is only written on terminal events.
type Execution struct {
	ExecutionID int64          `gorm:"column:execution_id;primaryKey;autoIncrement" json:"execution_id"`
	CatalogID   int64          `gorm:"column:catalog_id;not null;index" json:"catalog_id"`
	Workload    datatypes.JSON `gorm:"column:workload;type:jsonb" json:"workload"`
	Status      string         `gorm:"column:status;not null;index" json:"status"`
	StartedAt   time.Time      `gorm:"column:started_at;not null" json:"started_at"`
	CompletedAt *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
}

func (Execution) TableName() string { return "execution" }
