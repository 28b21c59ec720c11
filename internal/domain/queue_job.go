package domain

import (
	"time"

	"gorm.io/datatypes"
)

const (
	JobPending   = "pending"
	JobLeased    = "leased"
	JobDone      = "done"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// QueueJob is pending work for one step of one execution. ActionSpec is
// stored as raw bytes so embedded code, SQL and commands reach the worker
// exactly as the broker wrote them. A leased row has exactly one
// (worker_id, lease_until) pair; terminal rows keep the last holder for
// audit.
type QueueJob struct {
	JobID        int64          `gorm:"column:job_id;primaryKey;autoIncrement" json:"job_id"`
	ExecutionID  int64          `gorm:"column:execution_id;not null;index:idx_queue_exec_node" json:"execution_id"`
	NodeID       string         `gorm:"column:node_id;not null;index:idx_queue_exec_node" json:"node_id"`
	ActionSpec   []byte         `gorm:"column:action_spec" json:"action"`
	InputContext datatypes.JSON `gorm:"column:input_context;type:jsonb" json:"input_context,omitempty"`
	Status       string         `gorm:"column:status;not null;index" json:"status"`
	Attempts     int            `gorm:"column:attempts;not null;default:0" json:"attempt"`
	LeaseUntil   *time.Time     `gorm:"column:lease_until;index" json:"lease_until,omitempty"`
	WorkerID     string         `gorm:"column:worker_id" json:"worker_id,omitempty"`
	ParentJobID  *int64         `gorm:"column:parent_job_id;index" json:"parent_job_id,omitempty"`
	Error        string         `gorm:"column:error" json:"error,omitempty"`
	CreatedAt    time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"not null" json:"updated_at"`
	DoneAt       *time.Time     `gorm:"column:done_at;index" json:"done_at,omitempty"`
}

func (QueueJob) TableName() string { return "queue_job" }

// Terminal reports whether the job can no longer change state.
func (j *QueueJob) Terminal() bool {
	switch j.Status {
	case JobDone, JobFailed, JobCancelled:
		return true
	}
	return false
}
