package domain

import (
	"time"

	"gorm.io/datatypes"
)

const (
	VarTypeStepResult  = "step_result"
	VarTypeUserDefined = "user_defined"
	VarTypeSystem      = "system"
)

// TransientVar is a per-execution scratch value outside the event log.
// Visibility is execution-scoped; there are no cross-execution reads.
type TransientVar struct {
	ExecutionID int64          `gorm:"column:execution_id;primaryKey" json:"execution_id"`
	VarName     string         `gorm:"column:var_name;primaryKey" json:"var_name"`
	Value       datatypes.JSON `gorm:"column:value;type:jsonb" json:"value"`
	VarType     string         `gorm:"column:var_type;not null" json:"var_type"`
	SourceStep  string         `gorm:"column:source_step" json:"source_step,omitempty"`
	AccessCount int64          `gorm:"column:access_count;not null;default:0" json:"access_count"`
	CreatedAt   time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null" json:"updated_at"`
}

func (TransientVar) TableName() string { return "transient_var" }
