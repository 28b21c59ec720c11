package repos

import (
	"errors"
	"time"

	"gorm.io/gorm"

	types "github.com/noetl/noetl/internal/domain"
	"github.com/noetl/noetl/internal/pkg/dbctx"
	"github.com/noetl/noetl/internal/pkg/logger"
)

var ErrExecutionNotFound = errors.New("execution not found")

type ExecutionRepo interface {
	Create(dbc dbctx.Context, execution *types.Execution) (*types.Execution, error)
	GetByID(dbc dbctx.Context, executionID int64) (*types.Execution, error)
	// SetTerminalStatus writes the derived status exactly once; a second
	// terminal transition is a no-op so concurrent evaluations stay
	// idempotent.
	SetTerminalStatus(dbc dbctx.Context, executionID int64, status string) (bool, error)
}

type executionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewExecutionRepo(db *gorm.DB, baseLog *logger.Logger) ExecutionRepo {
	return &executionRepo{
		db:  db,
		log: baseLog.With("repo", "ExecutionRepo"),
	}
}

func (r *executionRepo) Create(dbc dbctx.Context, execution *types.Execution) (*types.Execution, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if execution.Status == "" {
		execution.Status = types.ExecutionRunning
	}
	if execution.StartedAt.IsZero() {
		execution.StartedAt = time.Now()
	}
	if err := transaction.WithContext(dbc.Ctx).Create(execution).Error; err != nil {
		return nil, err
	}
	return execution, nil
}

func (r *executionRepo) GetByID(dbc dbctx.Context, executionID int64) (*types.Execution, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var execution types.Execution
	err := transaction.WithContext(dbc.Ctx).
		Where("execution_id = ?", executionID).
		First(&execution).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &execution, nil
}

func (r *executionRepo) SetTerminalStatus(dbc dbctx.Context, executionID int64, status string) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now()
	res := transaction.WithContext(dbc.Ctx).
		Model(&types.Execution{}).
		Where("execution_id = ? AND status = ?", executionID, types.ExecutionRunning).
		Updates(map[string]interface{}{
			"status":       status,
			"completed_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
