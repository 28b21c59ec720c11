package repos

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/noetl/noetl/internal/domain"
	"github.com/noetl/noetl/internal/pkg/dbctx"
	"github.com/noetl/noetl/internal/pkg/logger"
)

var ErrVarNotFound = errors.New("transient variable not found")

// TransientVarRepo is the per-execution scratchpad. Reads bump access_count
// atomically before returning the row; writes bump updated_at.
type TransientVarRepo interface {
	Upsert(dbc dbctx.Context, v *types.TransientVar) (*types.TransientVar, error)
	Get(dbc dbctx.Context, executionID int64, varName string) (*types.TransientVar, error)
	ListByExecution(dbc dbctx.Context, executionID int64) ([]*types.TransientVar, error)
}

type transientVarRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTransientVarRepo(db *gorm.DB, baseLog *logger.Logger) TransientVarRepo {
	return &transientVarRepo{
		db:  db,
		log: baseLog.With("repo", "TransientVarRepo"),
	}
}

func (r *transientVarRepo) Upsert(dbc dbctx.Context, v *types.TransientVar) (*types.TransientVar, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now()
	v.UpdatedAt = now
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	err := transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "execution_id"}, {Name: "var_name"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"value", "var_type", "source_step", "updated_at",
			}),
		}).
		Create(v).Error
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (r *transientVarRepo) Get(dbc dbctx.Context, executionID int64, varName string) (*types.TransientVar, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	// UpdateColumn so the read leaves updated_at alone; only writes move it
	res := transaction.WithContext(dbc.Ctx).
		Model(&types.TransientVar{}).
		Where("execution_id = ? AND var_name = ?", executionID, varName).
		UpdateColumn("access_count", gorm.Expr("access_count + 1"))
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrVarNotFound
	}
	var v types.TransientVar
	if err := transaction.WithContext(dbc.Ctx).
		Where("execution_id = ? AND var_name = ?", executionID, varName).
		First(&v).Error; err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *transientVarRepo) ListByExecution(dbc dbctx.Context, executionID int64) ([]*types.TransientVar, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.TransientVar
	err := transaction.WithContext(dbc.Ctx).
		Where("execution_id = ?", executionID).
		Order("var_name ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
