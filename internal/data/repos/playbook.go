package repos

import (
	"errors"

	"gorm.io/gorm"

	types "github.com/noetl/noetl/internal/domain"
	"github.com/noetl/noetl/internal/pkg/dbctx"
	"github.com/noetl/noetl/internal/pkg/logger"
)

var ErrPlaybookNotFound = errors.New("playbook not found")

type PlaybookRepo interface {
	Create(dbc dbctx.Context, playbook *types.Playbook) (*types.Playbook, error)
	GetByID(dbc dbctx.Context, catalogID int64) (*types.Playbook, error)
	GetByPathVersion(dbc dbctx.Context, path string, version int) (*types.Playbook, error)
	GetLatestByPath(dbc dbctx.Context, path string) (*types.Playbook, error)
}

type playbookRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPlaybookRepo(db *gorm.DB, baseLog *logger.Logger) PlaybookRepo {
	return &playbookRepo{
		db:  db,
		log: baseLog.With("repo", "PlaybookRepo"),
	}
}

func (r *playbookRepo) Create(dbc dbctx.Context, playbook *types.Playbook) (*types.Playbook, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if err := transaction.WithContext(dbc.Ctx).Create(playbook).Error; err != nil {
		return nil, err
	}
	return playbook, nil
}

func (r *playbookRepo) GetByID(dbc dbctx.Context, catalogID int64) (*types.Playbook, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var pb types.Playbook
	err := transaction.WithContext(dbc.Ctx).
		Where("catalog_id = ?", catalogID).
		First(&pb).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPlaybookNotFound
	}
	if err != nil {
		return nil, err
	}
	return &pb, nil
}

func (r *playbookRepo) GetByPathVersion(dbc dbctx.Context, path string, version int) (*types.Playbook, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var pb types.Playbook
	err := transaction.WithContext(dbc.Ctx).
		Where("path = ? AND version = ?", path, version).
		First(&pb).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPlaybookNotFound
	}
	if err != nil {
		return nil, err
	}
	return &pb, nil
}

func (r *playbookRepo) GetLatestByPath(dbc dbctx.Context, path string) (*types.Playbook, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var pb types.Playbook
	err := transaction.WithContext(dbc.Ctx).
		Where("path = ?", path).
		Order("version DESC").
		First(&pb).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPlaybookNotFound
	}
	if err != nil {
		return nil, err
	}
	return &pb, nil
}
