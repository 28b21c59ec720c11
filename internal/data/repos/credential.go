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

var ErrCredentialNotFound = errors.New("credential not found")

type CredentialRepo interface {
	Upsert(dbc dbctx.Context, credential *types.Credential) (*types.Credential, error)
	GetByName(dbc dbctx.Context, name string) (*types.Credential, error)
	Delete(dbc dbctx.Context, name string) error
}

type credentialRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewCredentialRepo(db *gorm.DB, baseLog *logger.Logger) CredentialRepo {
	return &credentialRepo{
		db:  db,
		log: baseLog.With("repo", "CredentialRepo"),
	}
}

func (r *credentialRepo) Upsert(dbc dbctx.Context, credential *types.Credential) (*types.Credential, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now()
	credential.UpdatedAt = now
	if credential.CreatedAt.IsZero() {
		credential.CreatedAt = now
	}
	err := transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"type", "encrypted_data", "updated_at",
			}),
		}).
		Create(credential).Error
	if err != nil {
		return nil, err
	}
	return credential, nil
}

func (r *credentialRepo) GetByName(dbc dbctx.Context, name string) (*types.Credential, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var credential types.Credential
	err := transaction.WithContext(dbc.Ctx).
		Where("name = ?", name).
		First(&credential).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCredentialNotFound
	}
	if err != nil {
		return nil, err
	}
	return &credential, nil
}

func (r *credentialRepo) Delete(dbc dbctx.Context, name string) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx).
		Where("name = ?", name).
		Delete(&types.Credential{}).Error
}
