package repos

import (
	"errors"

	"gorm.io/gorm"

	types "github.com/noetl/noetl/internal/domain"
	"github.com/noetl/noetl/internal/pkg/dbctx"
	"github.com/noetl/noetl/internal/pkg/logger"
)

// ErrStorageUnavailable wraps store-level write failures so callers can tell
// them apart from contract violations. The event log itself never retries.
var ErrStorageUnavailable = errors.New("event store unavailable")

// EventRepo is the append-only event log. Rows are inserted and read, never
// updated or deleted; the store's serial id assigner orders concurrent
// appends for the same execution.
type EventRepo interface {
	Append(dbc dbctx.Context, event *types.Event) (*types.Event, error)
	AppendAll(dbc dbctx.Context, events []*types.Event) ([]*types.Event, error)
	List(dbc dbctx.Context, executionID int64, sinceID int64, typeFilter []string) ([]*types.Event, error)
}

type eventRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewEventRepo(db *gorm.DB, baseLog *logger.Logger) EventRepo {
	return &eventRepo{
		db:  db,
		log: baseLog.With("repo", "EventRepo"),
	}
}

func (r *eventRepo) Append(dbc dbctx.Context, event *types.Event) (*types.Event, error) {
	out, err := r.AppendAll(dbc, []*types.Event{event})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (r *eventRepo) AppendAll(dbc dbctx.Context, events []*types.Event) ([]*types.Event, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(events) == 0 {
		return []*types.Event{}, nil
	}
	if err := transaction.WithContext(dbc.Ctx).Create(&events).Error; err != nil {
		return nil, errors.Join(ErrStorageUnavailable, err)
	}
	return events, nil
}

func (r *eventRepo) List(dbc dbctx.Context, executionID int64, sinceID int64, typeFilter []string) ([]*types.Event, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	q := transaction.WithContext(dbc.Ctx).
		Where("execution_id = ?", executionID)
	if sinceID > 0 {
		q = q.Where("event_id > ?", sinceID)
	}
	if len(typeFilter) > 0 {
		q = q.Where("event_type IN ?", typeFilter)
	}
	var out []*types.Event
	if err := q.Order("event_id ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
