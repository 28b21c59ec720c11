package event

import (
	"fmt"

	types "github.com/noetl/noetl/internal/domain"
	"github.com/noetl/noetl/internal/data/repos"
	"github.com/noetl/noetl/internal/pkg/dbctx"
	"github.com/noetl/noetl/internal/pkg/logger"
)

/*
Log is the append-only record of every state transition per execution and the
sole source of truth for progression.
Contract:
	- Append assigns the event id atomically and is durable before it returns.
	- Concurrent appends for the same execution are permitted; the store's
	  serial id assigner orders them.
	- Store-level write failure surfaces as repos.ErrStorageUnavailable; the
	  log never retries.
*/
type Log struct {
	repo repos.EventRepo
	log  *logger.Logger
}

func NewLog(repo repos.EventRepo, baseLog *logger.Logger) *Log {
	return &Log{
		repo: repo,
		log:  baseLog.With("component", "EventLog"),
	}
}

func (l *Log) Append(dbc dbctx.Context, e *types.Event) (int64, error) {
	if e == nil {
		return 0, fmt.Errorf("nil event")
	}
	if !ValidType(e.EventType) {
		return 0, fmt.Errorf("unknown event type %q", e.EventType)
	}
	if e.ExecutionID == 0 {
		return 0, fmt.Errorf("event missing execution_id")
	}
	out, err := l.repo.Append(dbc, e)
	if err != nil {
		return 0, err
	}
	return out.EventID, nil
}

func (l *Log) AppendAll(dbc dbctx.Context, events []*types.Event) ([]int64, error) {
	for _, e := range events {
		if e == nil {
			return nil, fmt.Errorf("nil event in batch")
		}
		if !ValidType(e.EventType) {
			return nil, fmt.Errorf("unknown event type %q", e.EventType)
		}
		if e.ExecutionID == 0 {
			return nil, fmt.Errorf("event missing execution_id")
		}
	}
	out, err := l.repo.AppendAll(dbc, events)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(out))
	for _, e := range out {
		ids = append(ids, e.EventID)
	}
	return ids, nil
}

func (l *Log) Read(dbc dbctx.Context, executionID int64, sinceID int64, typeFilter []string) ([]*types.Event, error) {
	return l.repo.List(dbc, executionID, sinceID, typeFilter)
}
