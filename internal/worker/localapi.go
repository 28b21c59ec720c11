package worker

import (
	"context"
	"time"

	"github.com/noetl/noetl/internal/broker"
	"github.com/noetl/noetl/internal/data/repos"
	types "github.com/noetl/noetl/internal/domain"
	"github.com/noetl/noetl/internal/event"
	"github.com/noetl/noetl/internal/pkg/dbctx"
	"github.com/noetl/noetl/internal/playbook"
	"github.com/noetl/noetl/internal/queue"
	"github.com/noetl/noetl/internal/render"
	"github.com/noetl/noetl/internal/secrets"
	"github.com/noetl/noetl/internal/transient"
)

// LocalAPI is the in-process ServerAPI: the single-binary deployment and the
// tests run workers against the services directly, skipping HTTP.
type LocalAPI struct {
	queue      *queue.Service
	render     *render.Service
	events     *event.Log
	vars       *transient.Service
	creds      *secrets.Store
	broker     *broker.Broker
	executions repos.ExecutionRepo
}

func NewLocalAPI(q *queue.Service, rnd *render.Service, events *event.Log, vars *transient.Service, creds *secrets.Store, b *broker.Broker, executions repos.ExecutionRepo) *LocalAPI {
	return &LocalAPI{
		queue:      q,
		render:     rnd,
		events:     events,
		vars:       vars,
		creds:      creds,
		broker:     b,
		executions: executions,
	}
}

func (a *LocalAPI) Lease(ctx context.Context, workerID string, maxJobs int, lease time.Duration) ([]*types.QueueJob, error) {
	return a.queue.Lease(dbctx.Context{Ctx: ctx}, workerID, maxJobs, lease)
}

func (a *LocalAPI) Complete(ctx context.Context, jobID int64, workerID string) error {
	return a.queue.Complete(dbctx.Context{Ctx: ctx}, jobID, workerID)
}

func (a *LocalAPI) Fail(ctx context.Context, jobID int64, workerID string, errMsg string) error {
	return a.queue.Fail(dbctx.Context{Ctx: ctx}, jobID, workerID, errMsg)
}

func (a *LocalAPI) Extend(ctx context.Context, jobID int64, workerID string, lease time.Duration) error {
	return a.queue.Extend(dbctx.Context{Ctx: ctx}, jobID, workerID, lease)
}

func (a *LocalAPI) Render(ctx context.Context, executionID int64, nodeID string, rawSpec []byte, extra map[string]any) (*playbook.ActionSpec, map[string]any, error) {
	return a.render.RenderForNode(ctx, dbctx.Context{Ctx: ctx}, executionID, nodeID, rawSpec, extra)
}

func (a *LocalAPI) Emit(ctx context.Context, ev *types.Event) (int64, error) {
	return a.events.Append(dbctx.Context{Ctx: ctx}, ev)
}

func (a *LocalAPI) SetVars(ctx context.Context, executionID int64, vars map[string]any, sourceStep string) error {
	_, err := a.vars.SetAll(dbctx.Context{Ctx: ctx}, executionID, vars, types.VarTypeStepResult, sourceStep)
	return err
}

func (a *LocalAPI) ResolveCredential(ctx context.Context, name string) (map[string]any, error) {
	cred, err := a.creds.Fetch(dbctx.Context{Ctx: ctx}, name, true)
	if err != nil {
		return nil, err
	}
	return cred.Data, nil
}

func (a *LocalAPI) StartExecution(ctx context.Context, path string, version int, workload map[string]any) (*types.Execution, error) {
	return a.broker.Start(ctx, path, version, workload)
}

func (a *LocalAPI) GetExecution(ctx context.Context, executionID int64) (*types.Execution, error) {
	return a.executions.GetByID(dbctx.Context{Ctx: ctx}, executionID)
}

func (a *LocalAPI) ReadEvents(ctx context.Context, executionID int64, sinceID int64, typeFilter []string) ([]*types.Event, error) {
	return a.events.Read(dbctx.Context{Ctx: ctx}, executionID, sinceID, typeFilter)
}
