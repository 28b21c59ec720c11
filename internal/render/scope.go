package render

import (
	"encoding/json"

	"github.com/noetl/noetl/internal/data/repos"
	"github.com/noetl/noetl/internal/event"
	"github.com/noetl/noetl/internal/pkg/dbctx"
)

/*
ScopeBuilder reconstructs the accumulated template context for an execution
from durable state only: the execution row (workload), the event log
(step_result bindings) and the transient store. Built scopes expose the
spec'd names:

	execution_id   the execution's id
	workload       the workload bound at start
	<step>.data    the recorded result of each completed step
	vars.<name>    transient variables

`this` and `_loop.*` are caller-supplied bindings merged in per job.
*/
type ScopeBuilder struct {
	executions repos.ExecutionRepo
	events     *event.Log
	vars       repos.TransientVarRepo
}

func NewScopeBuilder(executions repos.ExecutionRepo, events *event.Log, vars repos.TransientVarRepo) *ScopeBuilder {
	return &ScopeBuilder{executions: executions, events: events, vars: vars}
}

func (b *ScopeBuilder) Build(dbc dbctx.Context, executionID int64) (map[string]any, error) {
	execution, err := b.executions.GetByID(dbc, executionID)
	if err != nil {
		return nil, err
	}
	scope := map[string]any{
		"execution_id": executionID,
	}
	workload := map[string]any{}
	if len(execution.Workload) > 0 {
		_ = json.Unmarshal(execution.Workload, &workload)
	}
	scope["workload"] = workload

	results, err := b.events.Read(dbc, executionID, 0, []string{event.TypeStepResult})
	if err != nil {
		return nil, err
	}
	// last step_result per node wins (retried steps overwrite)
	for _, e := range results {
		name := e.NodeName
		if name == "" {
			name = e.NodeID
		}
		if name == "" {
			continue
		}
		var data any
		if len(e.Result) > 0 {
			_ = json.Unmarshal(e.Result, &data)
		}
		scope[name] = map[string]any{"data": data}
	}

	if b.vars != nil {
		rows, err := b.vars.ListByExecution(dbc, executionID)
		if err != nil {
			return nil, err
		}
		if len(rows) > 0 {
			vars := make(map[string]any, len(rows))
			for _, v := range rows {
				var val any
				if len(v.Value) > 0 {
					_ = json.Unmarshal(v.Value, &val)
				}
				vars[v.VarName] = val
			}
			scope["vars"] = vars
		}
	}
	return scope, nil
}

// Merge overlays extra bindings (typically `this` and `_loop`) on a built
// scope without mutating it.
func Merge(scope map[string]any, extra map[string]any) map[string]any {
	if len(extra) == 0 {
		return scope
	}
	out := make(map[string]any, len(scope)+len(extra))
	for k, v := range scope {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
