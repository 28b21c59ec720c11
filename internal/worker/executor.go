package worker

import (
	"context"
	"fmt"

	"github.com/noetl/noetl/internal/pkg/logger"
	"github.com/noetl/noetl/internal/playbook"
)

// Executor runs one rendered action spec and returns its raw result. The
// pool owns retries, result normalisation and event emission; executors just
// do the work.
type Executor interface {
	Kind() string
	Execute(ctx context.Context, spec *playbook.ActionSpec, input map[string]any) (any, error)
}

type Registry struct {
	m map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{m: map[string]Executor{}}
}

func (r *Registry) Register(e Executor) {
	r.m[e.Kind()] = e
}

func (r *Registry) Get(kind string) (Executor, bool) {
	e, ok := r.m[kind]
	return e, ok
}

// DefaultRegistry wires every built-in action kind.
func DefaultRegistry(api ServerAPI, baseLog *logger.Logger) *Registry {
	r := NewRegistry()
	r.Register(NewHTTPExecutor(baseLog))
	r.Register(NewInlineCodeExecutor(baseLog))
	r.Register(NewLocalAnalyticsExecutor(baseLog))
	r.Register(NewRelationalExecutor(api, baseLog))
	r.Register(NewSubPlaybookExecutor(api, baseLog))
	r.Register(&iteratorChildExecutor{reg: r})
	return r
}

// iteratorChildExecutor unwraps a per-item task and dispatches the inner
// spec; the item bindings arrived through the job's input context and are
// already rendered into the spec.
type iteratorChildExecutor struct {
	reg *Registry
}

func (e *iteratorChildExecutor) Kind() string { return playbook.ActionIteratorChild }

func (e *iteratorChildExecutor) Execute(ctx context.Context, spec *playbook.ActionSpec, input map[string]any) (any, error) {
	if spec.Child == nil {
		return nil, fmt.Errorf("iterator child without inner task")
	}
	inner, ok := e.reg.Get(spec.Child.Type)
	if !ok {
		return nil, fmt.Errorf("unknown action type %q in iterator task", spec.Child.Type)
	}
	return inner.Execute(ctx, spec.Child, input)
}
