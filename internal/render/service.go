package render

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/noetl/noetl/internal/pkg/dbctx"
	"github.com/noetl/noetl/internal/pkg/logger"
	"github.com/noetl/noetl/internal/playbook"
)

/*
Service is the stateless render endpoint's backing: given an execution, a
node and a raw action spec, it rebuilds the accumulated context and returns
the fully rendered spec plus the rendered input context. Calling it twice
with the same durable state yields byte-identical output.
*/
type Service struct {
	renderer *Renderer
	scopes   *ScopeBuilder
	log      *logger.Logger
}

func NewService(renderer *Renderer, scopes *ScopeBuilder, baseLog *logger.Logger) *Service {
	return &Service{
		renderer: renderer,
		scopes:   scopes,
		log:      baseLog.With("component", "ContextRenderer"),
	}
}

// RenderForNode renders rawSpec (JSON-encoded ActionSpec) for one node.
// extra carries per-job bindings (`this`, `_loop.*`) stored on the queue
// row at enqueue time.
func (s *Service) RenderForNode(ctx context.Context, dbc dbctx.Context, executionID int64, nodeID string, rawSpec []byte, extra map[string]any) (*playbook.ActionSpec, map[string]any, error) {
	var spec playbook.ActionSpec
	if err := json.Unmarshal(rawSpec, &spec); err != nil {
		return nil, nil, fmt.Errorf("decode action spec for node %q: %w", nodeID, err)
	}
	scope, err := s.scopes.Build(dbc, executionID)
	if err != nil {
		return nil, nil, err
	}
	scope = Merge(scope, extra)

	rendered, err := s.RenderAction(ctx, &spec, scope)
	if err != nil {
		return nil, nil, err
	}
	inputContext := map[string]any{}
	for k, v := range rendered.With {
		inputContext[k] = v
	}
	if loop, ok := extra["_loop"]; ok {
		inputContext["_loop"] = loop
	}
	return rendered, inputContext, nil
}

// RenderAction resolves every template string of an action spec against
// scope. The returned spec is a copy; the input is never mutated.
func (s *Service) RenderAction(ctx context.Context, spec *playbook.ActionSpec, scope map[string]any) (*playbook.ActionSpec, error) {
	out := *spec

	if len(spec.With) > 0 {
		rendered, err := s.renderer.RenderValue(ctx, copyMap(spec.With), scope)
		if err != nil {
			return nil, fmt.Errorf("render with: %w", err)
		}
		out.With = rendered.(map[string]any)
		scope = Merge(scope, map[string]any{"with": out.With})
	}

	var err error
	if out.URL, err = s.renderer.RenderString(ctx, spec.URL, scope); err != nil {
		return nil, fmt.Errorf("render url: %w", err)
	}
	if out.Method, err = s.renderer.RenderString(ctx, spec.Method, scope); err != nil {
		return nil, fmt.Errorf("render method: %w", err)
	}
	if len(spec.Headers) > 0 {
		headers := make(map[string]string, len(spec.Headers))
		for k, v := range spec.Headers {
			hv, err := s.renderer.RenderString(ctx, v, scope)
			if err != nil {
				return nil, fmt.Errorf("render header %q: %w", k, err)
			}
			headers[k] = hv
		}
		out.Headers = headers
	}
	if len(spec.Params) > 0 {
		params, err := s.renderer.RenderValue(ctx, copyMap(spec.Params), scope)
		if err != nil {
			return nil, fmt.Errorf("render params: %w", err)
		}
		out.Params = params.(map[string]any)
	}
	if spec.Payload != nil {
		if out.Payload, err = s.renderer.RenderValue(ctx, spec.Payload, scope); err != nil {
			return nil, fmt.Errorf("render payload: %w", err)
		}
	}
	if out.Code, err = s.renderer.RenderString(ctx, spec.Code, scope); err != nil {
		return nil, fmt.Errorf("render code: %w", err)
	}
	if out.Statement, err = s.renderer.RenderString(ctx, spec.Statement, scope); err != nil {
		return nil, fmt.Errorf("render statement: %w", err)
	}
	if out.Database, err = s.renderer.RenderString(ctx, spec.Database, scope); err != nil {
		return nil, fmt.Errorf("render database: %w", err)
	}
	if len(spec.Workload) > 0 {
		workload, err := s.renderer.RenderValue(ctx, copyMap(spec.Workload), scope)
		if err != nil {
			return nil, fmt.Errorf("render workload: %w", err)
		}
		out.Workload = workload.(map[string]any)
	}
	if spec.Child != nil {
		child, err := s.RenderAction(ctx, spec.Child, scope)
		if err != nil {
			return nil, fmt.Errorf("render child task: %w", err)
		}
		out.Child = child
	}
	return &out, nil
}

func (s *Service) Renderer() *Renderer { return s.renderer }

func (s *Service) Scopes() *ScopeBuilder { return s.scopes }

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
