package worker

import (
	"context"
	"fmt"
	"time"

	types "github.com/noetl/noetl/internal/domain"
	"github.com/noetl/noetl/internal/event"
	"github.com/noetl/noetl/internal/pkg/logger"
	"github.com/noetl/noetl/internal/playbook"
)

// subPlaybookExecutor starts a child execution and blocks until it reaches a
// terminal status. The child runs under its own execution id with its own
// event log; the parent step's result is the child's final step_result.
type subPlaybookExecutor struct {
	api  ServerAPI
	log  *logger.Logger
	poll time.Duration
}

func NewSubPlaybookExecutor(api ServerAPI, baseLog *logger.Logger) Executor {
	return &subPlaybookExecutor{
		api:  api,
		log:  baseLog.With("executor", "subplaybook"),
		poll: 250 * time.Millisecond,
	}
}

func (e *subPlaybookExecutor) Kind() string { return playbook.ActionSubPlaybook }

func (e *subPlaybookExecutor) Execute(ctx context.Context, spec *playbook.ActionSpec, input map[string]any) (any, error) {
	if spec.Playbook == "" {
		return nil, fmt.Errorf("subplaybook action requires playbook path")
	}
	child, err := e.api.StartExecution(ctx, spec.Playbook, spec.PlaybookVersion, spec.Workload)
	if err != nil {
		return nil, fmt.Errorf("start subplaybook %q: %w", spec.Playbook, err)
	}
	e.log.Info("Subplaybook started", "playbook", spec.Playbook, "child_execution_id", child.ExecutionID)

	final, err := e.waitTerminal(ctx, child.ExecutionID)
	if err != nil {
		return nil, err
	}
	result := map[string]any{
		"execution_id": final.ExecutionID,
		"status":       final.Status,
	}
	if data := e.finalResult(ctx, final.ExecutionID); data != nil {
		result["data"] = data
	}
	if final.Status != types.ExecutionCompleted {
		return result, fmt.Errorf("subplaybook %q ended %s", spec.Playbook, final.Status)
	}
	return result, nil
}

func (e *subPlaybookExecutor) waitTerminal(ctx context.Context, executionID int64) (*types.Execution, error) {
	ticker := time.NewTicker(e.poll)
	defer ticker.Stop()
	for {
		execution, err := e.api.GetExecution(ctx, executionID)
		if err != nil {
			return nil, err
		}
		if execution.Status != types.ExecutionRunning {
			return execution, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// finalResult picks the child's last step_result, the value its workflow
// produced before reaching end.
func (e *subPlaybookExecutor) finalResult(ctx context.Context, executionID int64) any {
	events, err := e.api.ReadEvents(ctx, executionID, 0, []string{event.TypeStepResult})
	if err != nil || len(events) == 0 {
		return nil
	}
	last := events[len(events)-1]
	if len(last.Result) == 0 {
		return nil
	}
	out, err := decodeJSON(last.Result)
	if err != nil {
		return nil
	}
	return out
}
