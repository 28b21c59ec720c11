package worker

import (
	"context"
	"time"

	types "github.com/noetl/noetl/internal/domain"
	"github.com/noetl/noetl/internal/playbook"
)

// ServerAPI is everything a worker needs from the server. Two
// implementations exist: the in-process adapter used by the single binary
// and tests, and the HTTP client used by remote worker pools. Workers never
// touch the database directly.
type ServerAPI interface {
	Lease(ctx context.Context, workerID string, maxJobs int, lease time.Duration) ([]*types.QueueJob, error)
	Complete(ctx context.Context, jobID int64, workerID string) error
	Fail(ctx context.Context, jobID int64, workerID string, errMsg string) error
	Extend(ctx context.Context, jobID int64, workerID string, lease time.Duration) error

	// Render resolves the raw action spec against the execution's current
	// accumulated context plus the job's own bindings.
	Render(ctx context.Context, executionID int64, nodeID string, rawSpec []byte, extra map[string]any) (*playbook.ActionSpec, map[string]any, error)

	Emit(ctx context.Context, ev *types.Event) (int64, error)
	SetVars(ctx context.Context, executionID int64, vars map[string]any, sourceStep string) error
	ResolveCredential(ctx context.Context, name string) (map[string]any, error)

	// subplaybook support
	StartExecution(ctx context.Context, path string, version int, workload map[string]any) (*types.Execution, error)
	GetExecution(ctx context.Context, executionID int64) (*types.Execution, error)
	ReadEvents(ctx context.Context, executionID int64, sinceID int64, typeFilter []string) ([]*types.Event, error)
}
