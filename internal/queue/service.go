package queue

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"

	"github.com/noetl/noetl/internal/data/repos"
	types "github.com/noetl/noetl/internal/domain"
	"github.com/noetl/noetl/internal/pkg/dbctx"
	"github.com/noetl/noetl/internal/pkg/logger"
)

var (
	// ErrLeaseConflict is returned when a complete/fail/extend hits a job
	// that exists but is not leased by the calling worker. The worker drops
	// its result without re-emitting.
	ErrLeaseConflict = errors.New("job not leased by this worker")
	ErrJobNotFound   = repos.ErrJobNotFound
)

// EvaluationTrigger requests an asynchronous broker evaluation for an
// execution. Queue transitions fire it after every terminal ack so the
// broker can advance the frontier.
type EvaluationTrigger interface {
	TriggerEvaluate(ctx context.Context, executionID int64)
}

/*
Service owns the durable FIFO-with-leases queue semantics on top of the
queue_job table:

  - Enqueue is idempotent per (execution_id, node_id): an existing pending
    or leased job short-circuits to its id.
  - Lease grabs up to max_jobs pending rows under SKIP LOCKED, stamping
    worker id, lease deadline and the attempt counter.
  - Complete/Fail are compare-and-set on (status=leased, worker_id) and
    trigger a broker re-evaluation on success.
  - Cancel cascades to every non-terminal job of the execution.
*/
type Service struct {
	jobs     repos.QueueJobRepo
	triggers EvaluationTrigger
	log      *logger.Logger
}

func NewService(jobs repos.QueueJobRepo, triggers EvaluationTrigger, baseLog *logger.Logger) *Service {
	return &Service{
		jobs:     jobs,
		triggers: triggers,
		log:      baseLog.With("component", "JobQueue"),
	}
}

// SetTrigger installs the evaluation trigger after construction; the broker
// and the queue reference each other, so wiring closes the loop here.
func (s *Service) SetTrigger(triggers EvaluationTrigger) { s.triggers = triggers }

func (s *Service) Enqueue(dbc dbctx.Context, executionID int64, nodeID string, actionSpec []byte, inputContext []byte, parentJobID *int64) (int64, error) {
	existing, err := s.jobs.FindActiveByNode(dbc, executionID, nodeID)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		return existing.JobID, nil
	}
	job := &types.QueueJob{
		ExecutionID:  executionID,
		NodeID:       nodeID,
		ActionSpec:   actionSpec,
		InputContext: datatypes.JSON(inputContext),
		Status:       types.JobPending,
		ParentJobID:  parentJobID,
	}
	inserted, err := s.jobs.Insert(dbc, job)
	if err != nil {
		return 0, err
	}
	return inserted.JobID, nil
}

func (s *Service) Lease(dbc dbctx.Context, workerID string, maxJobs int, leaseDuration time.Duration) ([]*types.QueueJob, error) {
	if leaseDuration <= 0 {
		leaseDuration = 30 * time.Second
	}
	return s.jobs.LeaseNext(dbc, workerID, maxJobs, time.Now().Add(leaseDuration))
}

func (s *Service) Complete(dbc dbctx.Context, jobID int64, workerID string) error {
	job, err := s.jobs.GetByID(dbc, jobID)
	if err != nil {
		return err
	}
	ok, err := s.jobs.CompleteLeased(dbc, jobID, workerID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLeaseConflict
	}
	s.fireEvaluate(dbc.Ctx, job.ExecutionID)
	return nil
}

func (s *Service) Fail(dbc dbctx.Context, jobID int64, workerID string, errMsg string) error {
	job, err := s.jobs.GetByID(dbc, jobID)
	if err != nil {
		return err
	}
	ok, err := s.jobs.FailLeased(dbc, jobID, workerID, errMsg)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLeaseConflict
	}
	s.fireEvaluate(dbc.Ctx, job.ExecutionID)
	return nil
}

func (s *Service) Extend(dbc dbctx.Context, jobID int64, workerID string, leaseDuration time.Duration) error {
	if leaseDuration <= 0 {
		leaseDuration = 30 * time.Second
	}
	ok, err := s.jobs.ExtendLease(dbc, jobID, workerID, time.Now().Add(leaseDuration))
	if err != nil {
		return err
	}
	if !ok {
		if _, gErr := s.jobs.GetByID(dbc, jobID); gErr != nil {
			return gErr
		}
		return ErrLeaseConflict
	}
	return nil
}

func (s *Service) Cancel(dbc dbctx.Context, executionID int64) (int64, error) {
	n, err := s.jobs.CancelByExecution(dbc, executionID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("Cancelled queue jobs", "execution_id", executionID, "count", n)
	}
	return n, nil
}

func (s *Service) GetJob(dbc dbctx.Context, jobID int64) (*types.QueueJob, error) {
	return s.jobs.GetByID(dbc, jobID)
}

func (s *Service) ListByExecution(dbc dbctx.Context, executionID int64) ([]*types.QueueJob, error) {
	return s.jobs.ListByExecution(dbc, executionID)
}

func (s *Service) CountActive(dbc dbctx.Context, executionID int64) (int64, error) {
	return s.jobs.CountActiveByExecution(dbc, executionID)
}

func (s *Service) fireEvaluate(ctx context.Context, executionID int64) {
	if s.triggers == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.triggers.TriggerEvaluate(ctx, executionID)
}
