package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	types "github.com/noetl/noetl/internal/domain"
	"github.com/noetl/noetl/internal/event"
	"github.com/noetl/noetl/internal/pkg/logger"
	"github.com/noetl/noetl/internal/playbook"
	"github.com/noetl/noetl/internal/render"
)

type Config struct {
	WorkerID      string
	Concurrency   int
	LeaseDuration time.Duration
	PollInterval  time.Duration
}

/*
Pool is the worker loop: lease a batch, run each job through render, retry
and the matching executor, emit the action events, ack. A background
heartbeat extends each job's lease while it runs, so a healthy worker never
loses a lease mid-action and a dead one loses it within one lease window.
*/
type Pool struct {
	api      ServerAPI
	reg      *Registry
	renderer *render.Renderer
	cfg      Config
	log      *logger.Logger
}

func NewPool(api ServerAPI, reg *Registry, renderer *render.Renderer, cfg Config, baseLog *logger.Logger) *Pool {
	if cfg.WorkerID == "" {
		host, _ := os.Hostname()
		cfg.WorkerID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &Pool{
		api:      api,
		reg:      reg,
		renderer: renderer,
		cfg:      cfg,
		log:      baseLog.With("component", "WorkerPool", "worker_id", cfg.WorkerID),
	}
}

func (p *Pool) WorkerID() string { return p.cfg.WorkerID }

// Run polls until ctx is done. Jobs run concurrently up to Concurrency;
// leasing only asks for the free slots.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info("Worker started", "concurrency", p.cfg.Concurrency)
	var inflight atomic.Int64
	g := new(errgroup.Group)
	for {
		select {
		case <-ctx.Done():
			err := g.Wait()
			p.log.Info("Worker stopped")
			return err
		default:
		}
		free := p.cfg.Concurrency - int(inflight.Load())
		if free <= 0 {
			p.pause(ctx)
			continue
		}
		jobs, err := p.api.Lease(ctx, p.cfg.WorkerID, free, p.cfg.LeaseDuration)
		if err != nil {
			p.log.Warn("Lease failed", "error", err)
			p.pause(ctx)
			continue
		}
		if len(jobs) == 0 {
			p.pause(ctx)
			continue
		}
		for _, job := range jobs {
			job := job
			inflight.Add(1)
			g.Go(func() error {
				defer inflight.Add(-1)
				p.runJob(ctx, job)
				return nil
			})
		}
	}
}

// RunOnce leases one batch and runs it sequentially to completion. Tests
// drive executions deterministically with it.
func (p *Pool) RunOnce(ctx context.Context) (int, error) {
	jobs, err := p.api.Lease(ctx, p.cfg.WorkerID, p.cfg.Concurrency, p.cfg.LeaseDuration)
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		p.runJob(ctx, job)
	}
	return len(jobs), nil
}

func (p *Pool) pause(ctx context.Context) {
	timer := time.NewTimer(p.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (p *Pool) runJob(ctx context.Context, job *types.QueueJob) {
	log := p.log.With("job_id", job.JobID, "execution_id", job.ExecutionID, "node_id", job.NodeID)

	// the action runs under its own context; the heartbeat cancels it when
	// the job is pulled out from under us mid-flight
	jobCtx, cancelJob := context.WithCancel(ctx)
	defer cancelJob()
	go p.heartbeat(jobCtx, job, cancelJob, log)

	extra := map[string]any{}
	if len(job.InputContext) > 0 {
		_ = json.Unmarshal(job.InputContext, &extra)
	}
	stepName := job.NodeID
	if s, ok := extra["step"].(string); ok && s != "" {
		stepName = s
	}
	var loopMeta datatypes.JSON
	isLoopChild := false
	if lm, ok := extra["_loop"]; ok {
		isLoopChild = true
		raw, _ := json.Marshal(lm)
		loopMeta = datatypes.JSON(raw)
	}

	start := time.Now()
	spec, inputCtx, err := p.api.Render(jobCtx, job.ExecutionID, job.NodeID, job.ActionSpec, extra)
	if err != nil {
		p.emitStarted(ctx, job, stepName, loopMeta, nil, log)
		p.failJob(ctx, job, stepName, loopMeta, fmt.Sprintf("render: %v", err), start, log)
		return
	}
	inputRaw, _ := json.Marshal(inputCtx)

	ex, ok := p.reg.Get(spec.Type)
	if !ok {
		p.emitStarted(ctx, job, stepName, loopMeta, inputRaw, log)
		p.failJob(ctx, job, stepName, loopMeta, fmt.Sprintf("unknown action type %q", spec.Type), start, log)
		return
	}

	// one action_started per attempt, so the log counts the attempts
	result, attempts, err := runWithRetry(jobCtx, spec.Retry, p.renderer, log, func(attempt int) (any, error) {
		if attempt > 1 {
			log.Info("Retrying action", "attempt", attempt)
		}
		p.emitStarted(ctx, job, stepName, loopMeta, inputRaw, log)
		return ex.Execute(jobCtx, spec, inputCtx)
	})
	if err != nil {
		msg := err.Error()
		if jobCtx.Err() != nil {
			msg = event.CancelledReason
		}
		log.Warn("Action failed", "attempts", attempts, "error", msg)
		p.failJob(jobCtx, job, stepName, loopMeta, msg, start, log)
		return
	}

	result = NormalizeResult(result)
	resultRaw, err := json.Marshal(result)
	if err != nil {
		p.failJob(ctx, job, stepName, loopMeta, fmt.Sprintf("encode result: %v", err), start, log)
		return
	}

	// the save descriptor persists its projection before the ack; a failed
	// save fails the job
	if spec.Save != nil {
		if err := p.applySave(ctx, job, stepName, spec.Save, result); err != nil {
			p.failJob(ctx, job, stepName, loopMeta, fmt.Sprintf("save: %v", err), start, log)
			return
		}
	}

	duration := time.Since(start).Milliseconds()
	_, err = p.api.Emit(ctx, &types.Event{
		ExecutionID: job.ExecutionID,
		EventType:   event.TypeActionCompleted,
		NodeID:      job.NodeID,
		NodeName:    stepName,
		Status:      "completed",
		Result:      datatypes.JSON(resultRaw),
		DurationMS:  &duration,
		LoopMeta:    loopMeta,
	})
	if err != nil {
		log.Warn("action_completed emit failed", "error", err)
	}
	if !isLoopChild {
		_, err = p.api.Emit(ctx, &types.Event{
			ExecutionID: job.ExecutionID,
			EventType:   event.TypeStepResult,
			NodeID:      job.NodeID,
			NodeName:    stepName,
			Result:      datatypes.JSON(resultRaw),
		})
		if err != nil {
			log.Warn("step_result emit failed", "error", err)
		}
	}
	if err := p.api.Complete(ctx, job.JobID, p.cfg.WorkerID); err != nil {
		// lease lost to the reaper or the execution was cancelled; the
		// result is dropped, a retry re-runs the action
		log.Warn("Job ack rejected", "error", err)
	}
}

func (p *Pool) emitStarted(ctx context.Context, job *types.QueueJob, stepName string, loopMeta datatypes.JSON, inputRaw []byte, log *logger.Logger) {
	_, err := p.api.Emit(ctx, &types.Event{
		ExecutionID:  job.ExecutionID,
		EventType:    event.TypeActionStarted,
		NodeID:       job.NodeID,
		NodeName:     stepName,
		Status:       "started",
		InputContext: datatypes.JSON(inputRaw),
		LoopMeta:     loopMeta,
	})
	if err != nil {
		log.Warn("action_started emit failed", "error", err)
	}
}

func (p *Pool) failJob(ctx context.Context, job *types.QueueJob, stepName string, loopMeta datatypes.JSON, msg string, start time.Time, log *logger.Logger) {
	duration := time.Since(start).Milliseconds()
	emitCtx := ctx
	if ctx.Err() != nil {
		// the action context is gone, but the error must still land
		emitCtx = context.Background()
	}
	_, err := p.api.Emit(emitCtx, &types.Event{
		ExecutionID: job.ExecutionID,
		EventType:   event.TypeActionError,
		NodeID:      job.NodeID,
		NodeName:    stepName,
		Status:      "error",
		Error:       msg,
		DurationMS:  &duration,
		LoopMeta:    loopMeta,
	})
	if err != nil {
		log.Warn("action_error emit failed", "error", err)
	}
	if err := p.api.Fail(emitCtx, job.JobID, p.cfg.WorkerID, msg); err != nil {
		log.Warn("Job fail ack rejected", "error", err)
	}
}

func (p *Pool) applySave(ctx context.Context, job *types.QueueJob, stepName string, save *playbook.SaveSpec, result any) error {
	value := result
	if save.Key != "" {
		m, ok := result.(map[string]any)
		if !ok {
			return fmt.Errorf("save key %q on non-object result", save.Key)
		}
		value = m[save.Key]
	}
	name := save.Name
	if name == "" {
		name = stepName
	}
	switch save.Storage {
	case playbook.SaveStorageTransient, "":
		return p.api.SetVars(ctx, job.ExecutionID, map[string]any{name: value}, stepName)
	case playbook.SaveStorageEvent:
		raw, err := json.Marshal(value)
		if err != nil {
			return err
		}
		_, err = p.api.Emit(ctx, &types.Event{
			ExecutionID: job.ExecutionID,
			EventType:   event.TypeStepResult,
			NodeID:      job.NodeID,
			NodeName:    name,
			Result:      datatypes.JSON(raw),
		})
		return err
	default:
		return fmt.Errorf("unknown save storage %q", save.Storage)
	}
}

// heartbeat extends the lease at a third of its duration, well inside the
// reaper's window. A rejected extension means the job was taken away; when
// the execution itself left running (cancelled, or failed through another
// step) the in-flight action is cancelled so the tool stops working for a
// dead execution and the cancelled action_error gets recorded.
func (p *Pool) heartbeat(ctx context.Context, job *types.QueueJob, cancelJob context.CancelFunc, log *logger.Logger) {
	interval := p.cfg.LeaseDuration / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.api.Extend(ctx, job.JobID, p.cfg.WorkerID, p.cfg.LeaseDuration); err != nil {
				log.Warn("Lease extension failed", "error", err)
				if execution, gErr := p.api.GetExecution(ctx, job.ExecutionID); gErr == nil && execution.Status != types.ExecutionRunning {
					log.Info("Execution no longer running, aborting action", "status", execution.Status)
					cancelJob()
				}
				return
			}
		}
	}
}
