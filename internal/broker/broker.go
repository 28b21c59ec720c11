package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noetl/noetl/internal/catalog"
	"github.com/noetl/noetl/internal/data/repos"
	types "github.com/noetl/noetl/internal/domain"
	"github.com/noetl/noetl/internal/event"
	"github.com/noetl/noetl/internal/pkg/dbctx"
	"github.com/noetl/noetl/internal/pkg/logger"
	"github.com/noetl/noetl/internal/playbook"
	"github.com/noetl/noetl/internal/queue"
	"github.com/noetl/noetl/internal/render"
)

/*
Broker is the server-side evaluator. It is stateless between calls: every
Evaluate reconstructs the execution's position from the event log and the
queue rows, decides which steps are runnable, and enqueues them. Evaluations
are idempotent, so a redundant trigger is harmless.

Concurrent evaluations of the same execution are serialised two ways: an
in-process mutex per execution id, and on postgres a transaction-scoped
advisory lock keyed by the execution id so multiple server replicas never
evaluate the same execution at once.
*/
type Broker struct {
	db         *gorm.DB
	executions repos.ExecutionRepo
	events     *event.Log
	catalog    *catalog.Service
	queue      *queue.Service
	render     *render.Service
	log        *logger.Logger

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func New(db *gorm.DB, executions repos.ExecutionRepo, events *event.Log, cat *catalog.Service, q *queue.Service, rnd *render.Service, baseLog *logger.Logger) *Broker {
	return &Broker{
		db:         db,
		executions: executions,
		events:     events,
		catalog:    cat,
		queue:      q,
		render:     rnd,
		log:        baseLog.With("component", "Broker"),
		locks:      map[int64]*sync.Mutex{},
	}
}

// Start creates an execution of the playbook at path (version 0 = latest),
// merges the request workload over the playbook's workload defaults, appends
// execution_start and runs the first evaluation synchronously.
func (b *Broker) Start(ctx context.Context, path string, version int, workload map[string]any) (*types.Execution, error) {
	dbc := dbctx.Context{Ctx: ctx}
	row, err := b.catalog.Resolve(dbc, path, version)
	if err != nil {
		return nil, err
	}
	g, err := b.catalog.Graph(dbc, row.CatalogID)
	if err != nil {
		return nil, err
	}
	merged := mergeWorkload(g.Playbook().Workload, workload)
	raw, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encode workload: %w", err)
	}
	execution, err := b.executions.Create(dbc, &types.Execution{
		CatalogID: row.CatalogID,
		Workload:  datatypes.JSON(raw),
		Status:    types.ExecutionRunning,
	})
	if err != nil {
		return nil, err
	}
	_, err = b.events.Append(dbc, &types.Event{
		ExecutionID: execution.ExecutionID,
		EventType:   event.TypeExecutionStart,
		NodeID:      g.Start().Name,
		NodeName:    g.Start().Name,
		Status:      types.ExecutionRunning,
		Result:      datatypes.JSON(raw),
	})
	if err != nil {
		return nil, err
	}
	b.log.Info("Execution started", "execution_id", execution.ExecutionID, "path", path, "version", row.Version)
	if err := b.Evaluate(ctx, execution.ExecutionID); err != nil {
		b.log.Error("Initial evaluation failed", "execution_id", execution.ExecutionID, "error", err)
	}
	return execution, nil
}

// CancelExecution flips the status to cancelled, cancels every non-terminal
// queue job and records the terminal event. Workers holding a lease learn of
// the cancellation when their ack is rejected.
func (b *Broker) CancelExecution(ctx context.Context, executionID int64) error {
	dbc := dbctx.Context{Ctx: ctx}
	execution, err := b.executions.GetByID(dbc, executionID)
	if err != nil {
		return err
	}
	if execution.Status != types.ExecutionRunning {
		return nil
	}
	flipped, err := b.executions.SetTerminalStatus(dbc, executionID, types.ExecutionCancelled)
	if err != nil {
		return err
	}
	if _, err := b.queue.Cancel(dbc, executionID); err != nil {
		return err
	}
	if flipped {
		_, err = b.events.Append(dbc, &types.Event{
			ExecutionID: executionID,
			EventType:   event.TypeExecutionFailed,
			Status:      types.ExecutionCancelled,
			Error:       event.CancelledReason,
		})
		if err != nil {
			return err
		}
		b.log.Info("Execution cancelled", "execution_id", executionID)
	}
	return nil
}

// Evaluate advances the execution as far as the current durable state
// allows. Safe to call at any time, from any trigger.
func (b *Broker) Evaluate(ctx context.Context, executionID int64) error {
	mu := b.lockFor(executionID)
	mu.Lock()
	defer mu.Unlock()

	if b.db != nil && b.db.Dialector.Name() == "postgres" {
		return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", executionID).Error; err != nil {
				return err
			}
			return b.evaluate(dbctx.Context{Ctx: ctx, Tx: tx}, executionID)
		})
	}
	return b.evaluate(dbctx.Context{Ctx: ctx}, executionID)
}

func (b *Broker) evaluate(dbc dbctx.Context, executionID int64) error {
	execution, err := b.executions.GetByID(dbc, executionID)
	if err != nil {
		return err
	}
	if execution.Status == types.ExecutionCancelled {
		return nil
	}
	events, err := b.events.Read(dbc, executionID, 0, nil)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return fmt.Errorf("execution %d has no events", executionID)
	}
	jobs, err := b.queue.ListByExecution(dbc, executionID)
	if err != nil {
		return err
	}
	st := buildState(events, jobs)
	if st.finished {
		return b.syncTerminalStatus(dbc, executionID, st)
	}
	g, err := b.catalog.Graph(dbc, execution.CatalogID)
	if err != nil {
		return err
	}
	scope, err := b.render.Scopes().Build(dbc, executionID)
	if err != nil {
		return err
	}
	e := &evaluation{
		b:       b,
		dbc:     dbc,
		execID:  executionID,
		graph:   g,
		st:      st,
		scope:   scope,
		visited: map[string]bool{},
	}
	return e.run()
}

// syncTerminalStatus reconciles the execution row with a log that already
// carries a terminal event (a crash between append and the row update).
func (b *Broker) syncTerminalStatus(dbc dbctx.Context, executionID int64, st *execState) error {
	status := ""
	for i := len(st.events) - 1; i >= 0; i-- {
		switch st.events[i].EventType {
		case event.TypeExecutionComplete:
			status = types.ExecutionCompleted
		case event.TypeExecutionFailed:
			status = types.ExecutionFailed
		}
		if status != "" {
			break
		}
	}
	if status == "" {
		return nil
	}
	_, err := b.executions.SetTerminalStatus(dbc, executionID, status)
	return err
}

func (b *Broker) lockFor(executionID int64) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	mu, ok := b.locks[executionID]
	if !ok {
		mu = &sync.Mutex{}
		b.locks[executionID] = mu
	}
	return mu
}

// evaluation is the per-call walk state: one graph traversal over one
// snapshot of events and jobs.
type evaluation struct {
	b       *Broker
	dbc     dbctx.Context
	execID  int64
	graph   *playbook.Graph
	st      *execState
	scope   map[string]any
	visited map[string]bool
	pending []string

	// progressed flips when anything durable was written; a drained walk
	// with no progress, no active jobs and no terminal event is a stall.
	progressed bool
}

func (e *evaluation) run() error {
	e.push(e.graph.Start().Name)
	for len(e.pending) > 0 {
		name := e.pending[0]
		e.pending = e.pending[1:]
		if e.visited[name] {
			continue
		}
		e.visited[name] = true
		step, ok := e.graph.Step(name)
		if !ok {
			return e.failExecution(fmt.Sprintf("transition to unknown step %q", name), nil)
		}
		if err := e.processStep(step); err != nil {
			return err
		}
		if e.st.finished {
			return nil
		}
	}
	if !e.progressed && !e.anyActiveJobs() {
		return e.failExecution("workflow stalled: no runnable steps and no work in flight", nil)
	}
	return nil
}

func (e *evaluation) processStep(step *playbook.Step) error {
	name := step.Name
	if step.Action.Type == playbook.StepStart {
		return e.advance(step)
	}
	if e.st.terminal[name] {
		return e.advance(step)
	}
	preds := e.graph.Predecessors(name)
	for _, p := range preds {
		if !e.predTerminal(p) {
			return nil
		}
	}
	if len(preds) > 0 && step.Action.Type != playbook.StepEnd && e.allSkipped(preds) {
		return e.skipStep(step)
	}
	if step.Action.Type == playbook.StepEnd {
		return e.completeExecution(step)
	}
	if step.When != "" {
		ok, err := e.b.render.Renderer().RenderBool(e.dbc.Ctx, step.When, e.stepScope(step))
		if err != nil {
			return e.failExecution(fmt.Sprintf("step %q when: %v", name, err), nil)
		}
		if !ok {
			return e.skipStep(step)
		}
	}
	if step.Action.Type == playbook.StepIterator || step.Iterator != nil {
		return e.tickIterator(step)
	}
	if job, ok := e.st.jobs[name]; ok {
		switch job.Status {
		case types.JobDone:
			return e.completeStep(step)
		case types.JobFailed:
			return e.failExecution(fmt.Sprintf("step %q failed after retries: %s", name, job.Error), e.actionErrorParent(name))
		default:
			// pending, leased or cancelled; nothing to decide yet
			return nil
		}
	}
	return e.startAction(step)
}

// startAction emits step_started and enqueues the step's raw action spec.
// The worker renders the spec at execution time so it sees the freshest
// accumulated context.
func (e *evaluation) startAction(step *playbook.Step) error {
	if !e.st.stepStarted[step.Name] {
		_, err := e.append(&types.Event{
			EventType: event.TypeStepStarted,
			NodeID:    step.Name,
			NodeName:  step.Name,
			Status:    "started",
		})
		if err != nil {
			return err
		}
		e.st.stepStarted[step.Name] = true
	}
	raw, err := json.Marshal(step.Action)
	if err != nil {
		return fmt.Errorf("encode action spec for step %q: %w", step.Name, err)
	}
	inputContext, _ := json.Marshal(map[string]any{"step": step.Name})
	if _, err := e.b.queue.Enqueue(e.dbc, e.execID, step.Name, raw, inputContext, nil); err != nil {
		return err
	}
	e.progressed = true
	return nil
}

// completeStep records the broker-owned step_completed once the worker's job
// is done, then routes onward.
func (e *evaluation) completeStep(step *playbook.Step) error {
	var parent *int64
	if ae := e.st.lastEventOfType(step.Name, event.TypeActionCompleted); ae != nil {
		parent = &ae.EventID
	}
	_, err := e.append(&types.Event{
		EventType:     event.TypeStepCompleted,
		NodeID:        step.Name,
		NodeName:      step.Name,
		Status:        "completed",
		ParentEventID: parent,
	})
	if err != nil {
		return err
	}
	e.st.terminal[step.Name] = true
	e.refreshScope(step.Name)
	return e.advance(step)
}

func (e *evaluation) skipStep(step *playbook.Step) error {
	if !e.st.skipped[step.Name] {
		_, err := e.append(&types.Event{
			EventType: event.TypeStepSkip,
			NodeID:    step.Name,
			NodeName:  step.Name,
			Status:    "skipped",
		})
		if err != nil {
			return err
		}
		e.st.skipped[step.Name] = true
		e.st.terminal[step.Name] = true
	}
	return e.advance(step)
}

// advance routes from a terminal step: evaluates the next list, records the
// step_transition, skips the branches not taken and queues the selected
// targets for processing.
func (e *evaluation) advance(step *playbook.Step) error {
	if len(step.Next) == 0 {
		return nil
	}
	selected, unselected, err := e.route(step)
	if err != nil {
		return e.failExecution(fmt.Sprintf("step %q transitions: %v", step.Name, err), nil)
	}
	if !e.st.transitions[step.Name] && len(selected) > 0 {
		to, _ := json.Marshal(map[string]any{"to": selected})
		_, err := e.append(&types.Event{
			EventType: event.TypeStepTransition,
			NodeID:    step.Name,
			NodeName:  step.Name,
			Result:    datatypes.JSON(to),
		})
		if err != nil {
			return err
		}
		e.st.transitions[step.Name] = true
	}
	for _, t := range unselected {
		if err := e.skipTarget(t); err != nil {
			return err
		}
		if e.st.finished {
			return nil
		}
	}
	for _, t := range selected {
		e.push(t)
	}
	return nil
}

// route applies the transition tie-breaks: conditional entries evaluate in
// source order and the first true `when` wins outright; if none matches, the
// unconditional entries are the else branch (all of them, a parallel
// fan-out).
func (e *evaluation) route(step *playbook.Step) (selected, unselected []string, err error) {
	local := e.stepScope(step)
	var matched []string
	matchedSet := false
	var uncond []string
	var all []string
	for _, tr := range step.Next {
		all = append(all, tr.Then...)
		if tr.When == "" {
			uncond = append(uncond, tr.Then...)
			continue
		}
		if matchedSet {
			continue
		}
		ok, rErr := e.b.render.Renderer().RenderBool(e.dbc.Ctx, tr.When, local)
		if rErr != nil {
			return nil, nil, rErr
		}
		if ok {
			matched = tr.Then
			matchedSet = true
		}
	}
	selected = uncond
	if matchedSet {
		selected = matched
	}
	inSelected := make(map[string]bool, len(selected))
	for _, s := range selected {
		inSelected[s] = true
	}
	seen := map[string]bool{}
	for _, t := range all {
		if !inSelected[t] && !seen[t] {
			seen[t] = true
			unselected = append(unselected, t)
		}
	}
	return selected, unselected, nil
}

// skipTarget marks a branch-not-taken target skipped, but only once every
// predecessor is terminal; until then another still-running predecessor
// could legitimately select it.
func (e *evaluation) skipTarget(name string) error {
	step, ok := e.graph.Step(name)
	if !ok {
		return e.failExecution(fmt.Sprintf("transition to unknown step %q", name), nil)
	}
	if e.st.terminal[name] || e.st.stepStarted[name] {
		e.push(name)
		return nil
	}
	if _, hasJob := e.st.jobs[name]; hasJob {
		e.push(name)
		return nil
	}
	for _, p := range e.graph.Predecessors(name) {
		if !e.predTerminal(p) {
			return nil
		}
	}
	e.visited[name] = true
	return e.skipStep(step)
}

func (e *evaluation) completeExecution(step *playbook.Step) error {
	flipped, err := e.b.executions.SetTerminalStatus(e.dbc, e.execID, types.ExecutionCompleted)
	if err != nil {
		return err
	}
	if flipped {
		_, err = e.append(&types.Event{
			EventType: event.TypeExecutionComplete,
			NodeID:    step.Name,
			NodeName:  step.Name,
			Status:    types.ExecutionCompleted,
		})
		if err != nil {
			return err
		}
		e.b.log.Info("Execution completed", "execution_id", e.execID)
	}
	e.st.finished = true
	return nil
}

func (e *evaluation) failExecution(msg string, parent *int64) error {
	flipped, err := e.b.executions.SetTerminalStatus(e.dbc, e.execID, types.ExecutionFailed)
	if err != nil {
		return err
	}
	if flipped {
		_, err = e.append(&types.Event{
			EventType:     event.TypeExecutionFailed,
			Status:        types.ExecutionFailed,
			Error:         msg,
			ParentEventID: parent,
		})
		if err != nil {
			return err
		}
		e.b.log.Warn("Execution failed", "execution_id", e.execID, "error", msg)
	}
	if _, err := e.b.queue.Cancel(e.dbc, e.execID); err != nil {
		return err
	}
	e.st.finished = true
	return nil
}

func (e *evaluation) predTerminal(name string) bool {
	if name == e.graph.Start().Name {
		return true
	}
	return e.st.terminal[name]
}

func (e *evaluation) allSkipped(names []string) bool {
	for _, n := range names {
		if !e.st.skipped[n] {
			return false
		}
	}
	return true
}

func (e *evaluation) anyActiveJobs() bool {
	for _, j := range e.st.jobs {
		if j.Status == types.JobPending || j.Status == types.JobLeased {
			return true
		}
	}
	return false
}

// stepScope is the shared scope plus `this` bound to the step's own result.
func (e *evaluation) stepScope(step *playbook.Step) map[string]any {
	return render.Merge(e.scope, map[string]any{"this": e.scope[step.Name]})
}

// refreshScope rebinds a step's data from its latest step_result so routing
// decisions in this same walk see the result that just landed.
func (e *evaluation) refreshScope(name string) {
	if sr := e.st.lastEventOfType(name, event.TypeStepResult); sr != nil {
		e.scope = render.Merge(e.scope, map[string]any{name: map[string]any{"data": decodeJSON(sr.Result)}})
	}
}

func (e *evaluation) actionErrorParent(name string) *int64 {
	if ae := e.st.lastEventOfType(name, event.TypeActionError); ae != nil {
		return &ae.EventID
	}
	return nil
}

func (e *evaluation) push(name string) {
	if !e.visited[name] {
		e.pending = append(e.pending, name)
	}
}

func (e *evaluation) append(ev *types.Event) (int64, error) {
	ev.ExecutionID = e.execID
	id, err := e.b.events.Append(e.dbc, ev)
	if err != nil {
		return 0, err
	}
	e.progressed = true
	return id, nil
}

// mergeWorkload overlays the request workload on the playbook defaults; the
// request wins per key.
func mergeWorkload(defaults, override map[string]any) map[string]any {
	out := make(map[string]any, len(defaults)+len(override))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}
