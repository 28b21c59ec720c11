package broker

import (
	"encoding/json"
	"fmt"
	"sort"

	"gorm.io/datatypes"

	types "github.com/noetl/noetl/internal/domain"
	"github.com/noetl/noetl/internal/event"
	"github.com/noetl/noetl/internal/playbook"
	"github.com/noetl/noetl/internal/render"
)

/*
Iterator control. The controller is as stateless as the rest of the broker:
the frozen item list lives in the loop_start event, launches are recorded as
loop_iteration events, per-item outcomes are the child jobs and their
action_completed / action_error events, and loop_end carries the aggregation
ordered by result_index. Each tick re-derives everything and pushes the loop
at most one window forward.
*/

const defaultAsyncConcurrency = 4

func (e *evaluation) tickIterator(step *playbook.Step) error {
	it := step.Iterator
	if it == nil {
		return e.failExecution(fmt.Sprintf("step %q has iterator type but no iterator spec", step.Name), nil)
	}
	items, err := e.loopItems(step)
	if err != nil {
		return e.failExecution(fmt.Sprintf("step %q iterator: %v", step.Name, err), nil)
	}
	if e.st.finished {
		return nil
	}
	if len(items) == 0 {
		return e.finishLoop(step, []any{})
	}

	haltOnError := true
	if it.HaltOnError != nil {
		haltOnError = *it.HaltOnError
	}

	children := make([]childState, len(items))
	terminalCount := 0
	firstFailure := -1
	for i := range items {
		job := e.st.jobs[childNodeID(step.Name, i)]
		children[i] = childState{job: job}
		if job == nil {
			continue
		}
		switch job.Status {
		case types.JobDone:
			children[i].done = true
			terminalCount++
		case types.JobFailed:
			terminalCount++
			if firstFailure < 0 {
				firstFailure = i
			}
		case types.JobCancelled:
			terminalCount++
		}
	}

	if firstFailure >= 0 && haltOnError {
		nodeID := childNodeID(step.Name, firstFailure)
		msg := fmt.Sprintf("iterator %q item %d failed: %s", step.Name, firstFailure, children[firstFailure].job.Error)
		return e.failExecution(msg, e.actionErrorParent(nodeID))
	}

	if terminalCount == len(items) {
		results := make([]any, len(items))
		for i := range items {
			nodeID := childNodeID(step.Name, i)
			if children[i].done {
				if ae := e.st.lastEventOfType(nodeID, event.TypeActionCompleted); ae != nil {
					results[i] = decodeJSON(ae.Result)
				}
				continue
			}
			errMsg := event.CancelledReason
			if children[i].job != nil && children[i].job.Error != "" {
				errMsg = children[i].job.Error
			}
			results[i] = map[string]any{"error": errMsg, "result_index": i}
		}
		return e.finishLoop(step, results)
	}

	// launch window
	launches := e.launchWindow(it, children, func(i int) bool { return children[i].job != nil })
	for _, i := range launches {
		if err := e.launchChild(step, it, items, i); err != nil {
			return err
		}
	}
	return nil
}

type childState struct {
	job  *types.QueueJob
	done bool
}

// launchWindow picks the item indexes to enqueue this tick. Sequential mode
// admits one item at a time in order; async mode keeps up to concurrency
// items outstanding, admitting in index order.
func (e *evaluation) launchWindow(it *playbook.IteratorSpec, children []childState, launched func(int) bool) []int {
	mode := it.Mode
	if mode == "" {
		mode = playbook.IteratorSequential
	}
	var out []int
	if mode == playbook.IteratorSequential {
		for i := range children {
			if !launched(i) {
				out = append(out, i)
				break
			}
			if j := children[i].job; j != nil && !j.Terminal() {
				break
			}
		}
		return out
	}
	window := it.Concurrency
	if window <= 0 {
		window = defaultAsyncConcurrency
	}
	outstanding := 0
	for i := range children {
		if j := children[i].job; j != nil && !j.Terminal() {
			outstanding++
		}
	}
	for i := range children {
		if outstanding >= window {
			break
		}
		if !launched(i) {
			out = append(out, i)
			outstanding++
		}
	}
	return out
}

func (e *evaluation) launchChild(step *playbook.Step, it *playbook.IteratorSpec, items []any, i int) error {
	nodeID := childNodeID(step.Name, i)
	elem := it.Element
	if elem == "" {
		elem = "item"
	}
	loopMeta := map[string]any{
		"result_index": i,
		"element":      items[i],
		"parent_step":  step.Name,
	}
	metaRaw, _ := json.Marshal(loopMeta)
	_, err := e.append(&types.Event{
		EventType: event.TypeLoopIteration,
		NodeID:    nodeID,
		NodeName:  step.Name,
		LoopMeta:  datatypes.JSON(metaRaw),
	})
	if err != nil {
		return err
	}
	spec := playbook.ActionSpec{
		Type:  playbook.ActionIteratorChild,
		Child: cloneSpec(it.Task),
	}
	raw, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("encode child spec: %w", err)
	}
	inputContext, _ := json.Marshal(map[string]any{
		"this":  items[i],
		elem:    items[i],
		"_loop": loopMeta,
	})
	if _, err := e.b.queue.Enqueue(e.dbc, e.execID, nodeID, raw, inputContext, nil); err != nil {
		return err
	}
	e.progressed = true
	return nil
}

// loopItems returns the frozen item list, materialising it on the first
// tick: render the collection, filter, sort, truncate, chunk, then persist
// the result inside loop_start so every later tick and every replica sees
// the identical list.
func (e *evaluation) loopItems(step *playbook.Step) ([]any, error) {
	if ls := e.st.loopStart[step.Name]; ls != nil {
		var items []any
		if err := json.Unmarshal(ls.Result, &items); err != nil {
			return nil, fmt.Errorf("decode loop_start items: %w", err)
		}
		return items, nil
	}
	it := step.Iterator
	rendered, err := e.b.render.Renderer().RenderValue(e.dbc.Ctx, it.Collection, e.stepScope(step))
	if err != nil {
		return nil, fmt.Errorf("render collection: %w", err)
	}
	items, ok := rendered.([]any)
	if !ok {
		return nil, fmt.Errorf("collection rendered to %T, want a list", rendered)
	}
	elem := it.Element
	if elem == "" {
		elem = "item"
	}
	if it.Where != "" {
		kept := items[:0:0]
		for _, item := range items {
			local := render.Merge(e.scope, map[string]any{elem: item, "_loop": map[string]any{"element": item}})
			ok, err := e.b.render.Renderer().RenderBool(e.dbc.Ctx, it.Where, local)
			if err != nil {
				return nil, fmt.Errorf("where: %w", err)
			}
			if ok {
				kept = append(kept, item)
			}
		}
		items = kept
	}
	if it.OrderBy != "" {
		keys := make([]any, len(items))
		for i, item := range items {
			local := render.Merge(e.scope, map[string]any{elem: item})
			key, err := e.b.render.Renderer().RenderValue(e.dbc.Ctx, it.OrderBy, local)
			if err != nil {
				return nil, fmt.Errorf("order_by: %w", err)
			}
			keys[i] = key
		}
		idx := make([]int, len(items))
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(a, b int) bool { return lessKey(keys[idx[a]], keys[idx[b]]) })
		sorted := make([]any, len(items))
		for i, j := range idx {
			sorted[i] = items[j]
		}
		items = sorted
	}
	if it.Limit > 0 && len(items) > it.Limit {
		items = items[:it.Limit]
	}
	if it.Chunk > 0 {
		var chunks []any
		for start := 0; start < len(items); start += it.Chunk {
			end := start + it.Chunk
			if end > len(items) {
				end = len(items)
			}
			chunks = append(chunks, append([]any{}, items[start:end]...))
		}
		items = chunks
	}

	if !e.st.stepStarted[step.Name] {
		_, err := e.append(&types.Event{
			EventType: event.TypeStepStarted,
			NodeID:    step.Name,
			NodeName:  step.Name,
			Status:    "started",
		})
		if err != nil {
			return nil, err
		}
		e.st.stepStarted[step.Name] = true
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("encode items: %w", err)
	}
	metaRaw, _ := json.Marshal(map[string]any{"count": len(items)})
	ls := &types.Event{
		EventType: event.TypeLoopStart,
		NodeID:    step.Name,
		NodeName:  step.Name,
		Result:    datatypes.JSON(raw),
		LoopMeta:  datatypes.JSON(metaRaw),
	}
	if _, err := e.append(ls); err != nil {
		return nil, err
	}
	e.st.loopStart[step.Name] = ls
	// normalise through JSON so first-tick items match what later ticks
	// decode from the stored event
	var normalised []any
	if err := json.Unmarshal(raw, &normalised); err != nil {
		return nil, err
	}
	return normalised, nil
}

// finishLoop records loop_end with the index-ordered aggregation, binds the
// list as the step's data and routes onward.
func (e *evaluation) finishLoop(step *playbook.Step, results []any) error {
	raw, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("encode loop results: %w", err)
	}
	metaRaw, _ := json.Marshal(map[string]any{"count": len(results)})
	_, err = e.append(&types.Event{
		EventType: event.TypeLoopEnd,
		NodeID:    step.Name,
		NodeName:  step.Name,
		Status:    "completed",
		Result:    datatypes.JSON(raw),
		LoopMeta:  datatypes.JSON(metaRaw),
	})
	if err != nil {
		return err
	}
	_, err = e.append(&types.Event{
		EventType: event.TypeStepResult,
		NodeID:    step.Name,
		NodeName:  step.Name,
		Result:    datatypes.JSON(raw),
	})
	if err != nil {
		return err
	}
	e.st.terminal[step.Name] = true
	e.scope = render.Merge(e.scope, map[string]any{step.Name: map[string]any{"data": decodeJSON(raw)}})
	return e.advance(step)
}

func childNodeID(stepName string, index int) string {
	return fmt.Sprintf("%s[%d]", stepName, index)
}

func cloneSpec(spec playbook.ActionSpec) *playbook.ActionSpec {
	out := spec
	return &out
}

// lessKey orders sort keys numerically when both sides are numbers,
// lexically otherwise.
func lessKey(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af < bf
	}
	return fmt.Sprint(a) < fmt.Sprint(b)
}

func toFloat(v any) (float64, bool) {
	switch tv := v.(type) {
	case float64:
		return tv, true
	case int:
		return float64(tv), true
	case int64:
		return float64(tv), true
	case json.Number:
		f, err := tv.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
