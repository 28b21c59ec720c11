package broker

import (
	"encoding/json"

	types "github.com/noetl/noetl/internal/domain"
	"github.com/noetl/noetl/internal/event"
)

/*
execState is the broker's view of one execution, derived entirely from the
event log and the queue rows. The broker holds no state across evaluations;
everything here is rebuilt on every tick.
*/
type execState struct {
	events []*types.Event

	byNode map[string][]*types.Event

	// terminal step nodes: step_completed, step_skip or loop_end. A skipped
	// step counts as a terminal predecessor for join purposes.
	terminal map[string]bool
	skipped  map[string]bool

	stepStarted map[string]bool
	transitions map[string]bool // step_transition emitted, keyed by source node

	loopStart map[string]*types.Event

	// jobs holds the latest queue row per node id.
	jobs map[string]*types.QueueJob

	finished bool // execution_complete or execution_failed present
}

func buildState(events []*types.Event, jobs []*types.QueueJob) *execState {
	st := &execState{
		events:      events,
		byNode:      map[string][]*types.Event{},
		terminal:    map[string]bool{},
		skipped:     map[string]bool{},
		stepStarted: map[string]bool{},
		transitions: map[string]bool{},
		loopStart:   map[string]*types.Event{},
		jobs:        map[string]*types.QueueJob{},
	}
	for _, e := range events {
		if e.NodeID != "" {
			st.byNode[e.NodeID] = append(st.byNode[e.NodeID], e)
		}
		switch e.EventType {
		case event.TypeExecutionComplete, event.TypeExecutionFailed:
			st.finished = true
		case event.TypeStepCompleted, event.TypeLoopEnd:
			st.terminal[e.NodeID] = true
		case event.TypeStepSkip:
			st.terminal[e.NodeID] = true
			st.skipped[e.NodeID] = true
		case event.TypeStepStarted:
			st.stepStarted[e.NodeID] = true
		case event.TypeStepTransition:
			st.transitions[e.NodeID] = true
		case event.TypeLoopStart:
			st.loopStart[e.NodeID] = e
		}
	}
	for _, j := range jobs {
		prev, ok := st.jobs[j.NodeID]
		if !ok || j.JobID > prev.JobID {
			st.jobs[j.NodeID] = j
		}
	}
	return st
}

// nodeActive reports whether a queue job for the node is still pending or
// leased; evaluation stops advancing past such nodes.
func (st *execState) nodeActive(nodeID string) bool {
	j, ok := st.jobs[nodeID]
	return ok && (j.Status == types.JobPending || j.Status == types.JobLeased)
}

// nodeFailed returns the failed queue row for a node once the worker has
// exhausted its retries, nil otherwise.
func (st *execState) nodeFailed(nodeID string) *types.QueueJob {
	j, ok := st.jobs[nodeID]
	if ok && j.Status == types.JobFailed {
		return j
	}
	return nil
}

// lastEventOfType scans a node's events backwards for the newest of type t.
func (st *execState) lastEventOfType(nodeID, t string) *types.Event {
	evs := st.byNode[nodeID]
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].EventType == t {
			return evs[i]
		}
	}
	return nil
}

// firstActionError finds the root-cause action_error for failure reporting.
func (st *execState) firstActionError() *types.Event {
	for _, e := range st.events {
		if e.EventType == event.TypeActionError {
			return e
		}
	}
	return nil
}

func decodeJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}
