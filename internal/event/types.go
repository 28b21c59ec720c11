package event

// The event type set is closed. The broker and workers only ever append
// these; anything else is rejected at the log boundary.
const (
	TypeExecutionStart    = "execution_start"
	TypeExecutionComplete = "execution_complete"
	TypeExecutionFailed   = "execution_failed"
	TypeStepStarted       = "step_started"
	TypeStepSkip          = "step_skip"
	TypeStepCompleted     = "step_completed"
	TypeActionStarted     = "action_started"
	TypeActionCompleted   = "action_completed"
	TypeActionError       = "action_error"
	TypeStepResult        = "step_result"
	TypeLoopStart         = "loop_start"
	TypeLoopIteration     = "loop_iteration"
	TypeLoopEnd           = "loop_end"
	TypeStepTransition    = "step_transition"
)

var validTypes = map[string]struct{}{
	TypeExecutionStart:    {},
	TypeExecutionComplete: {},
	TypeExecutionFailed:   {},
	TypeStepStarted:       {},
	TypeStepSkip:          {},
	TypeStepCompleted:     {},
	TypeActionStarted:     {},
	TypeActionCompleted:   {},
	TypeActionError:       {},
	TypeStepResult:        {},
	TypeLoopStart:         {},
	TypeLoopIteration:     {},
	TypeLoopEnd:           {},
	TypeStepTransition:    {},
}

func ValidType(t string) bool {
	_, ok := validTypes[t]
	return ok
}

// Terminal reports whether the type ends the whole execution.
func Terminal(t string) bool {
	return t == TypeExecutionComplete || t == TypeExecutionFailed
}

// CancelledReason is the canonical error string recorded when an in-flight
// action is stopped by execution cancellation.
const CancelledReason = "cancelled"
