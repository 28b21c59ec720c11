package playbook

// Playbook is the parsed YAML document: workload defaults, a workflow (step
// DAG) and a workbook of named reusable tasks.
type Playbook struct {
	Path     string         `yaml:"path" json:"path"`
	Workload map[string]any `yaml:"workload" json:"workload,omitempty"`
	Workbook []Task         `yaml:"workbook" json:"workbook,omitempty"`
	Workflow []Step         `yaml:"workflow" json:"workflow"`
}

// Task is a named reusable action definition referenced from steps.
type Task struct {
	Name   string     `yaml:"name" json:"name"`
	Action ActionSpec `yaml:",inline" json:"action"`
}

// Step is a node of the workflow DAG: an action, an iterator, or one of the
// terminals (start / end).
type Step struct {
	Name     string        `yaml:"step" json:"step"`
	Desc     string        `yaml:"desc" json:"desc,omitempty"`
	When     string        `yaml:"when" json:"when,omitempty"`
	Next     []Transition  `yaml:"next" json:"next,omitempty"`
	Action   ActionSpec    `yaml:",inline" json:"action"`
	Iterator *IteratorSpec `yaml:"iterator" json:"iterator,omitempty"`
}

// Step type names. A step with an empty type and a task reference inherits
// the workbook task's type during graph resolution.
const (
	StepStart    = "start"
	StepEnd      = "end"
	StepIterator = "iterator"
)

// Action kinds, the closed tagged variant dispatched by the worker.
const (
	ActionHTTP          = "http"
	ActionInlineCode    = "inline_code"
	ActionSQLAnalytics  = "sql_local_analytics"
	ActionSQLRelational = "sql_relational"
	ActionIteratorChild = "iterator_child"
	ActionSubPlaybook   = "subplaybook"
)

// ActionSpec carries every action kind's fields; Type selects which are
// meaningful. Specs travel to the queue as raw bytes so code and SQL reach
// the worker byte-identical.
type ActionSpec struct {
	Type string         `yaml:"type" json:"type,omitempty"`
	Task string         `yaml:"task" json:"task,omitempty"`
	With map[string]any `yaml:"with" json:"with,omitempty"`

	// http
	Method  string            `yaml:"method" json:"method,omitempty"`
	URL     string            `yaml:"url" json:"url,omitempty"`
	Headers map[string]string `yaml:"headers" json:"headers,omitempty"`
	Params  map[string]any    `yaml:"params" json:"params,omitempty"`
	Payload any               `yaml:"payload" json:"payload,omitempty"`

	// inline_code
	Runtime string `yaml:"runtime" json:"runtime,omitempty"`
	Code    string `yaml:"code" json:"code,omitempty"`

	// sql_local_analytics / sql_relational
	Statement  string `yaml:"statement" json:"statement,omitempty"`
	Credential string `yaml:"credential" json:"credential,omitempty"`
	Database   string `yaml:"database" json:"database,omitempty"`

	// subplaybook
	Playbook        string         `yaml:"playbook" json:"playbook,omitempty"`
	PlaybookVersion int            `yaml:"playbook_version" json:"playbook_version,omitempty"`
	Workload        map[string]any `yaml:"workload" json:"workload,omitempty"`

	// iterator_child wraps the per-item task here; the worker unwraps and
	// dispatches the inner spec with the `_loop` bindings in scope.
	Child *ActionSpec `yaml:"-" json:"child,omitempty"`

	Retry *RetrySpec `yaml:"retry" json:"retry,omitempty"`
	Save  *SaveSpec  `yaml:"save" json:"save,omitempty"`
}

// Transition is one entry of a step's next list. Two YAML forms are
// accepted:
//
//	- step: fetch                      # unconditional
//	- when: "{{ .a.data.ok }}"         # conditional, first true wins
//	  then: [report, notify]
type Transition struct {
	When string   `json:"when,omitempty"`
	Then []string `json:"then"`
}

func (t *Transition) UnmarshalYAML(unmarshal func(any) error) error {
	var aux struct {
		Step string   `yaml:"step"`
		When string   `yaml:"when"`
		Then []string `yaml:"then"`
	}
	if err := unmarshal(&aux); err != nil {
		return err
	}
	t.When = aux.When
	t.Then = aux.Then
	if aux.Step != "" {
		t.Then = append(t.Then, aux.Step)
	}
	return nil
}

// IteratorSpec describes per-item fan-out. Items are filtered by Where,
// sorted by OrderBy and truncated by Limit before iteration; aggregation
// order follows the post-sort order.
type IteratorSpec struct {
	Collection  any        `yaml:"collection" json:"collection"`
	Element     string     `yaml:"element" json:"element,omitempty"`
	Mode        string     `yaml:"mode" json:"mode,omitempty"`
	Concurrency int        `yaml:"concurrency" json:"concurrency,omitempty"`
	OrderBy     string     `yaml:"order_by" json:"order_by,omitempty"`
	Where       string     `yaml:"where" json:"where,omitempty"`
	Limit       int        `yaml:"limit" json:"limit,omitempty"`
	Chunk       int        `yaml:"chunk" json:"chunk,omitempty"`
	HaltOnError *bool      `yaml:"halt_on_error" json:"halt_on_error,omitempty"`
	Task        ActionSpec `yaml:"task" json:"task"`
}

const (
	IteratorSequential = "sequential"
	IteratorAsync      = "async"
)

// RetrySpec bounds re-attempts around one action execution. Attempts count
// includes the first try; max_attempts=1 means no retry.
type RetrySpec struct {
	MaxAttempts       int     `yaml:"max_attempts" json:"max_attempts,omitempty"`
	InitialDelayMS    int64   `yaml:"initial_delay_ms" json:"initial_delay_ms,omitempty"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier" json:"backoff_multiplier,omitempty"`
	MaxDelayMS        int64   `yaml:"max_delay_ms" json:"max_delay_ms,omitempty"`
	RetryWhen         string  `yaml:"retry_when" json:"retry_when,omitempty"`
	StopWhen          string  `yaml:"stop_when" json:"stop_when,omitempty"`
}

// SaveSpec persists a projection of a successful result before the job is
// acked.
type SaveSpec struct {
	Storage string `yaml:"storage" json:"storage"`
	Name    string `yaml:"name" json:"name,omitempty"`
	Key     string `yaml:"key" json:"key,omitempty"`
}

const (
	SaveStorageTransient = "transient"
	SaveStorageEvent     = "event"
)
