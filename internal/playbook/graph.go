package playbook

import "fmt"

/*
Graph is the directed step graph the broker walks: nodes are steps, edges
are next transitions. Workbook task references are resolved here so every
node carries a complete action spec; the evaluator never sees a bare task
name.
*/
type Graph struct {
	pb           *Playbook
	steps        map[string]*Step
	predecessors map[string][]string
	start        *Step
}

func NewGraph(pb *Playbook) (*Graph, error) {
	g := &Graph{
		pb:           pb,
		steps:        make(map[string]*Step, len(pb.Workflow)),
		predecessors: make(map[string][]string),
	}
	tasks := make(map[string]*Task, len(pb.Workbook))
	for i := range pb.Workbook {
		tasks[pb.Workbook[i].Name] = &pb.Workbook[i]
	}
	for i := range pb.Workflow {
		s := &pb.Workflow[i]
		if s.Action.Type == "" && s.Action.Task != "" {
			task, ok := tasks[s.Action.Task]
			if !ok {
				return nil, fmt.Errorf("step %q references unknown workbook task %q", s.Name, s.Action.Task)
			}
			resolved := mergeTask(task.Action, s.Action)
			s.Action = resolved
		}
		g.steps[s.Name] = s
		if s.Action.Type == StepStart {
			g.start = s
		}
	}
	for i := range pb.Workflow {
		s := &pb.Workflow[i]
		for _, tr := range s.Next {
			for _, target := range tr.Then {
				g.predecessors[target] = append(g.predecessors[target], s.Name)
			}
		}
	}
	if g.start == nil {
		return nil, fmt.Errorf("workflow has no start step")
	}
	return g, nil
}

// mergeTask overlays step-level fields on the workbook task definition. The
// step wins for everything it sets explicitly; `with` maps merge key-wise.
func mergeTask(task ActionSpec, step ActionSpec) ActionSpec {
	out := task
	out.Task = step.Task
	if len(step.With) > 0 {
		merged := make(map[string]any, len(task.With)+len(step.With))
		for k, v := range task.With {
			merged[k] = v
		}
		for k, v := range step.With {
			merged[k] = v
		}
		out.With = merged
	}
	if step.Retry != nil {
		out.Retry = step.Retry
	}
	if step.Save != nil {
		out.Save = step.Save
	}
	return out
}

func (g *Graph) Start() *Step { return g.start }

func (g *Graph) Step(name string) (*Step, bool) {
	s, ok := g.steps[name]
	return s, ok
}

// Predecessors returns the names of every step with a transition into name,
// in workflow order. Join semantics wait on all of them.
func (g *Graph) Predecessors(name string) []string {
	return g.predecessors[name]
}

func (g *Graph) Steps() map[string]*Step { return g.steps }

func (g *Graph) Playbook() *Playbook { return g.pb }
