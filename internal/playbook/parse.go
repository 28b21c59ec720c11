package playbook

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Parse decodes a playbook document and validates the workflow shape. The
// returned playbook is ready for graph construction; template strings inside
// are left untouched.
func Parse(contentYAML []byte) (*Playbook, error) {
	var pb Playbook
	if err := yaml.Unmarshal(contentYAML, &pb); err != nil {
		return nil, fmt.Errorf("parse playbook: %w", err)
	}
	if strings.TrimSpace(pb.Path) == "" {
		return nil, fmt.Errorf("playbook missing path")
	}
	if len(pb.Workflow) == 0 {
		return nil, fmt.Errorf("playbook %q has an empty workflow", pb.Path)
	}
	if err := validate(&pb); err != nil {
		return nil, fmt.Errorf("playbook %q: %w", pb.Path, err)
	}
	return &pb, nil
}

// ContentHash is the catalog's content address: sha256 over the raw YAML.
func ContentHash(contentYAML []byte) string {
	sum := sha256.Sum256(contentYAML)
	return hex.EncodeToString(sum[:])
}

func validate(pb *Playbook) error {
	seen := map[string]bool{}
	tasks := map[string]bool{}
	for _, t := range pb.Workbook {
		if strings.TrimSpace(t.Name) == "" {
			return fmt.Errorf("workbook task missing name")
		}
		if tasks[t.Name] {
			return fmt.Errorf("duplicate workbook task %q", t.Name)
		}
		tasks[t.Name] = true
	}

	startCount := 0
	endCount := 0
	for i := range pb.Workflow {
		s := &pb.Workflow[i]
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("workflow step %d missing name", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate step %q", s.Name)
		}
		seen[s.Name] = true
		switch s.Action.Type {
		case StepStart:
			startCount++
		case StepEnd:
			endCount++
		case StepIterator:
			if s.Iterator == nil {
				return fmt.Errorf("iterator step %q missing iterator spec", s.Name)
			}
			if s.Iterator.Mode != "" && s.Iterator.Mode != IteratorSequential && s.Iterator.Mode != IteratorAsync {
				return fmt.Errorf("iterator step %q: unknown mode %q", s.Name, s.Iterator.Mode)
			}
		case ActionHTTP, ActionInlineCode, ActionSQLAnalytics, ActionSQLRelational, ActionSubPlaybook:
			// action kinds are validated at render time
		case "":
			if s.Action.Task == "" {
				return fmt.Errorf("step %q has neither a type nor a workbook task", s.Name)
			}
			if !tasks[s.Action.Task] {
				return fmt.Errorf("step %q references unknown workbook task %q", s.Name, s.Action.Task)
			}
		default:
			return fmt.Errorf("step %q: unknown type %q", s.Name, s.Action.Type)
		}
	}
	if startCount != 1 {
		return fmt.Errorf("workflow needs exactly one start step, found %d", startCount)
	}
	if endCount == 0 {
		return fmt.Errorf("workflow has no end step")
	}

	for i := range pb.Workflow {
		s := &pb.Workflow[i]
		for _, tr := range s.Next {
			for _, target := range tr.Then {
				if !seen[target] {
					return fmt.Errorf("step %q transitions to unknown step %q", s.Name, target)
				}
			}
		}
	}
	return nil
}
