package playbook

import (
	"strings"
	"testing"
)

const linearYAML = `
path: workflows/linear
workload:
  base: http://example.test
workflow:
  - step: start
    type: start
    next:
      - step: fetch
  - step: fetch
    type: http
    url: "{{ .workload.base }}/data"
    next:
      - step: end
  - step: end
    type: end
`

func TestParseLinear(t *testing.T) {
	pb, err := Parse([]byte(linearYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if pb.Path != "workflows/linear" {
		t.Fatalf("path = %q", pb.Path)
	}
	if len(pb.Workflow) != 3 {
		t.Fatalf("workflow steps = %d, want 3", len(pb.Workflow))
	}
	if pb.Workflow[1].Action.Type != ActionHTTP {
		t.Fatalf("fetch type = %q", pb.Workflow[1].Action.Type)
	}
	if got := pb.Workflow[0].Next[0].Then; len(got) != 1 || got[0] != "fetch" {
		t.Fatalf("start next = %v", got)
	}
}

func TestParseTransitionForms(t *testing.T) {
	pb, err := Parse([]byte(`
path: workflows/forms
workflow:
  - step: start
    type: start
    next:
      - when: "{{ .workload.hot }}"
        then: [a, b]
      - step: c
  - step: a
    type: http
    url: x
  - step: b
    type: http
    url: x
  - step: c
    type: http
    url: x
  - step: end
    type: end
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	next := pb.Workflow[0].Next
	if next[0].When == "" || len(next[0].Then) != 2 {
		t.Fatalf("conditional entry = %+v", next[0])
	}
	if next[1].When != "" || len(next[1].Then) != 1 || next[1].Then[0] != "c" {
		t.Fatalf("shorthand entry = %+v", next[1])
	}
}

func TestParseRejections(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing path",
			yaml: "workflow:\n  - step: start\n    type: start\n",
			want: "missing path",
		},
		{
			name: "empty workflow",
			yaml: "path: p\n",
			want: "empty workflow",
		},
		{
			name: "duplicate step",
			yaml: "path: p\nworkflow:\n  - step: start\n    type: start\n  - step: start\n    type: end\n",
			want: "duplicate step",
		},
		{
			name: "no start",
			yaml: "path: p\nworkflow:\n  - step: a\n    type: end\n",
			want: "exactly one start",
		},
		{
			name: "no end",
			yaml: "path: p\nworkflow:\n  - step: start\n    type: start\n",
			want: "no end step",
		},
		{
			name: "unknown type",
			yaml: "path: p\nworkflow:\n  - step: start\n    type: start\n  - step: a\n    type: teleport\n  - step: end\n    type: end\n",
			want: "unknown type",
		},
		{
			name: "unknown transition target",
			yaml: "path: p\nworkflow:\n  - step: start\n    type: start\n    next:\n      - step: ghost\n  - step: end\n    type: end\n",
			want: "unknown step",
		},
		{
			name: "unknown workbook task",
			yaml: "path: p\nworkflow:\n  - step: start\n    type: start\n  - step: a\n    task: nope\n  - step: end\n    type: end\n",
			want: "unknown workbook task",
		},
		{
			name: "iterator without spec",
			yaml: "path: p\nworkflow:\n  - step: start\n    type: start\n  - step: a\n    type: iterator\n  - step: end\n    type: end\n",
			want: "missing iterator spec",
		},
		{
			name: "iterator bad mode",
			yaml: "path: p\nworkflow:\n  - step: start\n    type: start\n  - step: a\n    type: iterator\n    iterator:\n      collection: [1]\n      mode: sideways\n      task:\n        type: http\n        url: x\n  - step: end\n    type: end\n",
			want: "unknown mode",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			if err == nil {
				t.Fatalf("expected error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error = %v, want substring %q", err, tc.want)
			}
		})
	}
}

func TestContentHashStable(t *testing.T) {
	a := ContentHash([]byte(linearYAML))
	b := ContentHash([]byte(linearYAML))
	if a != b {
		t.Fatalf("hash not stable: %s vs %s", a, b)
	}
	if c := ContentHash([]byte(linearYAML + "\n# comment")); c == a {
		t.Fatal("different content hashed identically")
	}
}
