package render

import (
	"context"
	"fmt"
	"reflect"
	"testing"
)

type staticResolver map[string]map[string]any

func (r staticResolver) Resolve(_ context.Context, name string) (map[string]any, error) {
	cred, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("credential %q not found", name)
	}
	return cred, nil
}

func TestRenderStringPassthrough(t *testing.T) {
	r := New(nil)
	out, err := r.RenderString(context.Background(), "plain text, no markers", nil)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out != "plain text, no markers" {
		t.Fatalf("out = %q", out)
	}
}

func TestRenderStringMixed(t *testing.T) {
	r := New(nil)
	scope := map[string]any{"workload": map[string]any{"base": "http://api.test", "page": float64(3)}}
	out, err := r.RenderString(context.Background(), "{{ .workload.base }}/items?page={{ .workload.page }}", scope)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out != "http://api.test/items?page=3" {
		t.Fatalf("out = %q", out)
	}
}

func TestRenderValueTyped(t *testing.T) {
	r := New(nil)
	scope := map[string]any{
		"workload": map[string]any{
			"items": []any{float64(3), float64(1), float64(2)},
			"limit": float64(5),
			"on":    true,
		},
	}
	cases := []struct {
		tmpl string
		want any
	}{
		{"{{ .workload.items }}", []any{float64(3), float64(1), float64(2)}},
		{"{{ .workload.limit }}", float64(5)},
		{"{{ .workload.on }}", true},
		{"{{ .workload.missing }}", nil},
	}
	for _, tc := range cases {
		got, err := r.RenderValue(context.Background(), tc.tmpl, scope)
		if err != nil {
			t.Fatalf("%s: %v", tc.tmpl, err)
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("%s = %#v, want %#v", tc.tmpl, got, tc.want)
		}
	}
}

func TestRenderValueWalksContainers(t *testing.T) {
	r := New(nil)
	scope := map[string]any{"name": "ada"}
	in := map[string]any{
		"greeting": "hello {{ .name }}",
		"nested":   []any{"{{ .name }}", "static"},
		"number":   42,
	}
	out, err := r.RenderValue(context.Background(), in, scope)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	m := out.(map[string]any)
	if m["greeting"] != "hello ada" {
		t.Fatalf("greeting = %v", m["greeting"])
	}
	if list := m["nested"].([]any); list[0] != "ada" || list[1] != "static" {
		t.Fatalf("nested = %v", list)
	}
	if m["number"] != 42 {
		t.Fatalf("number = %v", m["number"])
	}
}

func TestRenderDeterministic(t *testing.T) {
	r := New(nil)
	scope := map[string]any{
		"payload": map[string]any{"b": 2, "a": 1, "c": map[string]any{"z": 9, "y": 8}},
	}
	first, err := r.RenderString(context.Background(), "{{ tojson .payload }}", scope)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := r.RenderString(context.Background(), "{{ tojson .payload }}", scope)
		if err != nil {
			t.Fatalf("render: %v", err)
		}
		if again != first {
			t.Fatalf("render %d differs: %q vs %q", i, again, first)
		}
	}
	if first != `{"a":1,"b":2,"c":{"y":8,"z":9}}` {
		t.Fatalf("tojson = %q", first)
	}
}

func TestRenderBoolTruthiness(t *testing.T) {
	r := New(nil)
	scope := map[string]any{
		"flag":  true,
		"off":   false,
		"empty": "",
		"list":  []any{1},
		"none":  nil,
		"zero":  float64(0),
		"word":  "yes",
	}
	cases := []struct {
		tmpl string
		want bool
	}{
		{"{{ .flag }}", true},
		{"{{ .off }}", false},
		{"{{ .empty }}", false},
		{"{{ .list }}", true},
		{"{{ .none }}", false},
		{"{{ .zero }}", false},
		{"{{ .word }}", true},
		{"false", false},
		{"no", false},
		{"anything else", true},
	}
	for _, tc := range cases {
		got, err := r.RenderBool(context.Background(), tc.tmpl, scope)
		if err != nil {
			t.Fatalf("%s: %v", tc.tmpl, err)
		}
		if got != tc.want {
			t.Fatalf("%s = %v, want %v", tc.tmpl, got, tc.want)
		}
	}
}

func TestRenderDefaultFunc(t *testing.T) {
	r := New(nil)
	scope := map[string]any{"set": "value", "blank": ""}
	out, err := r.RenderValue(context.Background(), `{{ default "fallback" .blank }}`, scope)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out != "fallback" {
		t.Fatalf("out = %v", out)
	}
	out, err = r.RenderValue(context.Background(), `{{ default "fallback" .set }}`, scope)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out != "value" {
		t.Fatalf("out = %v", out)
	}
}

func TestRenderCredentialFunc(t *testing.T) {
	r := New(staticResolver{"pg_main": {"dsn": "postgres://db.test/app"}})
	out, err := r.RenderString(context.Background(), `{{ (credential "pg_main").dsn }}`, nil)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out != "postgres://db.test/app" {
		t.Fatalf("out = %q", out)
	}
	if _, err := r.RenderString(context.Background(), `{{ (credential "ghost").dsn }}`, nil); err == nil {
		t.Fatal("expected error for unknown credential")
	}
	if _, err := New(nil).RenderString(context.Background(), `{{ credential "x" }}`, nil); err == nil {
		t.Fatal("expected error without a resolver")
	}
}
