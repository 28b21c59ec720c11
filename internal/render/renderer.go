package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"text/template"
)

/*
Renderer resolves template strings against an execution's accumulated
context. Rendering is deterministic: the same raw input and scope always
yield byte-identical output (tojson sorts map keys, template range over maps
iterates in key order). The only I/O a template can cause is a credential
lookup, which goes through the resolver capability; everything else is pure.
*/
type Renderer struct {
	creds CredentialResolver
}

// CredentialResolver is the renderer's only side-effect capability.
// Implementations decrypt on demand; resolved material never lands in the
// rendered output unless the template explicitly places it there.
type CredentialResolver interface {
	Resolve(ctx context.Context, name string) (map[string]any, error)
}

func New(creds CredentialResolver) *Renderer {
	return &Renderer{creds: creds}
}

// exprOnly matches a string that is one template expression and nothing
// else; such strings render to a typed value instead of text.
var exprOnly = regexp.MustCompile(`^\{\{([^{}]+)\}\}$`)

// RenderString resolves tmpl to text. Strings without template markers pass
// through untouched.
func (r *Renderer) RenderString(ctx context.Context, tmpl string, scope map[string]any) (string, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}
	t, err := template.New("spec").Option("missingkey=zero").Funcs(r.funcs(ctx)).Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("template parse: %w", err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, scope); err != nil {
		return "", fmt.Errorf("template execute: %w", err)
	}
	return strings.ReplaceAll(buf.String(), "<no value>", ""), nil
}

// RenderValue walks v and resolves every template string in place. A string
// that is exactly one expression yields its typed value (lists stay lists,
// numbers stay numbers); mixed text renders to a string.
func (r *Renderer) RenderValue(ctx context.Context, v any, scope map[string]any) (any, error) {
	switch tv := v.(type) {
	case string:
		if m := exprOnly.FindStringSubmatch(tv); m != nil {
			return r.renderExpr(ctx, m[1], scope)
		}
		return r.RenderString(ctx, tv, scope)
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, val := range tv {
			rendered, err := r.RenderValue(ctx, val, scope)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			out[k] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(tv))
		for i, val := range tv {
			rendered, err := r.RenderValue(ctx, val, scope)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}

// renderExpr evaluates a single expression and recovers its typed value by
// routing it through tojson.
func (r *Renderer) renderExpr(ctx context.Context, inner string, scope map[string]any) (any, error) {
	wrapped := "{{ tojson (" + strings.TrimSpace(inner) + ") }}"
	t, err := template.New("expr").Option("missingkey=zero").Funcs(r.funcs(ctx)).Parse(wrapped)
	if err != nil {
		return nil, fmt.Errorf("template parse: %w", err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, scope); err != nil {
		return nil, fmt.Errorf("template execute: %w", err)
	}
	var out any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		// tojson on unmarshalable values degrades to the raw text
		return buf.String(), nil
	}
	return out, nil
}

// RenderBool evaluates a condition template (`when`, `retry_when`,
// `stop_when`, transition guards). Empty conditions are true gates from the
// caller's perspective, so callers check for "" before calling.
func (r *Renderer) RenderBool(ctx context.Context, tmpl string, scope map[string]any) (bool, error) {
	v, err := r.RenderValue(ctx, tmpl, scope)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

func truthy(v any) bool {
	switch tv := v.(type) {
	case nil:
		return false
	case bool:
		return tv
	case string:
		s := strings.TrimSpace(strings.ToLower(tv))
		return s != "" && s != "false" && s != "0" && s != "no" && s != "null" && s != "none"
	case float64:
		return tv != 0
	case int:
		return tv != 0
	case int64:
		return tv != 0
	case []any:
		return len(tv) > 0
	case map[string]any:
		return len(tv) > 0
	default:
		return true
	}
}

func (r *Renderer) funcs(ctx context.Context) template.FuncMap {
	return template.FuncMap{
		// tojson is the safe quoting filter: deterministic (sorted keys),
		// valid JSON, no HTML escaping surprises for SQL/code payloads.
		"tojson": func(v any) (string, error) {
			var buf bytes.Buffer
			enc := json.NewEncoder(&buf)
			enc.SetEscapeHTML(false)
			if err := enc.Encode(v); err != nil {
				return "", err
			}
			return strings.TrimRight(buf.String(), "\n"), nil
		},
		"default": func(def any, v ...any) any {
			if len(v) == 0 || isEmpty(v[0]) {
				return def
			}
			return v[0]
		},
		"quote": func(v any) string {
			return fmt.Sprintf("%q", fmt.Sprint(v))
		},
		"upper": strings.ToUpper,
		"lower": strings.ToLower,
		"trim":  strings.TrimSpace,
		"credential": func(name string) (map[string]any, error) {
			if r.creds == nil {
				return nil, fmt.Errorf("no credential resolver configured")
			}
			return r.creds.Resolve(ctx, name)
		},
	}
}

func isEmpty(v any) bool {
	switch tv := v.(type) {
	case nil:
		return true
	case string:
		return tv == ""
	case []any:
		return len(tv) == 0
	case map[string]any:
		return len(tv) == 0
	case float64:
		return tv == 0
	case int:
		return tv == 0
	case bool:
		return !tv
	default:
		return false
	}
}
