package worker

import (
	"reflect"
	"testing"
)

func TestNormalizeIntegers(t *testing.T) {
	out := NormalizeResult(map[string]any{
		"count": 42,
		"big":   int64(1) << 62,
		"neg":   -7,
	})
	m := out.(map[string]any)
	if m["count"] != int64(42) {
		t.Fatalf("count = %#v", m["count"])
	}
	if m["big"] != int64(1)<<62 {
		t.Fatalf("big = %#v", m["big"])
	}
	if m["neg"] != int64(-7) {
		t.Fatalf("neg = %#v", m["neg"])
	}
}

func TestNormalizeWideIntegerDegradesToText(t *testing.T) {
	// one past MaxInt64; only representable losslessly as text
	got := normalizeNumber("9223372036854775808")
	if got != "9223372036854775808" {
		t.Fatalf("wide integer = %#v", got)
	}
}

func TestNormalizeFloats(t *testing.T) {
	if got := normalizeNumber("0.5"); got != 0.5 {
		t.Fatalf("0.5 = %#v", got)
	}
	if got := normalizeNumber("2.5e3"); got != 2500.0 {
		t.Fatalf("2.5e3 = %#v", got)
	}
	// a decimal that is not exactly any float64 stays text
	if got := normalizeNumber("0.1000000000000000055"); got != "0.1000000000000000055" {
		t.Fatalf("near-miss decimal = %#v", got)
	}
}

func TestNormalizeNested(t *testing.T) {
	out := NormalizeResult(map[string]any{
		"rows": []any{
			map[string]any{"n": 1, "ratio": 0.25},
			map[string]any{"n": 2, "ratio": 0.75},
		},
	})
	want := map[string]any{
		"rows": []any{
			map[string]any{"n": int64(1), "ratio": 0.25},
			map[string]any{"n": int64(2), "ratio": 0.75},
		},
	}
	if !reflect.DeepEqual(out, want) {
		t.Fatalf("out = %#v", out)
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	in := map[string]any{"a": int64(1), "b": 0.5, "c": "text", "d": []any{int64(2)}}
	once := NormalizeResult(in)
	twice := NormalizeResult(once)
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("not idempotent: %#v vs %#v", once, twice)
	}
}

func TestNormalizeNonNumeric(t *testing.T) {
	out := NormalizeResult(map[string]any{"s": "42", "b": true, "null": nil})
	m := out.(map[string]any)
	if m["s"] != "42" || m["b"] != true || m["null"] != nil {
		t.Fatalf("out = %#v", m)
	}
}
