package worker

import (
	"bytes"
	"encoding/json"
	"errors"
	"math/big"
	"strings"
)

// decodeJSON parses raw with arbitrary-precision numbers, so values reach
// the normalizer with the exact digits the source produced instead of a
// float64 approximation.
func decodeJSON(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after JSON value")
	}
	return out, nil
}

// NormalizeResult canonicalises an action result for the event log. The
// value is re-read with arbitrary-precision numbers so that a decimal which
// survives a float64 round trip stays a JSON number and anything wider is
// preserved as a string instead of being silently rounded.
func NormalizeResult(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	out, err := decodeJSON(raw)
	if err != nil {
		return v
	}
	return normalizeNumbers(out)
}

func normalizeNumbers(v any) any {
	switch tv := v.(type) {
	case json.Number:
		return normalizeNumber(tv)
	case map[string]any:
		for k, val := range tv {
			tv[k] = normalizeNumbers(val)
		}
		return tv
	case []any:
		for i, val := range tv {
			tv[i] = normalizeNumbers(val)
		}
		return tv
	default:
		return v
	}
}

func normalizeNumber(n json.Number) any {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := n.Int64(); err == nil {
			return i
		}
		// integer wider than int64: lossless only as text
		return s
	}
	f, err := n.Float64()
	if err != nil {
		return s
	}
	if floatRoundTrips(s, f) {
		return f
	}
	return s
}

// floatRoundTrips reports whether the decimal text denotes exactly the
// float64 it parses to. Compared at high precision so near misses like
// 0.1000000000000000055 degrade to text instead of rounding.
func floatRoundTrips(s string, f float64) bool {
	exact, _, err := big.ParseFloat(s, 10, 200, big.ToNearestEven)
	if err != nil {
		return false
	}
	asFloat := new(big.Float).SetPrec(200).SetFloat64(f)
	return exact.Cmp(asFloat) == 0
}
