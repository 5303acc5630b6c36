// Package canon implements a single, versioned parameter canonicaliser
// so idempotency hashing never depends on incidental call-site
// formatting differences. Version v1: object keys sorted
// lexicographically, strings trimmed, numbers normalized to their
// float64 textual form, and HH:MM time-of-day strings expanded to
// HH:MM:00.
package canon

import (
	"encoding/json"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Version is embedded alongside idempotency keys so a future canonicaliser
// change never silently collides with keys minted under an older rule.
const Version = "canon.v1"

var hhmmPattern = regexp.MustCompile(`^([01]\d|2[0-3]):([0-5]\d)$`)

// Canonicalize produces a byte-stable JSON representation of params: object
// keys in lexicographic order, strings trimmed, time-of-day strings
// normalized, numbers re-rendered through a fixed format. Idempotent:
// Canonicalize(Canonicalize(x)) == Canonicalize(x).
func Canonicalize(params map[string]any) ([]byte, error) {
	normalized := normalizeValue(params)
	return marshalSorted(normalized)
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			out[k] = normalizeValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, vv := range val {
			out[i] = normalizeValue(vv)
		}
		return out
	case string:
		s := strings.TrimSpace(val)
		if hhmmPattern.MatchString(s) {
			s = s + ":00"
		}
		return s
	case float64:
		return normalizeNumber(val)
	default:
		return val
	}
}

func normalizeNumber(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// marshalSorted re-marshals v with map keys in lexicographic order at
// every level.
func marshalSorted(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			b.Write(kb)
			b.WriteByte(':')
			vb, err := marshalSorted(val[k])
			if err != nil {
				return nil, err
			}
			b.Write(vb)
		}
		b.WriteByte('}')
		return []byte(b.String()), nil
	case []any:
		var b strings.Builder
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			ib, err := marshalSorted(item)
			if err != nil {
				return nil, err
			}
			b.Write(ib)
		}
		b.WriteByte(']')
		return []byte(b.String()), nil
	default:
		return json.Marshal(val)
	}
}
