package approval

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// FieldChange is one changed top-level field in a proposed update.
type FieldChange struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// Diff compares the current record against a proposed payload and returns
// the changed top-level fields. Values are compared by canonical JSON, so
// key order and whitespace differences never show up as changes.
func Diff(current, proposed json.RawMessage) (map[string]FieldChange, error) {
	var cur, prop map[string]any
	if len(current) > 0 {
		if err := json.Unmarshal(current, &cur); err != nil {
			return nil, fmt.Errorf("decode current record: %w", err)
		}
	}
	if err := json.Unmarshal(proposed, &prop); err != nil {
		return nil, fmt.Errorf("decode proposed change: %w", err)
	}

	out := make(map[string]FieldChange)
	for key, newVal := range prop {
		oldVal, had := cur[key]
		if !had {
			out[key] = FieldChange{Old: nil, New: newVal}
			continue
		}
		same, err := canonicalEqual(oldVal, newVal)
		if err != nil {
			return nil, err
		}
		if !same {
			out[key] = FieldChange{Old: oldVal, New: newVal}
		}
	}
	return out, nil
}

// canonicalEqual compares two decoded JSON values by their canonical
// serialization: maps with sorted keys, numbers as encoding/json renders
// them.
func canonicalEqual(a, b any) (bool, error) {
	ca, err := canonicalize(a)
	if err != nil {
		return false, err
	}
	cb, err := canonicalize(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ca, cb), nil
}

func canonicalize(v any) ([]byte, error) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			vb, err := canonicalize(t[k])
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	case []any:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			eb, err := canonicalize(e)
			if err != nil {
				return nil, err
			}
			buf.Write(eb)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	default:
		return json.Marshal(v)
	}
}
