package model

import (
	"encoding/json"
	"fmt"
)

// Meta is the open metadata container attached to most records. Shape-typed
// validation per entity type happens in the action executors; Meta itself is
// schemaless.
type Meta map[string]any

// segmentsKey is the metadata key holding scope-sliced context segments.
const segmentsKey = "context_segments"

// ContextSegment is a per-scope slice of a record's metadata. Segments whose
// scopes do not intersect the caller's effective scopes are filtered out of
// responses.
type ContextSegment struct {
	Text   string   `json:"text"`
	Scopes []string `json:"scopes"`
}

// Segments extracts the context_segments entry, accepting both the parsed
// ([]ContextSegment / []any) and serialized (string / json.RawMessage) forms.
// Returns nil when no segments are present.
func (m Meta) Segments() ([]ContextSegment, error) {
	raw, ok := m[segmentsKey]
	if !ok || raw == nil {
		return nil, nil
	}

	switch v := raw.(type) {
	case []ContextSegment:
		return v, nil
	case string:
		return decodeSegments([]byte(v))
	case json.RawMessage:
		return decodeSegments(v)
	default:
		// Round-trip through JSON covers []any and []map[string]any.
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal context_segments: %w", err)
		}
		return decodeSegments(b)
	}
}

func decodeSegments(b []byte) ([]ContextSegment, error) {
	var segs []ContextSegment
	if err := json.Unmarshal(b, &segs); err != nil {
		return nil, fmt.Errorf("decode context_segments: %w", err)
	}
	return segs, nil
}

// WithSegments returns a shallow copy of m with context_segments replaced.
// A nil slice removes the key entirely.
func (m Meta) WithSegments(segs []ContextSegment) Meta {
	out := make(Meta, len(m))
	for k, v := range m {
		if k == segmentsKey {
			continue
		}
		out[k] = v
	}
	if segs != nil {
		out[segmentsKey] = segs
	}
	return out
}
