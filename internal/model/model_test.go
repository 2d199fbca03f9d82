package model

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestError_IsMatchesByCode(t *testing.T) {
	err := ErrNotFound("entity")
	if !errors.Is(err, &Error{Code: CodeNotFound}) {
		t.Error("errors.Is must match on code alone")
	}
	if errors.Is(err, &Error{Code: CodeForbidden}) {
		t.Error("errors.Is must not match a different code")
	}
	if errors.Is(err, errors.New("entity not found")) {
		t.Error("errors.Is must not match a plain error")
	}
}

func TestError_messageShape(t *testing.T) {
	plain := ErrConflict("duplicate name")
	if got := plain.Error(); got != "CONFLICT: duplicate name" {
		t.Errorf("plain message = %q", got)
	}
	fielded := ErrInvalid("tags", "too many")
	if got := fielded.Error(); got != `INVALID_INPUT: too many (field "tags")` {
		t.Errorf("fielded message = %q", got)
	}
}

func TestValidJobPriority(t *testing.T) {
	for _, p := range []JobPriority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical} {
		if !ValidJobPriority(p) {
			t.Errorf("ValidJobPriority(%q) = false", p)
		}
	}
	for _, p := range []JobPriority{"", "urgent", "LOW"} {
		if ValidJobPriority(p) {
			t.Errorf("ValidJobPriority(%q) = true", p)
		}
	}
}

func TestValidNodeType(t *testing.T) {
	for _, n := range []NodeType{NodeEntity, NodeKnowledge, NodeLog, NodeJob, NodeAgent, NodeFile, NodeProtocol} {
		if !ValidNodeType(n) {
			t.Errorf("ValidNodeType(%q) = false", n)
		}
	}
	if ValidNodeType("user") {
		t.Error(`ValidNodeType("user") = true`)
	}
}

func TestMeta_Segments_forms(t *testing.T) {
	want := []ContextSegment{{Text: "a", Scopes: []string{"work"}}}
	serialized, _ := json.Marshal(want)

	cases := []struct {
		name string
		raw  any
	}{
		{"typed slice", want},
		{"string", string(serialized)},
		{"raw message", json.RawMessage(serialized)},
		{"decoded any", []any{map[string]any{"text": "a", "scopes": []any{"work"}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := Meta{"context_segments": tc.raw}
			segs, err := m.Segments()
			if err != nil {
				t.Fatalf("Segments: %v", err)
			}
			if len(segs) != 1 || segs[0].Text != "a" || len(segs[0].Scopes) != 1 || segs[0].Scopes[0] != "work" {
				t.Errorf("segments = %+v, want %+v", segs, want)
			}
		})
	}
}

func TestMeta_Segments_absentAndMalformed(t *testing.T) {
	segs, err := Meta{"title": "x"}.Segments()
	if err != nil || segs != nil {
		t.Errorf("absent key: got %v, %v", segs, err)
	}
	if _, err := (Meta{"context_segments": "{bad"}).Segments(); err == nil {
		t.Error("malformed segments must error")
	}
}

func TestMeta_WithSegments(t *testing.T) {
	m := Meta{"title": "x", "context_segments": "old"}

	stripped := m.WithSegments(nil)
	if _, ok := stripped["context_segments"]; ok {
		t.Error("nil slice must remove the key")
	}
	if stripped["title"] != "x" {
		t.Error("other keys must be copied")
	}

	replaced := m.WithSegments([]ContextSegment{{Text: "new"}})
	segs, err := replaced.Segments()
	if err != nil || len(segs) != 1 || segs[0].Text != "new" {
		t.Errorf("replaced segments = %+v, %v", segs, err)
	}
	if m["context_segments"] != "old" {
		t.Error("WithSegments must not mutate the receiver")
	}
}

func TestReviewDetails_Empty(t *testing.T) {
	no := false
	cases := []struct {
		name string
		d    *ReviewDetails
		want bool
	}{
		{"nil", nil, true},
		{"zero", &ReviewDetails{}, true},
		{"scopes", &ReviewDetails{GrantScopes: []string{"work"}}, false},
		{"approval flag", &ReviewDetails{GrantRequiresApproval: &no}, false},
	}
	for _, tc := range cases {
		if got := tc.d.Empty(); got != tc.want {
			t.Errorf("%s: Empty() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestEnrollmentSession_Expired(t *testing.T) {
	now := time.Now()
	s := &EnrollmentSession{ExpiresAt: now.Add(time.Minute)}
	if s.Expired(now) {
		t.Error("session inside the window reported expired")
	}
	if !s.Expired(now.Add(2 * time.Minute)) {
		t.Error("session past the window reported live")
	}
}
