package approval

import (
	"encoding/json"
	"testing"
)

func TestDiff_reportsChangedFieldsOnly(t *testing.T) {
	current := json.RawMessage(`{"name":"Atlas","status":"active","tags":["a"]}`)
	proposed := json.RawMessage(`{"name":"Atlas","status":"archived","priority":"high"}`)

	got, err := Diff(current, proposed)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("changes = %v, want 2 entries", got)
	}
	if c := got["status"]; c.Old != "active" || c.New != "archived" {
		t.Errorf("status change = %+v", c)
	}
	if c, ok := got["priority"]; !ok || c.Old != nil || c.New != "high" {
		t.Errorf("new field change = %+v", c)
	}
	if _, ok := got["name"]; ok {
		t.Error("unchanged field reported")
	}
}

func TestDiff_keyOrderDoesNotMatter(t *testing.T) {
	current := json.RawMessage(`{"metadata":{"a":1,"b":{"x":true,"y":false}}}`)
	proposed := json.RawMessage(`{"metadata":{"b":{"y":false,"x":true},"a":1}}`)

	got, err := Diff(current, proposed)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("reordered keys reported as changes: %v", got)
	}
}

func TestDiff_nestedValueChanges(t *testing.T) {
	current := json.RawMessage(`{"metadata":{"a":1},"tags":["x","y"]}`)
	proposed := json.RawMessage(`{"metadata":{"a":2},"tags":["y","x"]}`)

	got, err := Diff(current, proposed)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if _, ok := got["metadata"]; !ok {
		t.Error("nested value change missed")
	}
	// Arrays are ordered; a reordering is a change.
	if _, ok := got["tags"]; !ok {
		t.Error("array reordering missed")
	}
}

func TestDiff_noCurrentRecord(t *testing.T) {
	got, err := Diff(nil, json.RawMessage(`{"name":"Atlas"}`))
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if c := got["name"]; c.Old != nil || c.New != "Atlas" {
		t.Errorf("create diff = %+v", got)
	}
}

func TestDiff_malformedInput(t *testing.T) {
	if _, err := Diff(json.RawMessage(`{bad`), json.RawMessage(`{}`)); err == nil {
		t.Error("malformed current accepted")
	}
	if _, err := Diff(nil, json.RawMessage(`[1,2]`)); err == nil {
		t.Error("non-object proposal accepted")
	}
}
