package actions

import (
	"errors"
	"strings"
	"testing"

	"github.com/nebula-cp/nebula/internal/model"
)

func TestSanitizeMeta_rejectsBannedKeys(t *testing.T) {
	for _, key := range []string{"__proto__", "prototype", "constructor"} {
		meta := model.Meta{"ok": 1, "nested": map[string]any{key: "x"}}
		if _, err := sanitizeMeta(meta); err == nil {
			t.Errorf("metadata with nested %q key accepted", key)
		}
	}
}

func TestSanitizeMeta_stripsBidiAndControl(t *testing.T) {
	meta := model.Meta{
		"name": "left\u202Eright",
		"list": []any{"a\u0007b", "plain"},
		"keep": "line\nbreak\ttab",
	}
	got, err := sanitizeMeta(meta)
	if err != nil {
		t.Fatalf("sanitizeMeta: %v", err)
	}
	if got["name"] != "leftright" {
		t.Errorf("bidi override survived: %q", got["name"])
	}
	list := got["list"].([]any)
	if list[0] != "ab" {
		t.Errorf("control char survived: %q", list[0])
	}
	if got["keep"] != "line\nbreak\ttab" {
		t.Errorf("newline/tab must survive: %q", got["keep"])
	}
}

func TestSanitizeMeta_nil(t *testing.T) {
	got, err := sanitizeMeta(nil)
	if err != nil {
		t.Fatalf("sanitizeMeta(nil): %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("want empty meta, got %v", got)
	}
}

func TestValidateEntityMeta(t *testing.T) {
	cases := []struct {
		name     string
		typeName string
		meta     model.Meta
		wantErr  bool
	}{
		{"person valid birthday", "person", model.Meta{"birthday": "1990-04-01"}, false},
		{"person bad birthday", "person", model.Meta{"birthday": "April 1st"}, true},
		{"person non-string birthday", "person", model.Meta{"birthday": 1990}, true},
		{"person no dates", "person", model.Meta{"city": "Lisbon"}, false},
		{"project valid repo", "project", model.Meta{"repo_url": "https://example.com/repo"}, false},
		{"project relative repo", "project", model.Meta{"repo_url": "/just/a/path"}, true},
		{"unknown type", "gadget", model.Meta{"anything": "goes"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateEntityMeta(tc.typeName, tc.meta)
			if (err != nil) != tc.wantErr {
				t.Errorf("validateEntityMeta(%s, %v) err = %v, wantErr %v", tc.typeName, tc.meta, err, tc.wantErr)
			}
		})
	}
}

func TestValidateSegments(t *testing.T) {
	meta := model.Meta{
		"context_segments": []model.ContextSegment{
			{Text: "a", Scopes: []string{"public"}},
			{Text: "b", Scopes: []string{"Personal"}},
		},
	}
	if err := validateSegments(meta, []string{"public", "personal"}); err != nil {
		t.Errorf("segments within record scopes rejected: %v", err)
	}
	if err := validateSegments(meta, []string{"public"}); err == nil {
		t.Error("segment scope outside the record's scopes accepted")
	}

	var modelErr *model.Error
	err := validateSegments(model.Meta{"context_segments": "{bad"}, []string{"public"})
	if !errors.As(err, &modelErr) || modelErr.Code != model.CodeInvalidInput {
		t.Errorf("malformed segments: got %v, want INVALID_INPUT", err)
	}
}

func TestValidateTags(t *testing.T) {
	got, err := validateTags([]string{" infra ", "", "q3\u202E"})
	if err != nil {
		t.Fatalf("validateTags: %v", err)
	}
	if len(got) != 2 || got[0] != "infra" || got[1] != "q3" {
		t.Errorf("tags = %v, want [infra q3]", got)
	}

	if _, err := validateTags(make([]string, model.MaxTags+1)); err == nil {
		t.Error("over-limit tag count accepted")
	}
	if _, err := validateTags([]string{strings.Repeat("x", model.MaxTagLen+1)}); err == nil {
		t.Error("over-length tag accepted")
	}
}

func TestRandBase36(t *testing.T) {
	s, err := randBase36(4)
	if err != nil {
		t.Fatalf("randBase36: %v", err)
	}
	if len(s) != 4 {
		t.Errorf("len = %d, want 4", len(s))
	}
	for _, r := range s {
		if !strings.ContainsRune(base36, r) {
			t.Errorf("unexpected rune %q in %q", r, s)
		}
	}
}
