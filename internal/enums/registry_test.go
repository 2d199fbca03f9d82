package enums

import (
	"errors"
	"strings"
	"testing"

	"github.com/nebula-cp/nebula/internal/model"
)

func testSnapshot() *Snapshot {
	s := &Snapshot{}
	s.statusByName, s.statusByID = index([]model.TaxonomyRow{
		{ID: 1, Name: "active", Builtin: true},
		{ID: 2, Name: "archived", Builtin: true},
	})
	s.scopeByName, s.scopeByID = index([]model.TaxonomyRow{
		{ID: 10, Name: "public", Builtin: true},
		{ID: 11, Name: "work", Builtin: true},
		{ID: 12, Name: "Q3 Planning"},
	})
	s.entityTypeByName, s.entityTypeByID = index([]model.TaxonomyRow{
		{ID: 20, Name: "person", Builtin: true},
	})
	s.logTypeByName, s.logTypeByID = index([]model.TaxonomyRow{
		{ID: 30, Name: "note", Builtin: true},
	})
	s.relTypeByName = map[string]model.RelationshipTypeRow{
		"knows": {TaxonomyRow: model.TaxonomyRow{ID: 40, Name: "knows"}, Symmetric: true},
	}
	s.relTypeByID = map[int]model.RelationshipTypeRow{
		40: s.relTypeByName["knows"],
	}
	return s
}

func TestSnapshot_lookupsAreCaseInsensitive(t *testing.T) {
	s := testSnapshot()

	for _, name := range []string{"active", "Active", "ACTIVE"} {
		id, err := s.Status(name)
		if err != nil || id != 1 {
			t.Errorf("Status(%q) = %d, %v", name, id, err)
		}
	}
	if id, err := s.Scope("q3 planning"); err != nil || id != 12 {
		t.Errorf("Scope lowercased display name = %d, %v", id, err)
	}
	if id, err := s.EntityType("Person"); err != nil || id != 20 {
		t.Errorf("EntityType = %d, %v", id, err)
	}
	if id, err := s.LogType("NOTE"); err != nil || id != 30 {
		t.Errorf("LogType = %d, %v", id, err)
	}
}

func TestSnapshot_unknownNames(t *testing.T) {
	s := testSnapshot()
	var me *model.Error

	if _, err := s.Status("frozen"); !errors.As(err, &me) || me.Code != model.CodeInvalidInput {
		t.Errorf("unknown status: %v", err)
	}
	if _, err := s.Scopes([]string{"public", "nope"}); err == nil {
		t.Error("one unknown scope must fail the whole list")
	}
	if _, err := s.RelationshipType("owns"); err == nil {
		t.Error("unknown relationship type accepted")
	}
}

func TestSnapshot_scopesSortedDeduped(t *testing.T) {
	s := testSnapshot()

	ids, err := s.Scopes([]string{"work", "public", "Work"})
	if err != nil {
		t.Fatalf("Scopes: %v", err)
	}
	if len(ids) != 2 || ids[0] != 10 || ids[1] != 11 {
		t.Errorf("ids = %v, want [10 11]", ids)
	}

	var me *model.Error
	if _, err := s.Scopes(nil); !errors.As(err, &me) || me.Code != model.CodeInvalidInput {
		t.Errorf("Scopes(nil) = %v, want INVALID_INPUT", err)
	}
	if _, err := s.Scopes([]string{}); err == nil {
		t.Error("empty scope list accepted")
	}
}

func TestSnapshot_namesPreserveDisplayCase(t *testing.T) {
	s := testSnapshot()

	if got := s.ScopeName(12); got != "Q3 Planning" {
		t.Errorf("ScopeName(12) = %q", got)
	}
	names := s.ScopeNames([]int{10, 99, 12})
	if len(names) != 2 || names[0] != "public" || names[1] != "Q3 Planning" {
		t.Errorf("ScopeNames = %v", names)
	}
}

func TestSnapshot_relationshipTypeSemantics(t *testing.T) {
	s := testSnapshot()

	rt, err := s.RelationshipType("KNOWS")
	if err != nil {
		t.Fatalf("RelationshipType: %v", err)
	}
	if !rt.Symmetric || rt.Acyclic || rt.AllowSelf {
		t.Errorf("knows semantics = %+v", rt)
	}
	if _, ok := s.RelationshipTypeByID(41); ok {
		t.Error("unknown relationship type id resolved")
	}
}

func TestSnapshot_scopeRowsOrdered(t *testing.T) {
	rows := testSnapshot().ScopeRows()
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	for i := 1; i < len(rows); i++ {
		if rows[i-1].ID >= rows[i].ID {
			t.Errorf("rows not ordered by id: %v", rows)
		}
	}
}

func TestSnapshot_errorNamesField(t *testing.T) {
	s := testSnapshot()
	_, err := s.Scope("nope")
	var me *model.Error
	if !errors.As(err, &me) || me.Field != "scopes" || !strings.Contains(me.Message, "nope") {
		t.Errorf("scope error shape: %v", err)
	}
}
