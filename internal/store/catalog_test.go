package store

import (
	"strings"
	"testing"
)

func TestLookup_knownStatements(t *testing.T) {
	for _, key := range []string{
		"entities/insert",
		"entities/scopes_by_ids",
		"approvals/mark_approved",
		"enrollment/redeem",
		"taxonomy/scopes",
	} {
		sql, err := Lookup(key)
		if err != nil {
			t.Errorf("Lookup(%q): %v", key, err)
			continue
		}
		if strings.TrimSpace(sql) == "" {
			t.Errorf("Lookup(%q) returned an empty statement", key)
		}
	}
}

func TestLookup_statementBoundaries(t *testing.T) {
	sql, err := Lookup("agents/get")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if strings.Contains(sql, "-- name:") {
		t.Error("statement leaked a marker line from the next block")
	}
	if !strings.Contains(strings.ToUpper(sql), "SELECT") {
		t.Errorf("agents/get is not a select: %q", sql)
	}
}

// Scoped list surfaces filter rows and totals with one predicate, so
// pagination metadata cannot disclose rows the page itself would hide.
func TestLookup_listAndCountShareScopePredicate(t *testing.T) {
	for _, file := range []string{"entities", "knowledge", "protocols"} {
		list, err := Lookup(file + "/list")
		if err != nil {
			t.Fatalf("Lookup(%s/list): %v", file, err)
		}
		count, err := Lookup(file + "/count")
		if err != nil {
			t.Fatalf("Lookup(%s/count): %v", file, err)
		}
		for _, sql := range []string{list, count} {
			if !strings.Contains(sql, "scope_ids &&") || !strings.Contains(sql, "scope_ids = '{}'") {
				t.Errorf("%s statement lacks the scope predicate: %q", file, sql)
			}
		}
	}
}

func TestLookup_errors(t *testing.T) {
	if _, err := Lookup("noslash"); err == nil {
		t.Error("key without a slash accepted")
	}
	if _, err := Lookup("nosuchfile/get"); err == nil {
		t.Error("unknown file accepted")
	}
	if _, err := Lookup("entities/no_such_statement"); err == nil {
		t.Error("unknown statement in a real file accepted")
	}
}

func TestQ_panicsOnUnknown(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Q must panic on an unknown key")
		}
	}()
	Q("entities/definitely_missing")
}
