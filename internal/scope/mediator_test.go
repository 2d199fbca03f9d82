package scope

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nebula-cp/nebula/internal/model"
	"github.com/nebula-cp/nebula/internal/repository"
	"github.com/nebula-cp/nebula/internal/store/storetest"
)

func userCaller(ownerIDs, effectiveIDs []int, names ...string) *model.Caller {
	return &model.Caller{
		Kind:                model.CallerUser,
		UserID:              uuid.New(),
		Trusted:             true,
		OwnerScopeIDs:       ownerIDs,
		EffectiveScopeIDs:   effectiveIDs,
		EffectiveScopeNames: names,
	}
}

func TestIsAdmin(t *testing.T) {
	m := New(nil, nil)

	cases := []struct {
		name   string
		scopes []string
		want   bool
	}{
		{"no scopes", nil, false},
		{"plain scopes", []string{"public", "work"}, false},
		{"admin", []string{"admin"}, true},
		{"vault-only", []string{"public", "vault-only"}, true},
		{"sensitive case-insensitive", []string{"Sensitive"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := userCaller(nil, nil, tc.scopes...)
			if got := m.IsAdmin(c); got != tc.want {
				t.Errorf("IsAdmin(%v) = %v, want %v", tc.scopes, got, tc.want)
			}
		})
	}
}

func TestIsAdmin_customSet(t *testing.T) {
	m := New(nil, []string{"admin"})

	if m.IsAdmin(userCaller(nil, nil, "vault-only")) {
		t.Error("vault-only must not be admin under the narrowed set")
	}
	if !m.IsAdmin(userCaller(nil, nil, "admin")) {
		t.Error("admin scope must stay admin under the narrowed set")
	}
}

func TestCanRead(t *testing.T) {
	m := New(nil, nil)

	c := userCaller([]int{1, 2}, []int{1, 2}, "public", "work")
	if !m.CanRead(c, nil) {
		t.Error("unscoped record must be readable")
	}
	if !m.CanRead(c, []int{2, 9}) {
		t.Error("overlapping scopes must be readable")
	}
	if m.CanRead(c, []int{9}) {
		t.Error("disjoint scopes must not be readable")
	}

	admin := userCaller(nil, nil, "admin")
	if !m.CanRead(admin, []int{9}) {
		t.Error("admin must read any record")
	}

	boot := &model.Caller{Kind: model.CallerBootstrap}
	if m.CanRead(boot, nil) {
		t.Error("bootstrap caller must not read")
	}
}

func TestCanWrite(t *testing.T) {
	m := New(nil, nil)

	c := userCaller([]int{1, 2, 3}, []int{1}, "public")
	if !m.CanWrite(c, []int{1, 3}) {
		t.Error("record scopes within owner set must be writable")
	}
	if m.CanWrite(c, []int{1, 9}) {
		t.Error("record scope outside owner set must not be writable")
	}
	if !m.CanWrite(c, nil) {
		t.Error("unscoped record must be writable")
	}

	boot := &model.Caller{Kind: model.CallerBootstrap}
	if m.CanWrite(boot, nil) {
		t.Error("bootstrap caller must not write")
	}
}

func TestCanAssignScopes(t *testing.T) {
	m := New(nil, nil)

	c := userCaller([]int{1, 2}, []int{1, 2}, "public", "work")
	if !m.CanAssignScopes(c, []int{1}) {
		t.Error("assigning a held scope must pass")
	}
	if m.CanAssignScopes(c, []int{1, 7}) {
		t.Error("assigning an unheld scope must fail")
	}
	if !m.CanAssignScopes(userCaller(nil, nil, "admin"), []int{7}) {
		t.Error("admin may assign any scope")
	}
}

func TestSubset(t *testing.T) {
	cases := []struct {
		a, b []int
		want bool
	}{
		{nil, nil, true},
		{nil, []int{1}, true},
		{[]int{1}, []int{1, 2}, true},
		{[]int{1, 2}, []int{1}, false},
		{[]int{3}, nil, false},
	}
	for _, tc := range cases {
		if got := Subset(tc.a, tc.b); got != tc.want {
			t.Errorf("Subset(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestJobAccess(t *testing.T) {
	m := New(nil, nil)
	agentID := uuid.New()
	otherID := uuid.New()

	agent := &model.Caller{Kind: model.CallerAgent, AgentID: agentID}
	own := &model.Job{ID: "2026Q3-A7F2", AgentID: &agentID}
	foreign := &model.Job{ID: "2026Q3-B8E1", AgentID: &otherID}
	unowned := &model.Job{ID: "2026Q3-C9D0"}

	if err := m.JobAccess(agent, own); err != nil {
		t.Errorf("agent must see its own job: %v", err)
	}
	if err := m.JobAccess(agent, foreign); err == nil {
		t.Error("agent must not see another agent's job")
	}
	if err := m.JobAccess(agent, unowned); err == nil {
		t.Error("agent must not see unowned jobs")
	}
	if err := m.JobAccess(userCaller(nil, nil), foreign); err != nil {
		t.Errorf("user must see any job: %v", err)
	}
}

func TestFileAccess_everyAttachmentMustAdmit(t *testing.T) {
	publicID, restrictedID, fileID := uuid.New(), uuid.New(), uuid.New()
	now := time.Now().UTC()
	entityRow := func(id uuid.UUID, scopes []int) []any {
		return []any{id, "host", 1, 1, scopes, []string{}, nil, "", now, now}
	}

	attachments := [][]any{
		{string(model.NodeEntity), publicID.String()},
		{string(model.NodeEntity), restrictedID.String()},
	}
	fake := &storetest.Fake{}
	fake.QueryFn = func(sql string, args []any) ([][]any, error) {
		switch {
		case strings.Contains(sql, "FROM file_attachments"):
			return attachments, nil
		case strings.Contains(sql, "FROM entities"):
			if args[0] == publicID {
				return [][]any{entityRow(publicID, []int{})}, nil
			}
			return [][]any{entityRow(restrictedID, []int{9})}, nil
		}
		return nil, nil
	}
	m := New(repository.New(fake), nil)
	ctx := context.Background()
	c := userCaller([]int{1}, []int{1}, "public")

	// One out-of-scope attachment hides the file even though the other
	// attachment is public.
	err := m.FileAccess(ctx, c, fileID)
	var me *model.Error
	if !errors.As(err, &me) || me.Code != model.CodeNotFound {
		t.Fatalf("FileAccess with a restricted attachment = %v, want NOT_FOUND", err)
	}

	attachments = attachments[:1]
	if err := m.FileAccess(ctx, c, fileID); err != nil {
		t.Errorf("FileAccess with only public attachments: %v", err)
	}

	attachments = nil
	if err := m.FileAccess(ctx, c, fileID); err != nil {
		t.Errorf("FileAccess on an unattached file: %v", err)
	}

	attachments = [][]any{{string(model.NodeEntity), restrictedID.String()}}
	if err := m.FileAccess(ctx, userCaller(nil, nil, "admin"), fileID); err != nil {
		t.Errorf("FileAccess as admin: %v", err)
	}
}

func TestFilterSegments(t *testing.T) {
	m := New(nil, nil)
	c := userCaller([]int{1}, []int{1}, "public")

	meta := model.Meta{
		"title": "notes",
		"context_segments": []model.ContextSegment{
			{Text: "shared", Scopes: []string{"public"}},
			{Text: "private", Scopes: []string{"personal"}},
			{Text: "mixed", Scopes: []string{"personal", "public"}},
			{Text: "open", Scopes: nil},
		},
	}

	got := m.FilterSegments(c, meta)
	segs, err := got.Segments()
	if err != nil {
		t.Fatalf("Segments: %v", err)
	}
	if len(segs) != 2 {
		t.Fatalf("kept %d segments, want 2: %+v", len(segs), segs)
	}
	for i, want := range []string{"shared", "mixed"} {
		if segs[i].Text != want {
			t.Errorf("segment %d = %q, want %q", i, segs[i].Text, want)
		}
	}
	if got["title"] != "notes" {
		t.Error("non-segment metadata keys must survive filtering")
	}
}

func TestFilterSegments_unscopedSegmentsAdminOnly(t *testing.T) {
	m := New(nil, nil)
	meta := model.Meta{
		"context_segments": []model.ContextSegment{{Text: "unscoped", Scopes: nil}},
	}

	// No scope intersection means no visibility, even for broad callers.
	segs, err := m.FilterSegments(userCaller([]int{1, 2}, []int{1, 2}, "public", "work"), meta).Segments()
	if err != nil {
		t.Fatalf("Segments: %v", err)
	}
	if len(segs) != 0 {
		t.Errorf("unscoped segment leaked to a non-admin: %+v", segs)
	}

	segs, err = m.FilterSegments(userCaller(nil, nil, "admin"), meta).Segments()
	if err != nil {
		t.Fatalf("Segments: %v", err)
	}
	if len(segs) != 1 {
		t.Errorf("admin must see unscoped segments: %+v", segs)
	}
}

func TestFilterSegments_serializedForm(t *testing.T) {
	m := New(nil, nil)
	c := userCaller([]int{1}, []int{1}, "public")

	meta := model.Meta{
		"context_segments": `[{"text":"shared","scopes":["public"]},{"text":"private","scopes":["personal"]}]`,
	}
	segs, err := m.FilterSegments(c, meta).Segments()
	if err != nil {
		t.Fatalf("Segments: %v", err)
	}
	if len(segs) != 1 || segs[0].Text != "shared" {
		t.Errorf("serialized segments filtered wrong: %+v", segs)
	}
}

func TestFilterSegments_failsClosedOnGarbage(t *testing.T) {
	m := New(nil, nil)
	c := userCaller(nil, nil, "admin")

	meta := model.Meta{"context_segments": "{not json", "keep": true}
	got := m.FilterSegments(c, meta)
	if _, ok := got["context_segments"]; ok {
		t.Error("unparseable segments must be stripped, even for admins")
	}
	if got["keep"] != true {
		t.Error("other keys must survive")
	}
}

func TestFilterSegments_adminSeesAll(t *testing.T) {
	m := New(nil, nil)
	meta := model.Meta{
		"context_segments": []model.ContextSegment{{Text: "private", Scopes: []string{"personal"}}},
	}
	segs, err := m.FilterSegments(userCaller(nil, nil, "admin"), meta).Segments()
	if err != nil {
		t.Fatalf("Segments: %v", err)
	}
	if len(segs) != 1 {
		t.Errorf("admin lost segments: %+v", segs)
	}
}
