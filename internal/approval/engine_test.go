package approval

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nebula-cp/nebula/internal/model"
	"github.com/nebula-cp/nebula/internal/repository"
	"github.com/nebula-cp/nebula/internal/scope"
	"github.com/nebula-cp/nebula/internal/store"
	"github.com/nebula-cp/nebula/internal/store/storetest"
)

// fakeTxRunner runs the transaction function directly against a fake
// querier, recording every bound audit identity.
type fakeTxRunner struct {
	q      store.Querier
	audits []model.AuditIdentity
}

func (f *fakeTxRunner) WithTx(_ context.Context, audit model.AuditIdentity, fn func(tx store.Querier) error) error {
	f.audits = append(f.audits, audit)
	return fn(f.q)
}

type stubExecutor struct {
	reviewer *model.Caller
	req      *model.ApprovalRequest
	recordID string
	err      error
}

func (s *stubExecutor) ExecuteApproved(_ context.Context, reviewer *model.Caller, req *model.ApprovalRequest) (string, error) {
	s.reviewer = reviewer
	s.req = req
	return s.recordID, s.err
}

func newTestEngine(fake *storetest.Fake, exec Executor) (*Engine, *fakeTxRunner) {
	repos := repository.New(fake)
	tx := &fakeTxRunner{q: fake}
	e := NewEngine(repos, tx, scope.New(repos, nil), nil, zap.NewNop(), 0)
	e.SetExecutor(exec)
	return e, tx
}

func adminReviewer() *model.Caller {
	return &model.Caller{
		Kind:                model.CallerUser,
		UserID:              uuid.New(),
		Trusted:             true,
		EffectiveScopeNames: []string{"admin"},
	}
}

// pendingApprovalRow matches the approvals/get column order.
func pendingApprovalRow(id, agentID uuid.UUID) []any {
	now := time.Now().UTC()
	return []any{
		id, "create_entity", agentID, []byte(`{"name":"relay"}`),
		"pending", nil, nil, "",
		nil, "", "", nil,
		now, now,
	}
}

// approvalQuerier serves the pending request on every approvals/get and an
// empty result elsewhere, and lets tests control transition outcomes.
func approvalQuerier(id, agentID uuid.UUID, transitions map[string]*int64) *storetest.Fake {
	f := &storetest.Fake{}
	f.QueryFn = func(sql string, _ []any) ([][]any, error) {
		if strings.Contains(sql, "FROM approval_requests") {
			return [][]any{pendingApprovalRow(id, agentID)}, nil
		}
		return nil, nil
	}
	f.ExecFn = func(sql string, _ []any) (int64, error) {
		for marker, n := range transitions {
			if strings.Contains(sql, marker) {
				affected := *n
				*n = 0
				return affected, nil
			}
		}
		return 1, nil
	}
	return f
}

func TestEngine_approveExecutesAsReviewer(t *testing.T) {
	id, agentID := uuid.New(), uuid.New()
	approveWins := int64(1)
	fake := approvalQuerier(id, agentID, map[string]*int64{"'approved',": &approveWins})
	exec := &stubExecutor{recordID: "rec-1"}
	engine, tx := newTestEngine(fake, exec)

	reviewer := adminReviewer()
	if _, err := engine.Approve(context.Background(), reviewer, id, "ok", nil); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	if exec.reviewer == nil || exec.reviewer.UserID != reviewer.UserID {
		t.Fatalf("executor ran as %+v, want the reviewer", exec.reviewer)
	}
	if exec.req == nil || exec.req.Status != model.ApprovalApproved {
		t.Errorf("executor saw request %+v, want status approved", exec.req)
	}
	if len(tx.audits) == 0 {
		t.Fatal("no audit identity bound")
	}
	audit := tx.audits[0]
	if audit.Kind != "entity" || audit.ID != reviewer.UserID {
		t.Errorf("audit identity = %+v, want entity/%s", audit, reviewer.UserID)
	}
}

func TestEngine_approveOneShot(t *testing.T) {
	id, agentID := uuid.New(), uuid.New()
	approveWins := int64(1)
	fake := approvalQuerier(id, agentID, map[string]*int64{"'approved',": &approveWins})
	engine, _ := newTestEngine(fake, &stubExecutor{recordID: "rec-1"})

	reviewer := adminReviewer()
	if _, err := engine.Approve(context.Background(), reviewer, id, "", nil); err != nil {
		t.Fatalf("first Approve: %v", err)
	}

	_, err := engine.Approve(context.Background(), reviewer, id, "", nil)
	var me *model.Error
	if !errors.As(err, &me) || me.Code != model.CodeConflict {
		t.Fatalf("second Approve = %v, want CONFLICT", err)
	}
}

func TestEngine_rejectOneShot(t *testing.T) {
	id, agentID := uuid.New(), uuid.New()
	rejectWins := int64(1)
	fake := approvalQuerier(id, agentID, map[string]*int64{"'rejected',": &rejectWins})
	engine, _ := newTestEngine(fake, &stubExecutor{})

	reviewer := adminReviewer()
	if _, err := engine.Reject(context.Background(), reviewer, id, "no"); err != nil {
		t.Fatalf("first Reject: %v", err)
	}

	_, err := engine.Reject(context.Background(), reviewer, id, "no")
	var me *model.Error
	if !errors.As(err, &me) || me.Code != model.CodeConflict {
		t.Fatalf("second Reject = %v, want CONFLICT", err)
	}
}

func TestEngine_executorFailureMarksApprovedFailed(t *testing.T) {
	id, agentID := uuid.New(), uuid.New()
	approveWins := int64(1)
	fake := approvalQuerier(id, agentID, map[string]*int64{"'approved',": &approveWins})
	boom := errors.New("executor blew up")
	engine, _ := newTestEngine(fake, &stubExecutor{err: boom})

	_, err := engine.Approve(context.Background(), adminReviewer(), id, "", nil)
	if !errors.Is(err, boom) {
		t.Fatalf("Approve = %v, want the executor error", err)
	}

	var marked *storetest.Statement
	for i := range fake.Execs {
		if strings.Contains(fake.Execs[i].SQL, "'approved-failed'") {
			marked = &fake.Execs[i]
		}
	}
	if marked == nil {
		t.Fatal("request was never marked approved-failed")
	}
	if got := marked.Args[1]; got != boom.Error() {
		t.Errorf("executor_error = %v, want %q", got, boom.Error())
	}
}

func TestEngine_reviewRequiresAdminUser(t *testing.T) {
	id, agentID := uuid.New(), uuid.New()
	fake := approvalQuerier(id, agentID, nil)
	engine, _ := newTestEngine(fake, &stubExecutor{})
	ctx := context.Background()

	plainUser := &model.Caller{Kind: model.CallerUser, UserID: uuid.New(), EffectiveScopeNames: []string{"reporting"}}
	agent := &model.Caller{Kind: model.CallerAgent, AgentID: agentID, EffectiveScopeNames: []string{"admin"}}

	for name, caller := range map[string]*model.Caller{"plain user": plainUser, "agent": agent} {
		if _, err := engine.Approve(ctx, caller, id, "", nil); !isForbidden(err) {
			t.Errorf("Approve as %s = %v, want FORBIDDEN", name, err)
		}
		if _, err := engine.Reject(ctx, caller, id, ""); !isForbidden(err) {
			t.Errorf("Reject as %s = %v, want FORBIDDEN", name, err)
		}
	}

	if _, err := engine.List(ctx, plainUser, "", 50, 0); !isForbidden(err) {
		t.Errorf("List as plain user = %v, want FORBIDDEN", err)
	}
	// Agents keep access to their own queue slice.
	if _, err := engine.List(ctx, agent, "", 50, 0); err != nil {
		t.Errorf("List as agent: %v", err)
	}
	if len(fake.Execs) != 0 {
		t.Errorf("gated callers reached the store: %v", fake.Execs)
	}
}

func isForbidden(err error) bool {
	var me *model.Error
	return errors.As(err, &me) && me.Code == model.CodeForbidden
}
