// Package approval implements the review workflow between untrusted agent
// proposals and reviewer decisions, plus the bootstrap enrollment flow
// built on top of it.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nebula-cp/nebula/internal/model"
	"github.com/nebula-cp/nebula/internal/repository"
	"github.com/nebula-cp/nebula/internal/scope"
	"github.com/nebula-cp/nebula/internal/store"
)

// TxRunner runs a function inside an audit-bound transaction. Satisfied by
// *store.Store.
type TxRunner interface {
	WithTx(ctx context.Context, audit model.AuditIdentity, fn func(tx store.Querier) error) error
}

// DefaultMaxPending caps open proposals per agent.
const DefaultMaxPending = 50

// RegisterAgentType is the request type carrying reviewer grants.
const RegisterAgentType = "register_agent"

// Executor runs the mutation an approved request describes. Implemented by
// the action dispatcher; the engine stays ignorant of individual actions.
type Executor interface {
	// ExecuteApproved runs the stored change with the approval gate
	// disarmed and returns the id of the record it produced or touched.
	// The mutation executes as the reviewer, not as the proposing agent:
	// the reviewer's decision is what authorizes it, and the audit trail
	// must say so.
	ExecuteApproved(ctx context.Context, reviewer *model.Caller, req *model.ApprovalRequest) (string, error)
}

// Notifier announces new pending requests to reviewers. Best effort.
type Notifier interface {
	ApprovalRequested(ctx context.Context, req *model.ApprovalRequest)
}

// Engine owns the approval request state machine. All transitions out of
// pending are one-shot conditional updates, so two racing reviewers cannot
// both win.
type Engine struct {
	repos      *repository.Set
	db         TxRunner
	mediator   *scope.Mediator
	executor   Executor
	notifier   Notifier
	log        *zap.Logger
	maxPending int
}

// NewEngine builds an Engine over the pool-backed repository set.
// maxPending <= 0 defaults to DefaultMaxPending. The executor is attached
// later via SetExecutor since the dispatcher needs the engine first.
func NewEngine(repos *repository.Set, db TxRunner, mediator *scope.Mediator, notifier Notifier, log *zap.Logger, maxPending int) *Engine {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &Engine{repos: repos, db: db, mediator: mediator, notifier: notifier, log: log, maxPending: maxPending}
}

// SetExecutor attaches the action dispatcher used to run approved requests.
func (e *Engine) SetExecutor(x Executor) { e.executor = x }

// Propose records a pending request on behalf of an untrusted agent.
func (e *Engine) Propose(ctx context.Context, caller *model.Caller, requestType string, change json.RawMessage, relatedJobID *string) (*model.ApprovalRequest, error) {
	if !caller.IsAgent() {
		return nil, model.ErrForbidden("only agents create approval requests")
	}

	pending, err := e.repos.Approvals.CountPendingForAgent(ctx, caller.AgentID)
	if err != nil {
		e.log.Error("count pending approvals failed", zap.Error(err))
		return nil, model.ErrInternal()
	}
	if pending >= e.maxPending {
		return nil, model.ErrRateLimited(fmt.Sprintf("agent has %d pending requests; review or withdraw some first", pending))
	}

	req := &model.ApprovalRequest{
		RequestType:        requestType,
		RequestedByAgentID: caller.AgentID,
		ChangeDetails:      change,
		RelatedJobID:       relatedJobID,
	}
	err = e.db.WithTx(ctx, caller.AuditIdentity(), func(tx store.Querier) error {
		return repository.NewApprovalRepository(tx).Create(ctx, req)
	})
	if err != nil {
		e.log.Error("create approval request failed", zap.Error(err))
		return nil, model.ErrInternal()
	}

	if e.notifier != nil {
		e.notifier.ApprovalRequested(ctx, req)
	}
	return req, nil
}

// Get returns one request. Agents see only their own.
func (e *Engine) Get(ctx context.Context, caller *model.Caller, id uuid.UUID) (*model.ApprovalRequest, error) {
	req, err := e.repos.Approvals.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, model.ErrNotFound("approval request")
		}
		return nil, err
	}
	if caller.IsAgent() && req.RequestedByAgentID != caller.AgentID {
		return nil, model.ErrNotFound("approval request")
	}
	return req, nil
}

// List returns requests visible to the caller, oldest first. The full queue
// is reviewer-facing and requires an admin scope; agents see only their own
// requests.
func (e *Engine) List(ctx context.Context, caller *model.Caller, status model.ApprovalStatus, limit, offset int) ([]*model.ApprovalRequest, error) {
	if !caller.IsAgent() && !e.mediator.IsAdmin(caller) {
		return nil, model.ErrForbidden("listing the approval queue requires an admin scope")
	}
	reqs, err := e.repos.Approvals.List(ctx, status, limit, offset)
	if err != nil {
		return nil, err
	}
	if !caller.IsAgent() {
		return reqs, nil
	}
	own := reqs[:0]
	for _, r := range reqs {
		if r.RequestedByAgentID == caller.AgentID {
			own = append(own, r)
		}
	}
	return own, nil
}

// Approve flips a pending request to approved and runs its executor. An
// executor failure lands the request in approved-failed, recorded outside
// the executor's transaction so the terminal state always persists.
func (e *Engine) Approve(ctx context.Context, reviewer *model.Caller, id uuid.UUID, notes string, details *model.ReviewDetails) (*model.ApprovalRequest, error) {
	if err := e.reviewerCheck(reviewer); err != nil {
		return nil, err
	}

	req, err := e.Get(ctx, reviewer, id)
	if err != nil {
		return nil, err
	}
	if !details.Empty() && req.RequestType != RegisterAgentType {
		return nil, model.ErrInvalid("review_details", "grants apply only to "+RegisterAgentType+" requests")
	}

	var won bool
	err = e.db.WithTx(ctx, reviewer.AuditIdentity(), func(tx store.Querier) error {
		var txErr error
		won, txErr = repository.NewApprovalRepository(tx).MarkApproved(ctx, id, reviewer.UserID, notes, details)
		return txErr
	})
	if err != nil {
		e.log.Error("approve transition failed", zap.Error(err), zap.String("request_id", id.String()))
		return nil, model.ErrInternal()
	}
	if !won {
		return nil, model.ErrConflict("request already reviewed")
	}

	req.Status = model.ApprovalApproved
	req.ReviewDetails = details

	recordID, execErr := e.executor.ExecuteApproved(ctx, reviewer, req)
	if execErr != nil {
		e.markFailed(ctx, id, execErr)
		return nil, execErr
	}

	if recordID != "" {
		if err := e.repos.Approvals.LinkRecord(ctx, id, recordID); err != nil {
			e.log.Error("link record failed", zap.Error(err), zap.String("request_id", id.String()))
		}
	}
	e.settleEnrollment(ctx, id, model.EnrollmentApproved)
	return e.repos.Approvals.Get(ctx, id)
}

// Reject flips a pending request to rejected.
func (e *Engine) Reject(ctx context.Context, reviewer *model.Caller, id uuid.UUID, notes string) (*model.ApprovalRequest, error) {
	if err := e.reviewerCheck(reviewer); err != nil {
		return nil, err
	}
	if _, err := e.Get(ctx, reviewer, id); err != nil {
		return nil, err
	}

	var won bool
	err := e.db.WithTx(ctx, reviewer.AuditIdentity(), func(tx store.Querier) error {
		var txErr error
		won, txErr = repository.NewApprovalRepository(tx).MarkRejected(ctx, id, reviewer.UserID, notes)
		return txErr
	})
	if err != nil {
		e.log.Error("reject transition failed", zap.Error(err), zap.String("request_id", id.String()))
		return nil, model.ErrInternal()
	}
	if !won {
		return nil, model.ErrConflict("request already reviewed")
	}

	e.settleEnrollment(ctx, id, model.EnrollmentRejected)
	return e.repos.Approvals.Get(ctx, id)
}

// reviewerCheck admits only users holding an admin scope to the review
// operations.
func (e *Engine) reviewerCheck(reviewer *model.Caller) error {
	if reviewer.Kind != model.CallerUser {
		return model.ErrForbidden("only users review approval requests")
	}
	if !e.mediator.IsAdmin(reviewer) {
		return model.ErrForbidden("reviewing requires an admin scope")
	}
	return nil
}

// markFailed records an executor failure in a fresh context so a canceled
// request cannot lose the terminal state.
func (e *Engine) markFailed(ctx context.Context, id uuid.UUID, execErr error) {
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), store.DefaultCommandTimeout)
	defer cancel()
	if err := e.repos.Approvals.MarkFailed(bg, id, execErr.Error()); err != nil {
		e.log.Error("mark approved-failed failed", zap.Error(err), zap.String("request_id", id.String()))
	}
}

// settleEnrollment propagates a review decision to the linked enrollment
// session, if any.
func (e *Engine) settleEnrollment(ctx context.Context, approvalID uuid.UUID, status model.EnrollmentStatus) {
	sess, err := e.repos.Enrollments.GetByApproval(ctx, approvalID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			e.log.Error("enrollment lookup failed", zap.Error(err), zap.String("approval_id", approvalID.String()))
		}
		return
	}
	if err := e.repos.Enrollments.SetStatus(ctx, sess.ID, status); err != nil {
		e.log.Error("enrollment status update failed", zap.Error(err), zap.String("session_id", sess.ID.String()))
	}
}

// DiffFor computes the changed fields of an update proposal against the
// record's current state. Non-update requests and records that no longer
// exist yield a nil diff.
func (e *Engine) DiffFor(ctx context.Context, req *model.ApprovalRequest) (map[string]FieldChange, error) {
	current, ok, err := e.currentRecord(ctx, req)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return Diff(current, req.ChangeDetails)
}

func (e *Engine) currentRecord(ctx context.Context, req *model.ApprovalRequest) (json.RawMessage, bool, error) {
	var payload struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(req.ChangeDetails, &payload); err != nil || payload.ID == "" {
		return nil, false, nil
	}

	var rec any
	switch req.RequestType {
	case "update_entity", "revert_entity", "bulk_update_entity_tags", "bulk_update_entity_scopes":
		id, err := uuid.Parse(payload.ID)
		if err != nil {
			return nil, false, nil
		}
		rec, err = e.repos.Entities.Get(ctx, id)
		if err != nil {
			return nil, false, ignoreNotFound(err)
		}
	case "update_knowledge":
		id, err := uuid.Parse(payload.ID)
		if err != nil {
			return nil, false, nil
		}
		rec, err = e.repos.Knowledge.Get(ctx, id)
		if err != nil {
			return nil, false, ignoreNotFound(err)
		}
	case "update_relationship":
		id, err := uuid.Parse(payload.ID)
		if err != nil {
			return nil, false, nil
		}
		rec, err = e.repos.Relationships.Get(ctx, id)
		if err != nil {
			return nil, false, ignoreNotFound(err)
		}
	case "update_job", "update_job_status":
		var err error
		rec, err = e.repos.Jobs.Get(ctx, payload.ID)
		if err != nil {
			return nil, false, ignoreNotFound(err)
		}
	case "update_log":
		id, err := uuid.Parse(payload.ID)
		if err != nil {
			return nil, false, nil
		}
		rec, err = e.repos.Logs.Get(ctx, id)
		if err != nil {
			return nil, false, ignoreNotFound(err)
		}
	case "update_file":
		id, err := uuid.Parse(payload.ID)
		if err != nil {
			return nil, false, nil
		}
		rec, err = e.repos.Files.Get(ctx, id)
		if err != nil {
			return nil, false, ignoreNotFound(err)
		}
	case "update_protocol":
		id, err := uuid.Parse(payload.ID)
		if err != nil {
			return nil, false, nil
		}
		rec, err = e.repos.Protocols.Get(ctx, id)
		if err != nil {
			return nil, false, ignoreNotFound(err)
		}
	default:
		return nil, false, nil
	}

	b, err := json.Marshal(rec)
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func ignoreNotFound(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	return err
}
