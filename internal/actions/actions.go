// Package actions holds the registry of validating mutation executors.
// Every write enters through Dispatch, which applies the approval gate
// exactly once and runs the executor inside an audit-bound transaction.
package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nebula-cp/nebula/internal/approval"
	"github.com/nebula-cp/nebula/internal/enums"
	"github.com/nebula-cp/nebula/internal/model"
	"github.com/nebula-cp/nebula/internal/repository"
	"github.com/nebula-cp/nebula/internal/scope"
	"github.com/nebula-cp/nebula/internal/store"
)

// execEnv is what one executor invocation sees: the caller, transaction
// scoped repositories, the enum snapshot, and reviewer grants when running
// under an approval.
type execEnv struct {
	caller   *model.Caller
	repos    *repository.Set
	snap     *enums.Snapshot
	mediator *scope.Mediator
	review   *model.ReviewDetails
	// proposedBy is the agent whose approved proposal is being executed.
	// Nil on direct dispatch. Executors that attribute record ownership
	// use it so the proposing agent, not the reviewer, owns the result.
	proposedBy *uuid.UUID
}

// executorFunc validates and applies one mutation. It returns the id of
// the record it produced or touched plus the record for the response body.
type executorFunc func(ctx context.Context, env *execEnv, payload json.RawMessage) (string, any, error)

type executor struct {
	fn executorFunc
	// usersOnly refuses direct invocation by trusted agents; untrusted
	// agents may still reach the executor through an approval.
	usersOnly bool
}

// Result is the outcome of a dispatch: either an executed mutation or an
// intercepted proposal.
type Result struct {
	RecordID string
	Record   any
	// Approval is set instead of Record when the caller's write was
	// intercepted by the approval gate.
	Approval *model.ApprovalRequest
}

// Intercepted reports whether the write was turned into a proposal.
func (r *Result) Intercepted() bool { return r.Approval != nil }

// Dispatcher routes action names to executors.
type Dispatcher struct {
	db       *store.Store
	registry *enums.Registry
	mediator *scope.Mediator
	engine   *approval.Engine
	log      *zap.Logger
	actions  map[string]executor
}

// NewDispatcher builds the dispatcher and registers all executors. It also
// attaches itself to the approval engine as its executor.
func NewDispatcher(db *store.Store, registry *enums.Registry, mediator *scope.Mediator, engine *approval.Engine, log *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		db:       db,
		registry: registry,
		mediator: mediator,
		engine:   engine,
		log:      log,
	}
	d.actions = map[string]executor{
		"create_entity":             {fn: d.createEntity},
		"update_entity":             {fn: d.updateEntity},
		"create_knowledge":          {fn: d.createKnowledge},
		"update_knowledge":          {fn: d.updateKnowledge},
		"create_relationship":       {fn: d.createRelationship},
		"update_relationship":       {fn: d.updateRelationship},
		"create_job":                {fn: d.createJob},
		"update_job":                {fn: d.updateJob},
		"update_job_status":         {fn: d.updateJobStatus},
		"create_log":                {fn: d.createLog},
		"update_log":                {fn: d.updateLog},
		"create_file":               {fn: d.createFile},
		"update_file":               {fn: d.updateFile},
		"create_protocol":           {fn: d.createProtocol},
		"update_protocol":           {fn: d.updateProtocol},
		"bulk_update_entity_tags":   {fn: d.bulkUpdateEntityTags},
		"bulk_update_entity_scopes": {fn: d.bulkUpdateEntityScopes},
		"revert_entity":             {fn: d.revertEntity, usersOnly: true},
		"register_agent":            {fn: d.registerAgent, usersOnly: true},
	}
	engine.SetExecutor(d)
	return d
}

// Actions returns the registered action names, for tool listing.
func (d *Dispatcher) Actions() []string {
	out := make([]string, 0, len(d.actions))
	for name := range d.actions {
		out = append(out, name)
	}
	return out
}

// Dispatch runs one named action for a caller. The approval gate is
// evaluated here and nowhere else: untrusted agents get their proposal
// enqueued, everyone else executes directly.
func (d *Dispatcher) Dispatch(ctx context.Context, caller *model.Caller, action string, payload json.RawMessage, relatedJobID *string) (*Result, error) {
	exec, ok := d.actions[action]
	if !ok {
		return nil, model.ErrInvalid("action", fmt.Sprintf("unknown action %q", action))
	}
	if caller.IsBootstrap() {
		return nil, model.ErrEnrollmentRequired()
	}

	if caller.IsAgent() && !caller.Trusted {
		req, err := d.engine.Propose(ctx, caller, action, payload, relatedJobID)
		if err != nil {
			return nil, err
		}
		return &Result{Approval: req}, nil
	}

	if exec.usersOnly && caller.IsAgent() {
		return nil, model.ErrForbidden("action requires a user caller")
	}
	return d.run(ctx, caller, exec, payload, nil, nil)
}

// ExecuteApproved runs an approved request as the reviewer with the gate
// disarmed. The reviewer's identity carries the mutation through scope
// checks and into the audit trail; the proposing agent is attributed only
// where executors record ownership. Implements approval.Executor.
func (d *Dispatcher) ExecuteApproved(ctx context.Context, reviewer *model.Caller, req *model.ApprovalRequest) (string, error) {
	exec, ok := d.actions[req.RequestType]
	if !ok {
		return "", model.ErrInvalid("request_type", fmt.Sprintf("no executor registered for %q", req.RequestType))
	}

	proposedBy := req.RequestedByAgentID
	res, err := d.run(ctx, reviewer, exec, req.ChangeDetails, req.ReviewDetails, &proposedBy)
	if err != nil {
		return "", err
	}
	return res.RecordID, nil
}

func (d *Dispatcher) run(ctx context.Context, caller *model.Caller, exec executor, payload json.RawMessage, review *model.ReviewDetails, proposedBy *uuid.UUID) (*Result, error) {
	res := &Result{}
	err := d.db.WithTx(ctx, caller.AuditIdentity(), func(tx store.Querier) error {
		env := &execEnv{
			caller:     caller,
			repos:      repository.New(tx),
			snap:       d.registry.Current(),
			mediator:   d.mediator,
			review:     review,
			proposedBy: proposedBy,
		}
		var err error
		res.RecordID, res.Record, err = exec.fn(ctx, env, payload)
		return err
	})
	if err != nil {
		var me *model.Error
		if errors.As(err, &me) {
			return nil, me
		}
		d.log.Error("executor failed", zap.Error(err))
		return nil, model.ErrInternal()
	}
	return res, nil
}

// optionalScopes resolves scope names where an empty list is a valid
// "no scopes" state, as on knowledge items, protocols, and agent grants.
// Entities require at least one scope and resolve directly.
func optionalScopes(snap *enums.Snapshot, names []string) ([]int, error) {
	if len(names) == 0 {
		return []int{}, nil
	}
	return snap.Scopes(names)
}

// decode unmarshals a payload, accepting both structured JSON and a
// double-encoded JSON string.
func decode(payload json.RawMessage, dst any) error {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err != nil {
			return model.ErrInvalid("payload", "malformed payload")
		}
		trimmed = []byte(inner)
	}
	if err := json.Unmarshal(trimmed, dst); err != nil {
		return model.ErrInvalid("payload", "malformed payload: "+err.Error())
	}
	return nil
}
