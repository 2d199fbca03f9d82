// Package scope is the single authority for visibility and write-access
// decisions. Handlers and executors never compare scope sets themselves;
// they ask the mediator.
package scope

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/nebula-cp/nebula/internal/model"
	"github.com/nebula-cp/nebula/internal/repository"
)

// DefaultAdminScopeNames are the scope names that confer unrestricted
// access when held effectively. Overridable in config.
var DefaultAdminScopeNames = []string{"admin", "vault-only", "sensitive"}

// Mediator evaluates access decisions for a caller. Pure set checks are
// methods on the caller's scope sets; store-assisted checks batch-load the
// record scopes they need.
type Mediator struct {
	repos  *repository.Set
	admins map[string]bool
}

// New builds a Mediator. adminScopeNames defaults to DefaultAdminScopeNames
// when empty.
func New(repos *repository.Set, adminScopeNames []string) *Mediator {
	if len(adminScopeNames) == 0 {
		adminScopeNames = DefaultAdminScopeNames
	}
	admins := make(map[string]bool, len(adminScopeNames))
	for _, n := range adminScopeNames {
		admins[strings.ToLower(n)] = true
	}
	return &Mediator{repos: repos, admins: admins}
}

// IsAdmin reports whether the caller effectively holds an admin scope.
// Admin callers bypass per-record scope checks but not the approval gate.
func (m *Mediator) IsAdmin(c *model.Caller) bool {
	for _, n := range c.EffectiveScopeNames {
		if m.admins[strings.ToLower(n)] {
			return true
		}
	}
	return false
}

// ReadFilter builds the repository-level visibility predicate for list
// queries: the SQL equivalent of CanRead, applied to rows and totals alike.
func (m *Mediator) ReadFilter(c *model.Caller) repository.ReadFilter {
	return repository.ReadFilter{Admin: m.IsAdmin(c), ScopeIDs: c.EffectiveScopeIDs}
}

// CanRead reports whether a record with recordScopes is visible to the
// caller. Records with no scopes are visible to every authenticated caller.
func (m *Mediator) CanRead(c *model.Caller, recordScopes []int) bool {
	if c.IsBootstrap() {
		return false
	}
	if m.IsAdmin(c) || len(recordScopes) == 0 {
		return true
	}
	return intersects(c.EffectiveScopeIDs, recordScopes)
}

// CanWrite reports whether the caller may mutate a record carrying
// recordScopes. Writes require the owner's full scope set to cover every
// record scope, so a narrow key cannot be escalated through its owner.
func (m *Mediator) CanWrite(c *model.Caller, recordScopes []int) bool {
	if c.IsBootstrap() {
		return false
	}
	if m.IsAdmin(c) {
		return true
	}
	return Subset(recordScopes, c.OwnerScopeIDs)
}

// CanAssignScopes reports whether the caller may stamp newScopes onto a
// record it is creating or updating. Assignment is bounded by the owner's
// scope set.
func (m *Mediator) CanAssignScopes(c *model.Caller, newScopes []int) bool {
	if m.IsAdmin(c) {
		return true
	}
	return Subset(newScopes, c.OwnerScopeIDs)
}

// Subset reports whether every element of a appears in b.
func Subset(a, b []int) bool {
	if len(a) == 0 {
		return true
	}
	set := make(map[int]bool, len(b))
	for _, id := range b {
		set[id] = true
	}
	for _, id := range a {
		if !set[id] {
			return false
		}
	}
	return true
}

func intersects(a, b []int) bool {
	set := make(map[int]bool, len(a))
	for _, id := range a {
		set[id] = true
	}
	for _, id := range b {
		if set[id] {
			return true
		}
	}
	return false
}

// EntityWriteAccess verifies the caller may write every listed entity,
// loading all scope sets in one query. Missing ids report NOT_FOUND;
// the error does not reveal which existing entities were out of scope.
func (m *Mediator) EntityWriteAccess(ctx context.Context, c *model.Caller, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	scopes, err := m.repos.Entities.ScopesByIDs(ctx, ids)
	if err != nil {
		return err
	}
	for _, id := range ids {
		recordScopes, ok := scopes[id]
		if !ok {
			return model.ErrNotFound("entity")
		}
		if !m.CanWrite(c, recordScopes) {
			return model.ErrForbidden("entity out of scope")
		}
	}
	return nil
}

// JobAccess verifies job visibility. Agent callers see only their own jobs;
// user callers see all.
func (m *Mediator) JobAccess(c *model.Caller, job *model.Job) error {
	if !c.IsAgent() {
		return nil
	}
	if job.AgentID != nil && *job.AgentID == c.AgentID {
		return nil
	}
	return model.ErrNotFound("job")
}

// FileAccess verifies file visibility. A file with no attachments is
// public; otherwise every attached record must admit the caller: write
// scopes for entity and knowledge nodes, ownership for jobs, plain
// visibility for the rest. One failing attachment hides the whole file —
// a file shared between a public and a restricted record stays restricted.
func (m *Mediator) FileAccess(ctx context.Context, c *model.Caller, fileID uuid.UUID) error {
	if m.IsAdmin(c) {
		return nil
	}
	attachments, err := m.repos.Files.Attachments(ctx, fileID)
	if err != nil {
		return err
	}
	for _, node := range attachments {
		ok, err := m.attachmentAdmits(ctx, c, node)
		if err != nil {
			return err
		}
		if !ok {
			return model.ErrNotFound("file")
		}
	}
	return nil
}

// attachmentAdmits applies the per-node-type file visibility rule. Dangling
// references fail closed.
func (m *Mediator) attachmentAdmits(ctx context.Context, c *model.Caller, node model.NodeRef) (bool, error) {
	switch node.Type {
	case model.NodeEntity:
		id, err := uuid.Parse(node.ID)
		if err != nil {
			return false, nil
		}
		e, err := m.repos.Entities.Get(ctx, id)
		if err != nil {
			return false, ignoreNotFound(err)
		}
		return m.CanWrite(c, e.ScopeIDs), nil

	case model.NodeKnowledge:
		id, err := uuid.Parse(node.ID)
		if err != nil {
			return false, nil
		}
		k, err := m.repos.Knowledge.Get(ctx, id)
		if err != nil {
			return false, ignoreNotFound(err)
		}
		return m.CanWrite(c, k.ScopeIDs), nil

	case model.NodeJob:
		job, err := m.repos.Jobs.Get(ctx, node.ID)
		if err != nil {
			return false, ignoreNotFound(err)
		}
		return m.JobAccess(c, job) == nil, nil
	}
	return m.NodeVisible(ctx, c, node)
}

// NodeVisible reports whether one node reference is visible to the caller.
// Unknown or dangling references are not visible.
func (m *Mediator) NodeVisible(ctx context.Context, c *model.Caller, node model.NodeRef) (bool, error) {
	switch node.Type {
	case model.NodeEntity:
		id, err := uuid.Parse(node.ID)
		if err != nil {
			return false, nil
		}
		e, err := m.repos.Entities.Get(ctx, id)
		if err != nil {
			return false, ignoreNotFound(err)
		}
		return m.CanRead(c, e.ScopeIDs), nil

	case model.NodeKnowledge:
		id, err := uuid.Parse(node.ID)
		if err != nil {
			return false, nil
		}
		k, err := m.repos.Knowledge.Get(ctx, id)
		if err != nil {
			return false, ignoreNotFound(err)
		}
		return m.CanRead(c, k.ScopeIDs), nil

	case model.NodeProtocol:
		id, err := uuid.Parse(node.ID)
		if err != nil {
			return false, nil
		}
		p, err := m.repos.Protocols.Get(ctx, id)
		if err != nil {
			return false, ignoreNotFound(err)
		}
		return m.CanRead(c, p.ScopeIDs), nil

	case model.NodeJob:
		job, err := m.repos.Jobs.Get(ctx, node.ID)
		if err != nil {
			return false, ignoreNotFound(err)
		}
		return m.JobAccess(c, job) == nil, nil

	case model.NodeLog:
		id, err := uuid.Parse(node.ID)
		if err != nil {
			return false, nil
		}
		_, err = m.repos.Logs.Get(ctx, id)
		if err != nil {
			return false, ignoreNotFound(err)
		}
		return true, nil

	case model.NodeAgent:
		id, err := uuid.Parse(node.ID)
		if err != nil {
			return false, nil
		}
		_, err = m.repos.Agents.Get(ctx, id)
		if err != nil {
			return false, ignoreNotFound(err)
		}
		return true, nil

	case model.NodeFile:
		id, err := uuid.Parse(node.ID)
		if err != nil {
			return false, nil
		}
		if err := m.FileAccess(ctx, c, id); err != nil {
			return false, ignoreAccessErr(err)
		}
		return true, nil
	}
	return false, nil
}

// EndpointCheck verifies the caller can see both endpoints of an edge.
// Either endpoint being invisible yields NOT_FOUND for the whole edge.
func (m *Mediator) EndpointCheck(ctx context.Context, c *model.Caller, source, target model.NodeRef) error {
	for _, node := range []model.NodeRef{source, target} {
		visible, err := m.NodeVisible(ctx, c, node)
		if err != nil {
			return err
		}
		if !visible {
			return model.ErrNotFound(string(node.Type))
		}
	}
	return nil
}

// FilterSegments strips context segments the caller cannot see. A segment
// is kept only when its scope names intersect the caller's effective
// scopes, so a segment carrying no scopes is visible to admins alone.
func (m *Mediator) FilterSegments(c *model.Caller, meta model.Meta) model.Meta {
	segments, err := meta.Segments()
	if err != nil {
		// Segments that cannot be parsed cannot be scope-checked either;
		// fail closed and strip them.
		return meta.WithSegments(nil)
	}
	if len(segments) == 0 {
		return meta
	}
	held := make(map[string]bool, len(c.EffectiveScopeNames))
	for _, n := range c.EffectiveScopeNames {
		held[strings.ToLower(n)] = true
	}
	admin := m.IsAdmin(c)

	kept := make([]model.ContextSegment, 0, len(segments))
	for _, seg := range segments {
		if admin || segmentVisible(seg, held) {
			kept = append(kept, seg)
		}
	}
	return meta.WithSegments(kept)
}

func segmentVisible(seg model.ContextSegment, held map[string]bool) bool {
	for _, name := range seg.Scopes {
		if held[strings.ToLower(name)] {
			return true
		}
	}
	return false
}

func ignoreNotFound(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	return err
}

func ignoreAccessErr(err error) error {
	var me *model.Error
	if errors.As(err, &me) && (me.Code == model.CodeNotFound || me.Code == model.CodeForbidden) {
		return nil
	}
	return err
}
