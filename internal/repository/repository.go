// Package repository provides data access for all Nebula tables against
// PostgreSQL. Every repository works over store.Querier, so the same code
// runs on the pool for reads and inside an audit-bound transaction for
// mutations. Statements come from the store's named-query catalog.
package repository

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nebula-cp/nebula/internal/store"
)

// ErrNotFound is returned when a lookup finds no matching record.
var ErrNotFound = errors.New("record not found")

// ErrDuplicate is returned when an insert or update violates a unique
// constraint.
var ErrDuplicate = errors.New("duplicate record")

// ReadFilter narrows list and count queries to records the caller may see,
// so pagination and meta.total never disclose invisible rows. Admin
// short-circuits the scope predicate; unscoped records always match.
type ReadFilter struct {
	Admin    bool
	ScopeIDs []int
}

// scopes keeps the int[] parameter non-null.
func (f ReadFilter) scopes() []int {
	if f.ScopeIDs == nil {
		return []int{}
	}
	return f.ScopeIDs
}

// isUniqueViolation reports whether err is a Postgres unique violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Set bundles one repository per table over a shared querier. Handlers build
// a Set over the pool; executors build one over their transaction.
type Set struct {
	Entities      *EntityRepository
	Knowledge     *KnowledgeRepository
	Relationships *RelationshipRepository
	Jobs          *JobRepository
	Logs          *LogRepository
	Files         *FileRepository
	Protocols     *ProtocolRepository
	Agents        *AgentRepository
	Keys          *APIKeyRepository
	Approvals     *ApprovalRepository
	Enrollments   *EnrollmentRepository
	Taxonomy      *TaxonomyRepository
	Audit         *AuditRepository
}

// New builds a repository set over q.
func New(q store.Querier) *Set {
	return &Set{
		Entities:      NewEntityRepository(q),
		Knowledge:     NewKnowledgeRepository(q),
		Relationships: NewRelationshipRepository(q),
		Jobs:          NewJobRepository(q),
		Logs:          NewLogRepository(q),
		Files:         NewFileRepository(q),
		Protocols:     NewProtocolRepository(q),
		Agents:        NewAgentRepository(q),
		Keys:          NewAPIKeyRepository(q),
		Approvals:     NewApprovalRepository(q),
		Enrollments:   NewEnrollmentRepository(q),
		Taxonomy:      NewTaxonomyRepository(q),
		Audit:         NewAuditRepository(q),
	}
}
