package model

// Scope is a named visibility domain. Built-in scope names are security
// critical and immutable.
type Scope struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	Builtin bool   `json:"is_builtin"`
}

// TaxonomyKind names one of the five enum tables.
type TaxonomyKind string

const (
	TaxonomyStatuses          TaxonomyKind = "statuses"
	TaxonomyScopes            TaxonomyKind = "scopes"
	TaxonomyEntityTypes       TaxonomyKind = "entity_types"
	TaxonomyRelationshipTypes TaxonomyKind = "relationship_types"
	TaxonomyLogTypes          TaxonomyKind = "log_types"
)

// ValidTaxonomyKind reports whether k names a taxonomy table.
func ValidTaxonomyKind(k TaxonomyKind) bool {
	switch k {
	case TaxonomyStatuses, TaxonomyScopes, TaxonomyEntityTypes, TaxonomyRelationshipTypes, TaxonomyLogTypes:
		return true
	}
	return false
}

// TaxonomyRow is a generic row of one of the enum tables.
type TaxonomyRow struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	Builtin bool   `json:"is_builtin"`
}

// RelationshipTypeRow extends TaxonomyRow with edge semantics used by the
// relationship executors.
type RelationshipTypeRow struct {
	TaxonomyRow
	// Symmetric types materialize the reverse edge on write.
	Symmetric bool `json:"is_symmetric"`
	// Acyclic types refuse edges that would close a cycle.
	Acyclic bool `json:"is_acyclic"`
	// AllowSelf permits source == target.
	AllowSelf bool `json:"allow_self"`
}

// Well-known status names. The registry resolves these against the store at
// startup; the names are seeded by migrations and flagged built-in.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
	StatusArchived = "archived"
)
