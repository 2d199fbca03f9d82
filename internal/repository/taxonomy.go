package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/nebula-cp/nebula/internal/model"
	"github.com/nebula-cp/nebula/internal/store"
)

// TaxonomyRepository reads and mutates the five enum tables.
type TaxonomyRepository struct {
	db store.Querier
}

// NewTaxonomyRepository creates a TaxonomyRepository.
func NewTaxonomyRepository(db store.Querier) *TaxonomyRepository {
	return &TaxonomyRepository{db: db}
}

// Rows returns all rows of one enum table, ordered by id.
func (r *TaxonomyRepository) Rows(ctx context.Context, kind model.TaxonomyKind) ([]model.TaxonomyRow, error) {
	if !model.ValidTaxonomyKind(kind) {
		return nil, fmt.Errorf("unknown taxonomy kind %q", kind)
	}
	rows, err := r.db.Query(ctx, store.Q("taxonomy/"+string(kind)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.TaxonomyRow
	if kind == model.TaxonomyRelationshipTypes {
		for rows.Next() {
			var rt model.RelationshipTypeRow
			if err := rows.Scan(&rt.ID, &rt.Name, &rt.Builtin, &rt.Symmetric, &rt.Acyclic, &rt.AllowSelf); err != nil {
				return nil, err
			}
			out = append(out, rt.TaxonomyRow)
		}
		return out, rows.Err()
	}
	for rows.Next() {
		var t model.TaxonomyRow
		if err := rows.Scan(&t.ID, &t.Name, &t.Builtin); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RelationshipTypes returns the relationship_types rows with their edge
// semantics.
func (r *TaxonomyRepository) RelationshipTypes(ctx context.Context) ([]model.RelationshipTypeRow, error) {
	rows, err := r.db.Query(ctx, store.Q("taxonomy/relationship_types"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.RelationshipTypeRow
	for rows.Next() {
		var rt model.RelationshipTypeRow
		if err := rows.Scan(&rt.ID, &rt.Name, &rt.Builtin, &rt.Symmetric, &rt.Acyclic, &rt.AllowSelf); err != nil {
			return nil, err
		}
		out = append(out, rt)
	}
	return out, rows.Err()
}

// CreateScope inserts a non-builtin scope and returns its id.
func (r *TaxonomyRepository) CreateScope(ctx context.Context, name string) (int, error) {
	var id int
	err := r.db.QueryRow(ctx, store.Q("taxonomy/insert_scope"), strings.TrimSpace(name)).Scan(&id)
	if isUniqueViolation(err) {
		return 0, ErrDuplicate
	}
	return id, err
}

// Rename changes the name of a non-builtin row. Built-in rows are excluded
// in the WHERE clause, so renaming one reports ErrNotFound.
func (r *TaxonomyRepository) Rename(ctx context.Context, kind model.TaxonomyKind, id int, name string) error {
	if !model.ValidTaxonomyKind(kind) {
		return fmt.Errorf("unknown taxonomy kind %q", kind)
	}
	// The table name cannot be a bind parameter; kind is validated against
	// the closed set above before interpolation.
	q := fmt.Sprintf(store.Q("taxonomy/rename"), string(kind))
	tag, err := r.db.Exec(ctx, q, id, strings.TrimSpace(name))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// BuiltinExists reports whether a built-in row with the given name exists
// in the table, matched case-insensitively.
func (r *TaxonomyRepository) BuiltinExists(ctx context.Context, kind model.TaxonomyKind, name string) (bool, error) {
	if !model.ValidTaxonomyKind(kind) {
		return false, fmt.Errorf("unknown taxonomy kind %q", kind)
	}
	q := fmt.Sprintf(store.Q("taxonomy/builtin_by_name"), string(kind))
	var one int
	err := r.db.QueryRow(ctx, q, name).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
