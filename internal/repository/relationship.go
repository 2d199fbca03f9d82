package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nebula-cp/nebula/internal/model"
	"github.com/nebula-cp/nebula/internal/store"
)

// RelationshipRepository provides CRUD for relationships.
type RelationshipRepository struct {
	db store.Querier
}

// NewRelationshipRepository creates a RelationshipRepository.
func NewRelationshipRepository(db store.Querier) *RelationshipRepository {
	return &RelationshipRepository{db: db}
}

// Create inserts a new relationship edge.
func (r *RelationshipRepository) Create(ctx context.Context, rel *model.Relationship) error {
	props, err := json.Marshal(rel.Properties)
	if err != nil {
		return fmt.Errorf("marshal properties: %w", err)
	}

	rel.ID = uuid.New()
	now := time.Now().UTC()
	rel.CreatedAt = now
	rel.UpdatedAt = now

	_, err = r.db.Exec(ctx, store.Q("relationships/insert"),
		rel.ID, string(rel.Source.Type), rel.Source.ID,
		string(rel.Target.Type), rel.Target.ID,
		rel.TypeID, rel.StatusID, props, rel.CreatedAt, rel.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// Update rewrites an edge's type, status, and properties. Endpoints are
// immutable once written.
func (r *RelationshipRepository) Update(ctx context.Context, rel *model.Relationship) error {
	props, err := json.Marshal(rel.Properties)
	if err != nil {
		return fmt.Errorf("marshal properties: %w", err)
	}

	rel.UpdatedAt = time.Now().UTC()
	tag, err := r.db.Exec(ctx, store.Q("relationships/update"),
		rel.ID, rel.TypeID, rel.StatusID, props, rel.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Get retrieves an edge by id.
func (r *RelationshipRepository) Get(ctx context.Context, id uuid.UUID) (*model.Relationship, error) {
	rows, err := r.db.Query(ctx, store.Q("relationships/get"), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanRelationship(rows)
}

// ListForNode returns edges touching the given node on either end.
func (r *RelationshipRepository) ListForNode(ctx context.Context, node model.NodeRef, limit, offset int) ([]*model.Relationship, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, store.Q("relationships/list_for_node"),
		string(node.Type), node.ID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Relationship
	for rows.Next() {
		rel, err := scanRelationship(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	return out, rows.Err()
}

// ExistsBetween reports whether an edge of the given type already links
// source to target (duplicate detection).
func (r *RelationshipRepository) ExistsBetween(ctx context.Context, source, target model.NodeRef, typeID int) (bool, error) {
	var id uuid.UUID
	err := r.db.QueryRow(ctx, store.Q("relationships/exists_between"),
		string(source.Type), source.ID, string(target.Type), target.ID, typeID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// EdgesFrom returns the target references of all edges of the given type
// leaving a node. Used for cycle detection on acyclic types.
func (r *RelationshipRepository) EdgesFrom(ctx context.Context, node model.NodeRef, typeID int) ([]model.NodeRef, error) {
	rows, err := r.db.Query(ctx, store.Q("relationships/edges_from"),
		string(node.Type), node.ID, typeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.NodeRef
	for rows.Next() {
		var tt, tid string
		if err := rows.Scan(&tt, &tid); err != nil {
			return nil, err
		}
		out = append(out, model.NodeRef{Type: model.NodeType(tt), ID: tid})
	}
	return out, rows.Err()
}

func scanRelationship(rows pgx.Rows) (*model.Relationship, error) {
	var rel model.Relationship
	var srcType, tgtType string
	var propsRaw []byte
	err := rows.Scan(
		&rel.ID, &srcType, &rel.Source.ID, &tgtType, &rel.Target.ID,
		&rel.TypeID, &rel.StatusID, &propsRaw, &rel.CreatedAt, &rel.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rel.Source.Type = model.NodeType(srcType)
	rel.Target.Type = model.NodeType(tgtType)
	if len(propsRaw) > 0 {
		if err := json.Unmarshal(propsRaw, &rel.Properties); err != nil {
			return nil, fmt.Errorf("unmarshal properties: %w", err)
		}
	}
	return &rel, nil
}
