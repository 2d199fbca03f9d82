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

// KnowledgeRepository provides CRUD for knowledge items.
type KnowledgeRepository struct {
	db store.Querier
}

// NewKnowledgeRepository creates a KnowledgeRepository.
func NewKnowledgeRepository(db store.Querier) *KnowledgeRepository {
	return &KnowledgeRepository{db: db}
}

// Create inserts a new knowledge item.
func (r *KnowledgeRepository) Create(ctx context.Context, k *model.KnowledgeItem) error {
	meta, err := json.Marshal(k.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	k.ID = uuid.New()
	now := time.Now().UTC()
	k.CreatedAt = now
	k.UpdatedAt = now

	_, err = r.db.Exec(ctx, store.Q("knowledge/insert"),
		k.ID, k.Title, k.URL, k.SourceType, k.Content, k.ScopeIDs,
		tagsOrEmpty(k.Tags), meta, k.StatusID, k.CreatedAt, k.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// Update rewrites a knowledge item's mutable fields.
func (r *KnowledgeRepository) Update(ctx context.Context, k *model.KnowledgeItem) error {
	meta, err := json.Marshal(k.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	k.UpdatedAt = time.Now().UTC()
	tag, err := r.db.Exec(ctx, store.Q("knowledge/update"),
		k.ID, k.Title, k.URL, k.SourceType, k.Content, k.ScopeIDs,
		tagsOrEmpty(k.Tags), meta, k.StatusID, k.UpdatedAt,
	)
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

// Get retrieves a knowledge item by id.
func (r *KnowledgeRepository) Get(ctx context.Context, id uuid.UUID) (*model.KnowledgeItem, error) {
	rows, err := r.db.Query(ctx, store.Q("knowledge/get"), id)
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
	return scanKnowledge(rows)
}

// List returns knowledge items visible under the read filter, newest first.
func (r *KnowledgeRepository) List(ctx context.Context, statusID int, f ReadFilter, limit, offset int) ([]*model.KnowledgeItem, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, store.Q("knowledge/list"), statusID, f.Admin, f.scopes(), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.KnowledgeItem
	for rows.Next() {
		k, err := scanKnowledge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// Count returns the total matching the List filter, under the same read
// filter.
func (r *KnowledgeRepository) Count(ctx context.Context, statusID int, f ReadFilter) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, store.Q("knowledge/count"), statusID, f.Admin, f.scopes()).Scan(&n)
	return n, err
}

// FindByURL returns the id of the knowledge item holding url.
func (r *KnowledgeRepository) FindByURL(ctx context.Context, url string) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.db.QueryRow(ctx, store.Q("knowledge/by_url"), url).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, ErrNotFound
	}
	return id, err
}

// ScopesByIDs returns scope_ids for each given knowledge id in one batch.
func (r *KnowledgeRepository) ScopesByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID][]int, error) {
	rows, err := r.db.Query(ctx, store.Q("knowledge/scopes_by_ids"), ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[uuid.UUID][]int, len(ids))
	for rows.Next() {
		var id uuid.UUID
		var scopes []int
		if err := rows.Scan(&id, &scopes); err != nil {
			return nil, err
		}
		out[id] = scopes
	}
	return out, rows.Err()
}

func scanKnowledge(rows pgx.Rows) (*model.KnowledgeItem, error) {
	var k model.KnowledgeItem
	var metaRaw []byte
	err := rows.Scan(
		&k.ID, &k.Title, &k.URL, &k.SourceType, &k.Content, &k.ScopeIDs,
		&k.Tags, &metaRaw, &k.StatusID, &k.CreatedAt, &k.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &k.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &k, nil
}
