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

// EntityRepository provides CRUD for entities.
type EntityRepository struct {
	db store.Querier
}

// NewEntityRepository creates an EntityRepository.
func NewEntityRepository(db store.Querier) *EntityRepository {
	return &EntityRepository{db: db}
}

// Create inserts a new entity. Sets ID, CreatedAt, UpdatedAt on e.
func (r *EntityRepository) Create(ctx context.Context, e *model.Entity) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	e.ID = uuid.New()
	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now

	_, err = r.db.Exec(ctx, store.Q("entities/insert"),
		e.ID, e.Name, e.TypeID, e.StatusID, e.ScopeIDs, tagsOrEmpty(e.Tags),
		meta, e.VaultPath, e.CreatedAt, e.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// Update rewrites an entity's mutable fields.
func (r *EntityRepository) Update(ctx context.Context, e *model.Entity) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	e.UpdatedAt = time.Now().UTC()
	tag, err := r.db.Exec(ctx, store.Q("entities/update"),
		e.ID, e.Name, e.TypeID, e.StatusID, e.ScopeIDs, tagsOrEmpty(e.Tags),
		meta, e.VaultPath, e.UpdatedAt,
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

// Get retrieves an entity by id.
func (r *EntityRepository) Get(ctx context.Context, id uuid.UUID) (*model.Entity, error) {
	rows, err := r.db.Query(ctx, store.Q("entities/get"), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOneEntity(rows)
}

// List returns entities filtered by optional type/status and the caller's
// read filter, newest first.
func (r *EntityRepository) List(ctx context.Context, typeID, statusID int, f ReadFilter, limit, offset int) ([]*model.Entity, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, store.Q("entities/list"), typeID, statusID, f.Admin, f.scopes(), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns the total matching the List filters, under the same read
// filter.
func (r *EntityRepository) Count(ctx context.Context, typeID, statusID int, f ReadFilter) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, store.Q("entities/count"), typeID, statusID, f.Admin, f.scopes()).Scan(&n)
	return n, err
}

// ScopesByIDs returns scope_ids for each of the given entity ids in one
// batched lookup. Missing ids are simply absent from the result map.
func (r *EntityRepository) ScopesByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID][]int, error) {
	rows, err := r.db.Query(ctx, store.Q("entities/scopes_by_ids"), ids)
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

// FindByNameTypeScopes returns the id of an entity with the same
// (name, type, scope set), or ErrNotFound. Scope ids must be sorted — the
// executors normalize them before both writes and lookups, so array
// equality in SQL is exact set equality.
func (r *EntityRepository) FindByNameTypeScopes(ctx context.Context, name string, typeID int, scopeIDs []int) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.db.QueryRow(ctx, store.Q("entities/by_name_type_scopes"), name, typeID, scopeIDs).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, ErrNotFound
	}
	return id, err
}

// FindByVaultPath returns the id of the entity holding the given vault path.
func (r *EntityRepository) FindByVaultPath(ctx context.Context, path string) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.db.QueryRow(ctx, store.Q("entities/by_vault_path"), path).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, ErrNotFound
	}
	return id, err
}

func scanOneEntity(rows pgx.Rows) (*model.Entity, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanEntity(rows)
}

func scanEntity(rows pgx.Rows) (*model.Entity, error) {
	var e model.Entity
	var metaRaw []byte
	err := rows.Scan(
		&e.ID, &e.Name, &e.TypeID, &e.StatusID, &e.ScopeIDs, &e.Tags,
		&metaRaw, &e.VaultPath, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &e.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &e, nil
}

// tagsOrEmpty keeps tag columns non-null.
func tagsOrEmpty(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
