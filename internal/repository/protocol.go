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

// ProtocolRepository provides CRUD for protocols.
type ProtocolRepository struct {
	db store.Querier
}

// NewProtocolRepository creates a ProtocolRepository.
func NewProtocolRepository(db store.Querier) *ProtocolRepository {
	return &ProtocolRepository{db: db}
}

// Create inserts a new protocol.
func (r *ProtocolRepository) Create(ctx context.Context, p *model.Protocol) error {
	steps, err := json.Marshal(p.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	meta, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	p.ID = uuid.New()
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err = r.db.Exec(ctx, store.Q("protocols/insert"),
		p.ID, p.Name, p.Description, steps, p.ScopeIDs, tagsOrEmpty(p.Tags),
		meta, p.StatusID, p.CreatedAt, p.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// Update rewrites a protocol's mutable fields.
func (r *ProtocolRepository) Update(ctx context.Context, p *model.Protocol) error {
	steps, err := json.Marshal(p.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	meta, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	p.UpdatedAt = time.Now().UTC()
	tag, err := r.db.Exec(ctx, store.Q("protocols/update"),
		p.ID, p.Name, p.Description, steps, p.ScopeIDs, tagsOrEmpty(p.Tags),
		meta, p.StatusID, p.UpdatedAt,
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

// Get retrieves a protocol by id.
func (r *ProtocolRepository) Get(ctx context.Context, id uuid.UUID) (*model.Protocol, error) {
	rows, err := r.db.Query(ctx, store.Q("protocols/get"), id)
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
	return scanProtocol(rows)
}

// List returns protocols visible under the read filter, ordered by name.
func (r *ProtocolRepository) List(ctx context.Context, f ReadFilter, limit, offset int) ([]*model.Protocol, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, store.Q("protocols/list"), f.Admin, f.scopes(), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Protocol
	for rows.Next() {
		p, err := scanProtocol(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Count returns the number of protocols visible under the read filter.
func (r *ProtocolRepository) Count(ctx context.Context, f ReadFilter) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, store.Q("protocols/count"), f.Admin, f.scopes()).Scan(&n)
	return n, err
}

// FindByName returns the id of the protocol with the given name.
func (r *ProtocolRepository) FindByName(ctx context.Context, name string) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.db.QueryRow(ctx, store.Q("protocols/by_name"), name).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, ErrNotFound
	}
	return id, err
}

// ScopesByIDs returns scope_ids for each given protocol id in one batch.
func (r *ProtocolRepository) ScopesByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID][]int, error) {
	rows, err := r.db.Query(ctx, store.Q("protocols/scopes_by_ids"), ids)
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

func scanProtocol(rows pgx.Rows) (*model.Protocol, error) {
	var p model.Protocol
	var stepsRaw, metaRaw []byte
	err := rows.Scan(
		&p.ID, &p.Name, &p.Description, &stepsRaw, &p.ScopeIDs, &p.Tags,
		&metaRaw, &p.StatusID, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(stepsRaw) > 0 {
		if err := json.Unmarshal(stepsRaw, &p.Steps); err != nil {
			return nil, fmt.Errorf("unmarshal steps: %w", err)
		}
	}
	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &p.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &p, nil
}
