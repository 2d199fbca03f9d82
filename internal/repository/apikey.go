package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nebula-cp/nebula/internal/model"
	"github.com/nebula-cp/nebula/internal/store"
)

// APIKeyRepository provides persistence for API keys.
type APIKeyRepository struct {
	db store.Querier
}

// NewAPIKeyRepository creates an APIKeyRepository.
func NewAPIKeyRepository(db store.Querier) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

// Create inserts a new key record. The Hash field must already hold the
// argon2 digest; the raw key is never passed in.
func (r *APIKeyRepository) Create(ctx context.Context, k *model.APIKey) error {
	k.ID = uuid.New()
	k.CreatedAt = time.Now().UTC()

	_, err := r.db.Exec(ctx, store.Q("keys/insert"),
		k.ID, k.Prefix, k.Hash, k.Name, k.EntityID, k.AgentID, k.ScopeIDs,
		k.Revoked, k.ExpiresAt, k.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// GetByPrefix retrieves the key record whose stored prefix matches the
// first eight characters of a presented credential.
func (r *APIKeyRepository) GetByPrefix(ctx context.Context, prefix string) (*model.APIKey, error) {
	rows, err := r.db.Query(ctx, store.Q("keys/by_prefix"), prefix)
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
	return scanAPIKey(rows)
}

// ListForEntity returns all keys owned by a user entity.
func (r *APIKeyRepository) ListForEntity(ctx context.Context, entityID uuid.UUID) ([]*model.APIKey, error) {
	return r.list(ctx, store.Q("keys/list_for_entity"), entityID)
}

// ListForAgent returns all keys owned by an agent.
func (r *APIKeyRepository) ListForAgent(ctx context.Context, agentID uuid.UUID) ([]*model.APIKey, error) {
	return r.list(ctx, store.Q("keys/list_for_agent"), agentID)
}

func (r *APIKeyRepository) list(ctx context.Context, q string, owner uuid.UUID) ([]*model.APIKey, error) {
	rows, err := r.db.Query(ctx, q, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// Revoke marks a key revoked. Revocation is permanent.
func (r *APIKeyRepository) Revoke(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, store.Q("keys/revoke"), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Touch records key usage. Best-effort callers ignore the error.
func (r *APIKeyRepository) Touch(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.db.Exec(ctx, store.Q("keys/touch"), id, at)
	return err
}

func scanAPIKey(rows pgx.Rows) (*model.APIKey, error) {
	var k model.APIKey
	err := rows.Scan(
		&k.ID, &k.Prefix, &k.Hash, &k.Name, &k.EntityID, &k.AgentID,
		&k.ScopeIDs, &k.Revoked, &k.ExpiresAt, &k.LastUsedAt, &k.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &k, nil
}
