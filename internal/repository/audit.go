package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nebula-cp/nebula/internal/model"
	"github.com/nebula-cp/nebula/internal/store"
)

// AuditRepository reads the trigger-written change history. The core never
// writes audit rows directly.
type AuditRepository struct {
	db store.Querier
}

// NewAuditRepository creates an AuditRepository.
func NewAuditRepository(db store.Querier) *AuditRepository {
	return &AuditRepository{db: db}
}

// Get retrieves one audit entry by id.
func (r *AuditRepository) Get(ctx context.Context, id uuid.UUID) (*model.AuditEntry, error) {
	rows, err := r.db.Query(ctx, store.Q("audit/get"), id)
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
	return scanAuditEntry(rows)
}

// ListForRecord returns a record's change history, newest first.
func (r *AuditRepository) ListForRecord(ctx context.Context, table, recordID string, limit, offset int) ([]*model.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, store.Q("audit/list_for_record"), table, recordID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanAuditEntry(rows pgx.Rows) (*model.AuditEntry, error) {
	var e model.AuditEntry
	err := rows.Scan(
		&e.ID, &e.TableName, &e.RecordID, &e.Action, &e.OldData, &e.NewData,
		&e.ChangedByType, &e.ChangedByID, &e.ChangedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
