package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nebula-cp/nebula/internal/model"
	"github.com/nebula-cp/nebula/internal/store"
)

// LogRepository provides CRUD for logs.
type LogRepository struct {
	db store.Querier
}

// NewLogRepository creates a LogRepository.
func NewLogRepository(db store.Querier) *LogRepository {
	return &LogRepository{db: db}
}

// Create inserts a new log record.
func (r *LogRepository) Create(ctx context.Context, l *model.Log) error {
	value, err := json.Marshal(l.Value)
	if err != nil {
		return fmt.Errorf("marshal value: %w", err)
	}
	meta, err := json.Marshal(l.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	l.ID = uuid.New()
	now := time.Now().UTC()
	l.CreatedAt = now
	l.UpdatedAt = now
	if l.Timestamp.IsZero() {
		l.Timestamp = now
	}

	_, err = r.db.Exec(ctx, store.Q("logs/insert"),
		l.ID, l.LogTypeID, l.Timestamp, value, l.StatusID,
		tagsOrEmpty(l.Tags), meta, l.CreatedAt, l.UpdatedAt,
	)
	return err
}

// Update rewrites a log's mutable fields.
func (r *LogRepository) Update(ctx context.Context, l *model.Log) error {
	value, err := json.Marshal(l.Value)
	if err != nil {
		return fmt.Errorf("marshal value: %w", err)
	}
	meta, err := json.Marshal(l.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	l.UpdatedAt = time.Now().UTC()
	tag, err := r.db.Exec(ctx, store.Q("logs/update"),
		l.ID, l.LogTypeID, l.Timestamp, value, l.StatusID,
		tagsOrEmpty(l.Tags), meta, l.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Get retrieves a log by id.
func (r *LogRepository) Get(ctx context.Context, id uuid.UUID) (*model.Log, error) {
	rows, err := r.db.Query(ctx, store.Q("logs/get"), id)
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
	return scanLog(rows)
}

// List returns logs, newest first, optionally filtered by log type.
func (r *LogRepository) List(ctx context.Context, logTypeID, limit, offset int) ([]*model.Log, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, store.Q("logs/list"), logTypeID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Log
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Count returns the total matching the List filter.
func (r *LogRepository) Count(ctx context.Context, logTypeID int) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, store.Q("logs/count"), logTypeID).Scan(&n)
	return n, err
}

func scanLog(rows pgx.Rows) (*model.Log, error) {
	var l model.Log
	var valueRaw, metaRaw []byte
	err := rows.Scan(
		&l.ID, &l.LogTypeID, &l.Timestamp, &valueRaw, &l.StatusID,
		&l.Tags, &metaRaw, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(valueRaw) > 0 {
		if err := json.Unmarshal(valueRaw, &l.Value); err != nil {
			return nil, fmt.Errorf("unmarshal value: %w", err)
		}
	}
	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &l.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &l, nil
}
