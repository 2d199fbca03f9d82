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

// JobRepository provides CRUD for jobs.
type JobRepository struct {
	db store.Querier
}

// NewJobRepository creates a JobRepository.
func NewJobRepository(db store.Querier) *JobRepository {
	return &JobRepository{db: db}
}

// Create inserts a new job. The caller assigns the quarter-scoped id.
func (r *JobRepository) Create(ctx context.Context, j *model.Job) error {
	meta, err := json.Marshal(j.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	now := time.Now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now

	_, err = r.db.Exec(ctx, store.Q("jobs/insert"),
		j.ID, j.Title, j.Description, j.JobType, j.AssigneeUserID, j.AgentID,
		j.StatusID, string(j.Priority), j.ParentJobID, j.DueAt, j.CompletedAt,
		meta, j.CreatedAt, j.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// Update rewrites a job's mutable fields. The owning agent_id is immutable.
func (r *JobRepository) Update(ctx context.Context, j *model.Job) error {
	meta, err := json.Marshal(j.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	j.UpdatedAt = time.Now().UTC()
	tag, err := r.db.Exec(ctx, store.Q("jobs/update"),
		j.ID, j.Title, j.Description, j.JobType, j.AssigneeUserID,
		j.StatusID, string(j.Priority), j.ParentJobID, j.DueAt, j.CompletedAt,
		meta, j.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetStatus updates only the status (and completion time) of a job.
func (r *JobRepository) SetStatus(ctx context.Context, id string, statusID int, completedAt *time.Time) error {
	tag, err := r.db.Exec(ctx, store.Q("jobs/set_status"), id, statusID, completedAt, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Get retrieves a job by id.
func (r *JobRepository) Get(ctx context.Context, id string) (*model.Job, error) {
	rows, err := r.db.Query(ctx, store.Q("jobs/get"), id)
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
	return scanJob(rows)
}

// List returns jobs filtered by optional owning agent and status.
// agentID filters only when non-nil.
func (r *JobRepository) List(ctx context.Context, agentID *uuid.UUID, statusID, limit, offset int) ([]*model.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, store.Q("jobs/list"), agentID, statusID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// Count returns the total matching the List filters.
func (r *JobRepository) Count(ctx context.Context, agentID *uuid.UUID, statusID int) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, store.Q("jobs/count"), agentID, statusID).Scan(&n)
	return n, err
}

// Exists reports whether a job id is already taken.
func (r *JobRepository) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := r.db.QueryRow(ctx, store.Q("jobs/exists"), id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func scanJob(rows pgx.Rows) (*model.Job, error) {
	var j model.Job
	var metaRaw []byte
	var priority string
	err := rows.Scan(
		&j.ID, &j.Title, &j.Description, &j.JobType, &j.AssigneeUserID,
		&j.AgentID, &j.StatusID, &priority, &j.ParentJobID, &j.DueAt,
		&j.CompletedAt, &metaRaw, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Priority = model.JobPriority(priority)
	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &j.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &j, nil
}
