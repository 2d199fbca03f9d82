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

// ApprovalRepository provides persistence for approval requests.
type ApprovalRepository struct {
	db store.Querier
}

// NewApprovalRepository creates an ApprovalRepository.
func NewApprovalRepository(db store.Querier) *ApprovalRepository {
	return &ApprovalRepository{db: db}
}

// Create inserts a pending approval request.
func (r *ApprovalRepository) Create(ctx context.Context, a *model.ApprovalRequest) error {
	a.ID = uuid.New()
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	a.Status = model.ApprovalPending

	_, err := r.db.Exec(ctx, store.Q("approvals/insert"),
		a.ID, a.RequestType, a.RequestedByAgentID, a.ChangeDetails,
		string(a.Status), a.RelatedJobID, a.CreatedAt, a.UpdatedAt,
	)
	return err
}

// Get retrieves an approval request by id.
func (r *ApprovalRepository) Get(ctx context.Context, id uuid.UUID) (*model.ApprovalRequest, error) {
	rows, err := r.db.Query(ctx, store.Q("approvals/get"), id)
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
	return scanApproval(rows)
}

// List returns approval requests, oldest first, optionally filtered by
// status ("" = all).
func (r *ApprovalRepository) List(ctx context.Context, status model.ApprovalStatus, limit, offset int) ([]*model.ApprovalRequest, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, store.Q("approvals/list"), string(status), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Count returns the total matching the List filter.
func (r *ApprovalRepository) Count(ctx context.Context, status model.ApprovalStatus) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, store.Q("approvals/count"), string(status)).Scan(&n)
	return n, err
}

// CountPendingForAgent returns the agent's pending-request count, used to
// enforce the per-agent proposal cap.
func (r *ApprovalRepository) CountPendingForAgent(ctx context.Context, agentID uuid.UUID) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, store.Q("approvals/count_pending_for_agent"), agentID).Scan(&n)
	return n, err
}

// MarkApproved flips a pending request to approved. Returns false when the
// request had already left pending — the one-shot guarantee.
func (r *ApprovalRepository) MarkApproved(ctx context.Context, id, reviewerID uuid.UUID, notes string, details *model.ReviewDetails) (bool, error) {
	var detailsRaw []byte
	if !details.Empty() {
		var err error
		detailsRaw, err = json.Marshal(details)
		if err != nil {
			return false, fmt.Errorf("marshal review details: %w", err)
		}
	}
	tag, err := r.db.Exec(ctx, store.Q("approvals/mark_approved"),
		id, reviewerID, time.Now().UTC(), notes, detailsRaw,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// MarkRejected flips a pending request to rejected. Returns false when the
// request had already left pending.
func (r *ApprovalRepository) MarkRejected(ctx context.Context, id, reviewerID uuid.UUID, notes string) (bool, error) {
	tag, err := r.db.Exec(ctx, store.Q("approvals/mark_rejected"),
		id, reviewerID, time.Now().UTC(), notes,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// MarkFailed records an executor failure on an approved request. Runs in
// its own transaction so the terminal state survives the executor's
// rollback.
func (r *ApprovalRepository) MarkFailed(ctx context.Context, id uuid.UUID, executorErr string) error {
	_, err := r.db.Exec(ctx, store.Q("approvals/mark_failed"),
		id, executorErr, time.Now().UTC(),
	)
	return err
}

// LinkRecord stores the id of the record the approved executor produced.
func (r *ApprovalRepository) LinkRecord(ctx context.Context, id uuid.UUID, recordID string) error {
	_, err := r.db.Exec(ctx, store.Q("approvals/link_record"),
		id, recordID, time.Now().UTC(),
	)
	return err
}

func scanApproval(rows pgx.Rows) (*model.ApprovalRequest, error) {
	var a model.ApprovalRequest
	var status string
	var detailsRaw []byte
	err := rows.Scan(
		&a.ID, &a.RequestType, &a.RequestedByAgentID, &a.ChangeDetails,
		&status, &a.ReviewedByUserID, &a.ReviewedAt, &a.ReviewNotes,
		&detailsRaw, &a.ExecutorError, &a.LinkedRecordID, &a.RelatedJobID,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Status = model.ApprovalStatus(status)
	if len(detailsRaw) > 0 {
		a.ReviewDetails = &model.ReviewDetails{}
		if err := json.Unmarshal(detailsRaw, a.ReviewDetails); err != nil {
			return nil, fmt.Errorf("unmarshal review details: %w", err)
		}
	}
	return &a, nil
}
