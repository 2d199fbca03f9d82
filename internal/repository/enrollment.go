package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nebula-cp/nebula/internal/model"
	"github.com/nebula-cp/nebula/internal/store"
)

// EnrollmentRepository provides persistence for enrollment sessions.
type EnrollmentRepository struct {
	db store.Querier
}

// NewEnrollmentRepository creates an EnrollmentRepository.
func NewEnrollmentRepository(db store.Querier) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

// Create inserts a new enrollment session.
func (r *EnrollmentRepository) Create(ctx context.Context, s *model.EnrollmentSession) error {
	s.ID = uuid.New()
	s.CreatedAt = time.Now().UTC()

	_, err := r.db.Exec(ctx, store.Q("enrollment/insert"),
		s.ID, s.AgentID, s.TokenHash, string(s.Status), s.ApprovalRequestID,
		s.ExpiresAt, s.CreatedAt,
	)
	return err
}

// Get retrieves an enrollment session by id.
func (r *EnrollmentRepository) Get(ctx context.Context, id uuid.UUID) (*model.EnrollmentSession, error) {
	return r.get(ctx, store.Q("enrollment/get"), id)
}

// GetByApproval retrieves the session tied to an approval request.
func (r *EnrollmentRepository) GetByApproval(ctx context.Context, approvalID uuid.UUID) (*model.EnrollmentSession, error) {
	return r.get(ctx, store.Q("enrollment/by_approval"), approvalID)
}

func (r *EnrollmentRepository) get(ctx context.Context, q string, arg uuid.UUID) (*model.EnrollmentSession, error) {
	rows, err := r.db.Query(ctx, q, arg)
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
	return scanEnrollment(rows)
}

// SetStatus updates a session's status unconditionally. State-machine
// checks belong to the caller; Redeem is the only guarded transition.
func (r *EnrollmentRepository) SetStatus(ctx context.Context, id uuid.UUID, status model.EnrollmentStatus) error {
	tag, err := r.db.Exec(ctx, store.Q("enrollment/set_status"), id, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Redeem flips an approved session to redeemed. Returns false when the
// session is not currently approved, which makes the token one-time.
func (r *EnrollmentRepository) Redeem(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.db.Exec(ctx, store.Q("enrollment/redeem"), id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func scanEnrollment(rows pgx.Rows) (*model.EnrollmentSession, error) {
	var s model.EnrollmentSession
	var status string
	err := rows.Scan(
		&s.ID, &s.AgentID, &s.TokenHash, &status, &s.ApprovalRequestID,
		&s.ExpiresAt, &s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Status = model.EnrollmentStatus(status)
	return &s, nil
}
