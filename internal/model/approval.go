package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ApprovalStatus is the approval request state machine's state set.
// Transitions are one-shot: a request leaves pending exactly once and
// never re-enters it.
type ApprovalStatus string

const (
	ApprovalPending        ApprovalStatus = "pending"
	ApprovalApproved       ApprovalStatus = "approved"
	ApprovalApprovedFailed ApprovalStatus = "approved-failed"
	ApprovalRejected       ApprovalStatus = "rejected"
)

// ApprovalRequest is a durable proposal by an untrusted agent awaiting
// reviewer action. The payload is append-only; only status and review
// fields mutate.
type ApprovalRequest struct {
	ID                 uuid.UUID       `json:"id"`
	RequestType        string          `json:"request_type"`
	RequestedByAgentID uuid.UUID       `json:"requested_by_agent_id"`
	ChangeDetails      json.RawMessage `json:"change_details"`
	Status             ApprovalStatus  `json:"status"`
	ReviewedByUserID   *uuid.UUID      `json:"reviewed_by_user_id,omitempty"`
	ReviewedAt         *time.Time      `json:"reviewed_at,omitempty"`
	ReviewNotes        string          `json:"review_notes,omitempty"`
	ReviewDetails      *ReviewDetails  `json:"review_details,omitempty"`
	ExecutorError      string          `json:"executor_error,omitempty"`
	LinkedRecordID     string          `json:"linked_record_id,omitempty"`
	RelatedJobID       *string         `json:"related_job_id,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// ReviewDetails carries reviewer grants for register_agent approvals.
// Grants override the agent's originally requested values; other request
// types reject them with INVALID_INPUT.
type ReviewDetails struct {
	GrantScopes           []string `json:"grant_scopes,omitempty"`
	GrantRequiresApproval *bool    `json:"grant_requires_approval,omitempty"`
}

// Empty reports whether no grant fields are set.
func (d *ReviewDetails) Empty() bool {
	return d == nil || (len(d.GrantScopes) == 0 && d.GrantRequiresApproval == nil)
}

// EnrollmentStatus is the lifecycle of an enrollment session.
type EnrollmentStatus string

const (
	EnrollmentPendingApproval EnrollmentStatus = "pending_approval"
	EnrollmentApproved        EnrollmentStatus = "approved"
	EnrollmentRejected        EnrollmentStatus = "rejected"
	EnrollmentExpired         EnrollmentStatus = "expired"
	EnrollmentRedeemed        EnrollmentStatus = "redeemed"
)

// EnrollmentSession is the short-lived association between a pending agent
// row and a one-time-use enrollment token. The raw token is returned to the
// caller once at start time; only its hash is stored.
type EnrollmentSession struct {
	ID                uuid.UUID        `json:"id"`
	AgentID           uuid.UUID        `json:"agent_id"`
	TokenHash         string           `json:"-"`
	Status            EnrollmentStatus `json:"status"`
	ApprovalRequestID uuid.UUID        `json:"approval_request_id"`
	ExpiresAt         time.Time        `json:"expires_at"`
	CreatedAt         time.Time        `json:"created_at"`
}

// Expired reports whether the session's redemption window has closed.
func (s *EnrollmentSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
