package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nebula-cp/nebula/internal/auth"
	"github.com/nebula-cp/nebula/internal/enums"
	"github.com/nebula-cp/nebula/internal/model"
	"github.com/nebula-cp/nebula/internal/repository"
	"github.com/nebula-cp/nebula/internal/store"
)

// DefaultEnrollTTL is how long an enrollment session stays redeemable.
const DefaultEnrollTTL = 15 * time.Minute

// Long-poll pacing for Wait.
const (
	waitInitialInterval = 1 * time.Second
	waitMaxInterval     = 5 * time.Second
	waitDefaultTimeout  = 30 * time.Second
)

// Enrollment runs the bootstrap flow: an unenrolled agent starts a session,
// a reviewer decides the linked register_agent request, and the agent
// redeems its one-time token for an API key.
type Enrollment struct {
	repos    *repository.Set
	db       TxRunner
	registry *enums.Registry
	notifier Notifier
	log      *zap.Logger
	ttl      time.Duration
}

// NewEnrollment builds the enrollment service. ttl <= 0 defaults to
// DefaultEnrollTTL.
func NewEnrollment(repos *repository.Set, db TxRunner, registry *enums.Registry, notifier Notifier, log *zap.Logger, ttl time.Duration) *Enrollment {
	if ttl <= 0 {
		ttl = DefaultEnrollTTL
	}
	return &Enrollment{repos: repos, db: db, registry: registry, notifier: notifier, log: log, ttl: ttl}
}

// StartRequest is an agent's self-registration proposal.
type StartRequest struct {
	Name            string   `json:"name"`
	Description     string   `json:"description,omitempty"`
	Capabilities    []string `json:"capabilities,omitempty"`
	RequestedScopes []string `json:"requested_scopes,omitempty"`
}

// StartResult carries the one-time token back to the caller. The token is
// never retrievable again.
type StartResult struct {
	SessionID         uuid.UUID `json:"session_id"`
	ApprovalRequestID uuid.UUID `json:"approval_request_id"`
	Token             string    `json:"enroll_token"`
	ExpiresAt         time.Time `json:"expires_at"`
}

// Start creates the inactive agent row, the register_agent approval request,
// and the enrollment session in one transaction.
func (s *Enrollment) Start(ctx context.Context, req StartRequest) (*StartResult, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, model.ErrInvalid("name", "agent name is required")
	}

	snap := s.registry.Current()
	inactiveID, err := snap.Status(model.StatusInactive)
	if err != nil {
		return nil, model.ErrInternal()
	}
	// Requested scopes are validated now but granted only by the reviewer.
	// Requesting none is fine; the reviewer decides what to grant.
	if len(req.RequestedScopes) > 0 {
		if _, err := snap.Scopes(req.RequestedScopes); err != nil {
			return nil, err
		}
	}

	if _, err := s.repos.Agents.GetByName(ctx, name); err == nil {
		return nil, model.ErrConflict("agent name already in use")
	} else if !errors.Is(err, repository.ErrNotFound) {
		s.log.Error("agent name lookup failed", zap.Error(err))
		return nil, model.ErrInternal()
	}

	rawToken, _, tokenHash, err := auth.GenerateEnrollToken()
	if err != nil {
		s.log.Error("enroll token generation failed", zap.Error(err))
		return nil, model.ErrInternal()
	}

	agent := &model.Agent{
		Name:             name,
		Description:      req.Description,
		ScopeIDs:         []int{},
		Capabilities:     req.Capabilities,
		RequiresApproval: true,
		StatusID:         inactiveID,
	}
	approvalReq := &model.ApprovalRequest{RequestType: RegisterAgentType}
	session := &model.EnrollmentSession{
		TokenHash: tokenHash,
		Status:    model.EnrollmentPendingApproval,
		ExpiresAt: time.Now().UTC().Add(s.ttl),
	}

	err = s.db.WithTx(ctx, model.AuditIdentity{Kind: "system"}, func(tx store.Querier) error {
		txRepos := repository.New(tx)

		if err := txRepos.Agents.Create(ctx, agent); err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				return model.ErrConflict("agent name already in use")
			}
			return err
		}

		change, err := json.Marshal(map[string]any{
			"agent_id":         agent.ID,
			"name":             agent.Name,
			"description":      agent.Description,
			"capabilities":     agent.Capabilities,
			"requested_scopes": req.RequestedScopes,
		})
		if err != nil {
			return fmt.Errorf("marshal change details: %w", err)
		}
		approvalReq.RequestedByAgentID = agent.ID
		approvalReq.ChangeDetails = change
		if err := txRepos.Approvals.Create(ctx, approvalReq); err != nil {
			return err
		}

		session.AgentID = agent.ID
		session.ApprovalRequestID = approvalReq.ID
		return txRepos.Enrollments.Create(ctx, session)
	})
	if err != nil {
		var me *model.Error
		if errors.As(err, &me) {
			return nil, me
		}
		s.log.Error("enrollment start failed", zap.Error(err))
		return nil, model.ErrInternal()
	}

	if s.notifier != nil {
		s.notifier.ApprovalRequested(ctx, approvalReq)
	}
	s.log.Info("enrollment started",
		zap.String("agent", agent.Name),
		zap.String("session_id", session.ID.String()),
	)
	return &StartResult{
		SessionID:         session.ID,
		ApprovalRequestID: approvalReq.ID,
		Token:             rawToken,
		ExpiresAt:         session.ExpiresAt,
	}, nil
}

// WaitResult is the outcome of one long-poll round.
type WaitResult struct {
	Status       model.EnrollmentStatus `json:"status"`
	CanRedeem    bool                   `json:"can_redeem"`
	RetryAfterMs int64                  `json:"retry_after_ms,omitempty"`
	Reason       string                 `json:"reason,omitempty"`
}

// MaxWait caps one enrollWait long-poll round.
const MaxWait = 60 * time.Second

// Wait long-polls the session until it leaves pending_approval or maxWait
// elapses. Cancellation returns immediately without touching the session;
// retrying is always safe. The token is verified up front so only its
// holder can observe the session's progress.
func (s *Enrollment) Wait(ctx context.Context, sessionID uuid.UUID, token string, maxWait time.Duration) (*WaitResult, error) {
	if maxWait <= 0 || maxWait > MaxWait {
		maxWait = waitDefaultTimeout
	}
	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !auth.WellFormedEnrollToken(token) || !auth.VerifySecret(token, sess.TokenHash) {
		return nil, model.ErrNotFound("enrollment session")
	}

	pollCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	interval := waitInitialInterval
	for {
		status := s.settleExpiry(ctx, sess)
		if status != model.EnrollmentPendingApproval {
			return waitResult(status, 0), nil
		}

		select {
		case <-pollCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return waitResult(model.EnrollmentPendingApproval, maxWait.Milliseconds()), nil
		case <-time.After(interval):
		}
		if interval < waitMaxInterval {
			interval *= 2
			if interval > waitMaxInterval {
				interval = waitMaxInterval
			}
		}

		sess, err = s.load(pollCtx, sessionID)
		if err != nil {
			return nil, err
		}
	}
}

func waitResult(status model.EnrollmentStatus, retryAfterMs int64) *WaitResult {
	r := &WaitResult{Status: status, RetryAfterMs: retryAfterMs}
	switch status {
	case model.EnrollmentApproved:
		r.CanRedeem = true
	case model.EnrollmentRejected:
		r.Reason = "enrollment was rejected"
	case model.EnrollmentExpired:
		r.Reason = "enrollment session expired"
	case model.EnrollmentRedeemed:
		r.Reason = "enrollment token already redeemed"
	}
	return r
}

// RedeemResult is the outcome of a successful redemption: the agent's first
// API key, shown exactly once.
type RedeemResult struct {
	Agent  *model.Agent `json:"agent"`
	APIKey string       `json:"api_key"`
	Prefix string       `json:"key_prefix"`
}

// Redeem exchanges an approved session's one-time token for an API key.
// The status flip is a compare-and-set, so a token redeems at most once.
func (s *Enrollment) Redeem(ctx context.Context, sessionID uuid.UUID, token string) (*RedeemResult, error) {
	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !auth.WellFormedEnrollToken(token) || !auth.VerifySecret(token, sess.TokenHash) {
		return nil, model.ErrUnauthorized()
	}

	switch s.settleExpiry(ctx, sess) {
	case model.EnrollmentApproved:
	case model.EnrollmentPendingApproval:
		return nil, model.ErrConflict("enrollment not yet approved")
	case model.EnrollmentRejected:
		return nil, model.ErrForbidden("enrollment was rejected")
	case model.EnrollmentExpired:
		return nil, model.ErrConflict("enrollment session expired")
	case model.EnrollmentRedeemed:
		return nil, model.ErrConflict("enrollment token already redeemed")
	}

	won, err := s.repos.Enrollments.Redeem(ctx, sessionID)
	if err != nil {
		s.log.Error("enrollment redeem failed", zap.Error(err))
		return nil, model.ErrInternal()
	}
	if !won {
		return nil, model.ErrConflict("enrollment token already redeemed")
	}

	agent, err := s.repos.Agents.Get(ctx, sess.AgentID)
	if err != nil {
		s.log.Error("agent load failed after redeem", zap.Error(err))
		return nil, model.ErrInternal()
	}

	rawKey, prefix, hash, err := auth.GenerateKey()
	if err != nil {
		s.log.Error("key generation failed", zap.Error(err))
		return nil, model.ErrInternal()
	}
	key := &model.APIKey{
		Prefix:   prefix,
		Hash:     hash,
		Name:     "enrollment: " + agent.Name,
		AgentID:  &agent.ID,
		ScopeIDs: []int{},
	}
	audit := model.AuditIdentity{Kind: "agent", ID: agent.ID}
	err = s.db.WithTx(ctx, audit, func(tx store.Querier) error {
		return repository.NewAPIKeyRepository(tx).Create(ctx, key)
	})
	if err != nil {
		s.log.Error("key creation failed after redeem", zap.Error(err))
		return nil, model.ErrInternal()
	}

	s.log.Info("enrollment redeemed",
		zap.String("agent", agent.Name),
		zap.String("key_prefix", prefix),
	)
	return &RedeemResult{Agent: agent, APIKey: rawKey, Prefix: prefix}, nil
}

// Status returns the session's current state without waiting.
func (s *Enrollment) Status(ctx context.Context, sessionID uuid.UUID) (model.EnrollmentStatus, error) {
	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return s.settleExpiry(ctx, sess), nil
}

func (s *Enrollment) load(ctx context.Context, sessionID uuid.UUID) (*model.EnrollmentSession, error) {
	sess, err := s.repos.Enrollments.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, model.ErrNotFound("enrollment session")
		}
		s.log.Error("enrollment load failed", zap.Error(err))
		return nil, model.ErrInternal()
	}
	return sess, nil
}

// settleExpiry lazily expires overdue sessions and returns the effective
// status. The TTL bounds the whole flow: an approved session that was never
// redeemed expires the same way a pending one does.
func (s *Enrollment) settleExpiry(ctx context.Context, sess *model.EnrollmentSession) model.EnrollmentStatus {
	live := sess.Status == model.EnrollmentPendingApproval || sess.Status == model.EnrollmentApproved
	if !live || !sess.Expired(time.Now().UTC()) {
		return sess.Status
	}
	if err := s.repos.Enrollments.SetStatus(ctx, sess.ID, model.EnrollmentExpired); err != nil {
		s.log.Warn("enrollment expiry update failed", zap.Error(err))
	}
	return model.EnrollmentExpired
}
