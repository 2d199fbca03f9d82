// Package notify delivers reviewer notifications for pending approval
// requests. Delivery is best effort and runs off the request path.
package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nebula-cp/nebula/internal/model"
)

// Sender delivers one plain-text message.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// NoopSender stands in when SMTP is not configured: every message lands in
// the log instead of a mailbox.
type NoopSender struct {
	logger *zap.Logger
}

// NewNoopSender builds a NoopSender over the given logger.
func NewNoopSender(logger *zap.Logger) *NoopSender {
	return &NoopSender{logger: logger}
}

// Send records the would-be delivery and succeeds.
func (n *NoopSender) Send(_ context.Context, to, subject, body string) error {
	n.logger.Info("notification suppressed, no sender configured",
		zap.String("to", to),
		zap.String("subject", subject),
		zap.Int("body_bytes", len(body)),
	)
	return nil
}

// Reviewer emails a fixed reviewer address whenever an agent files a new
// proposal. Implements approval.Notifier.
type Reviewer struct {
	sender  Sender
	to      string
	baseURL string
	log     *zap.Logger
}

// NewReviewer builds a Reviewer notifier. baseURL is used to render a link
// to the review endpoint.
func NewReviewer(sender Sender, to, baseURL string, log *zap.Logger) *Reviewer {
	return &Reviewer{sender: sender, to: to, baseURL: baseURL, log: log}
}

// ApprovalRequested sends the notification in a detached goroutine so the
// proposing request never waits on SMTP.
func (r *Reviewer) ApprovalRequested(ctx context.Context, req *model.ApprovalRequest) {
	if r.to == "" {
		return
	}
	subject := fmt.Sprintf("[nebula] approval requested: %s", req.RequestType)
	body := fmt.Sprintf(
		"An agent filed a new %s proposal.\n\nRequest ID: %s\nAgent ID:   %s\nFiled at:   %s\n\nReview it at %s/approvals/%s\n",
		req.RequestType, req.ID, req.RequestedByAgentID,
		req.CreatedAt.Format(time.RFC3339), r.baseURL, req.ID,
	)

	go func() {
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		if err := r.sender.Send(sendCtx, r.to, subject, body); err != nil {
			r.log.Warn("reviewer notification failed",
				zap.Error(err),
				zap.String("request_id", req.ID.String()),
			)
		}
	}()
}
