package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nebula-cp/nebula/internal/approval"
	"github.com/nebula-cp/nebula/internal/model"
	"github.com/nebula-cp/nebula/internal/repository"
)

// ApprovalHandler serves the /approvals resource: the reviewer's queue.
type ApprovalHandler struct {
	engine *approval.Engine
	repos  *repository.Set
	logger *zap.Logger
}

// NewApprovalHandler builds the handler.
func NewApprovalHandler(engine *approval.Engine, repos *repository.Set, logger *zap.Logger) *ApprovalHandler {
	return &ApprovalHandler{engine: engine, repos: repos, logger: logger}
}

// Register registers approval routes on an authenticated group.
func (h *ApprovalHandler) Register(rg *gin.RouterGroup) {
	approvals := rg.Group("/approvals")
	{
		approvals.GET("", h.List)
		approvals.GET("/:id", h.Get)
		approvals.GET("/:id/diff", h.Diff)
		approvals.POST("/:id/approve", h.Approve)
		approvals.POST("/:id/reject", h.Reject)
	}
}

// List handles GET /approvals. Agents see only their own requests.
func (h *ApprovalHandler) List(c *gin.Context) {
	caller := callerFrom(c)
	status := model.ApprovalStatus(c.DefaultQuery("status", string(model.ApprovalPending)))

	limit, offset := pagination(c)
	reqs, err := h.engine.List(c.Request.Context(), caller, status, limit, offset)
	if err != nil {
		respondErr(c, err)
		return
	}
	total, err := h.repos.Approvals.Count(c.Request.Context(), status)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondList(c, reqs, limit, offset, total)
}

// Get handles GET /approvals/:id.
func (h *ApprovalHandler) Get(c *gin.Context) {
	caller := callerFrom(c)
	id, ok := h.requestID(c)
	if !ok {
		return
	}
	req, err := h.engine.Get(c.Request.Context(), caller, id)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondData(c, req)
}

// Diff handles GET /approvals/:id/diff — the field-level change preview a
// reviewer sees before deciding.
func (h *ApprovalHandler) Diff(c *gin.Context) {
	caller := callerFrom(c)
	id, ok := h.requestID(c)
	if !ok {
		return
	}
	req, err := h.engine.Get(c.Request.Context(), caller, id)
	if err != nil {
		respondErr(c, err)
		return
	}
	diff, err := h.engine.DiffFor(c.Request.Context(), req)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondData(c, diff)
}

type reviewInput struct {
	Notes         string               `json:"notes,omitempty"`
	ReviewDetails *model.ReviewDetails `json:"review_details,omitempty"`
}

// Approve handles POST /approvals/:id/approve.
func (h *ApprovalHandler) Approve(c *gin.Context) {
	caller := callerFrom(c)
	id, ok := h.requestID(c)
	if !ok {
		return
	}
	var in reviewInput
	if c.Request.ContentLength != 0 && !bindJSON(c, &in) {
		return
	}

	req, err := h.engine.Approve(c.Request.Context(), caller, id, in.Notes, in.ReviewDetails)
	h.refreshPendingGauge(c)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondData(c, req)
}

// Reject handles POST /approvals/:id/reject.
func (h *ApprovalHandler) Reject(c *gin.Context) {
	caller := callerFrom(c)
	id, ok := h.requestID(c)
	if !ok {
		return
	}
	var in reviewInput
	if c.Request.ContentLength != 0 && !bindJSON(c, &in) {
		return
	}

	req, err := h.engine.Reject(c.Request.Context(), caller, id, in.Notes)
	h.refreshPendingGauge(c)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondData(c, req)
}

func (h *ApprovalHandler) requestID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondErr(c, model.ErrNotFound("approval request"))
		return uuid.Nil, false
	}
	return id, true
}

func (h *ApprovalHandler) refreshPendingGauge(c *gin.Context) {
	n, err := h.repos.Approvals.Count(c.Request.Context(), model.ApprovalPending)
	if err != nil {
		h.logger.Debug("pending gauge refresh failed", zap.Error(err))
		return
	}
	SetPendingApprovals(n)
}
