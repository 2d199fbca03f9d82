package handler

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nebula-cp/nebula/internal/actions"
	"github.com/nebula-cp/nebula/internal/enums"
	"github.com/nebula-cp/nebula/internal/model"
	"github.com/nebula-cp/nebula/internal/repository"
	"github.com/nebula-cp/nebula/internal/scope"
)

// JobHandler serves the /jobs resource.
type JobHandler struct {
	repos      *repository.Set
	registry   *enums.Registry
	mediator   *scope.Mediator
	dispatcher *actions.Dispatcher
	logger     *zap.Logger
}

// NewJobHandler builds the handler.
func NewJobHandler(repos *repository.Set, registry *enums.Registry, mediator *scope.Mediator, dispatcher *actions.Dispatcher, logger *zap.Logger) *JobHandler {
	return &JobHandler{repos: repos, registry: registry, mediator: mediator, dispatcher: dispatcher, logger: logger}
}

// Register registers job routes on an authenticated group.
func (h *JobHandler) Register(rg *gin.RouterGroup) {
	jobs := rg.Group("/jobs")
	{
		jobs.GET("", h.List)
		jobs.POST("", h.Create)
		jobs.GET("/:id", h.Get)
		jobs.PATCH("/:id", h.Update)
		jobs.POST("/:id/status", h.UpdateStatus)
	}
}

// List handles GET /jobs. Non-admin agents see only their own jobs.
func (h *JobHandler) List(c *gin.Context) {
	caller := callerFrom(c)
	snap := h.registry.Current()

	statusID := 0
	if name := c.Query("status"); name != "" {
		id, err := snap.Status(name)
		if err != nil {
			respondErr(c, model.ErrInvalid("status", "unknown status "+name))
			return
		}
		statusID = id
	}

	var agentFilter *uuid.UUID
	if caller.IsAgent() && !h.mediator.IsAdmin(caller) {
		agentFilter = &caller.AgentID
	}

	limit, offset := pagination(c)
	jobs, err := h.repos.Jobs.List(c.Request.Context(), agentFilter, statusID, limit, offset)
	if err != nil {
		h.logger.Error("list jobs", zap.Error(err))
		respondErr(c, err)
		return
	}
	total, err := h.repos.Jobs.Count(c.Request.Context(), agentFilter, statusID)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondList(c, jobs, limit, offset, total)
}

// Get handles GET /jobs/:id.
func (h *JobHandler) Get(c *gin.Context) {
	caller := callerFrom(c)
	job, err := h.repos.Jobs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			respondErr(c, model.ErrNotFound("job"))
		} else {
			respondErr(c, err)
		}
		return
	}
	if err := h.mediator.JobAccess(caller, job); err != nil {
		respondErr(c, err)
		return
	}
	respondData(c, job)
}

// Create handles POST /jobs.
func (h *JobHandler) Create(c *gin.Context) {
	body, ok := rawBody(c)
	if !ok {
		return
	}
	dispatch(c, h.dispatcher, "create_job", body)
}

// Update handles PATCH /jobs/:id.
func (h *JobHandler) Update(c *gin.Context) {
	body, ok := bodyWithID(c, "id")
	if !ok {
		return
	}
	dispatch(c, h.dispatcher, "update_job", body)
}

// UpdateStatus handles POST /jobs/:id/status.
func (h *JobHandler) UpdateStatus(c *gin.Context) {
	body, ok := bodyWithID(c, "id")
	if !ok {
		return
	}
	dispatch(c, h.dispatcher, "update_job_status", body)
}
