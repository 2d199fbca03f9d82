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

// KnowledgeHandler serves the /knowledge resource.
type KnowledgeHandler struct {
	repos      *repository.Set
	registry   *enums.Registry
	mediator   *scope.Mediator
	dispatcher *actions.Dispatcher
	logger     *zap.Logger
}

// NewKnowledgeHandler builds the handler.
func NewKnowledgeHandler(repos *repository.Set, registry *enums.Registry, mediator *scope.Mediator, dispatcher *actions.Dispatcher, logger *zap.Logger) *KnowledgeHandler {
	return &KnowledgeHandler{repos: repos, registry: registry, mediator: mediator, dispatcher: dispatcher, logger: logger}
}

// Register registers knowledge routes on an authenticated group.
func (h *KnowledgeHandler) Register(rg *gin.RouterGroup) {
	items := rg.Group("/knowledge")
	{
		items.GET("", h.List)
		items.POST("", h.Create)
		items.GET("/:id", h.Get)
		items.PATCH("/:id", h.Update)
	}
}

// List handles GET /knowledge.
func (h *KnowledgeHandler) List(c *gin.Context) {
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

	filter := h.mediator.ReadFilter(caller)
	limit, offset := pagination(c)
	items, err := h.repos.Knowledge.List(c.Request.Context(), statusID, filter, limit, offset)
	if err != nil {
		h.logger.Error("list knowledge", zap.Error(err))
		respondErr(c, err)
		return
	}
	total, err := h.repos.Knowledge.Count(c.Request.Context(), statusID, filter)
	if err != nil {
		respondErr(c, err)
		return
	}

	for _, k := range items {
		k.Metadata = h.mediator.FilterSegments(caller, k.Metadata)
	}
	respondList(c, items, limit, offset, total)
}

// Get handles GET /knowledge/:id.
func (h *KnowledgeHandler) Get(c *gin.Context) {
	caller := callerFrom(c)
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondErr(c, model.ErrNotFound("knowledge item"))
		return
	}
	item, err := h.repos.Knowledge.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			respondErr(c, model.ErrNotFound("knowledge item"))
		} else {
			respondErr(c, err)
		}
		return
	}
	if !h.mediator.CanRead(caller, item.ScopeIDs) {
		respondErr(c, model.ErrNotFound("knowledge item"))
		return
	}
	item.Metadata = h.mediator.FilterSegments(caller, item.Metadata)
	respondData(c, item)
}

// Create handles POST /knowledge.
func (h *KnowledgeHandler) Create(c *gin.Context) {
	body, ok := rawBody(c)
	if !ok {
		return
	}
	dispatch(c, h.dispatcher, "create_knowledge", body)
}

// Update handles PATCH /knowledge/:id.
func (h *KnowledgeHandler) Update(c *gin.Context) {
	body, ok := bodyWithID(c, "id")
	if !ok {
		return
	}
	dispatch(c, h.dispatcher, "update_knowledge", body)
}
