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

// EntityHandler serves the /entities resource.
type EntityHandler struct {
	repos      *repository.Set
	registry   *enums.Registry
	mediator   *scope.Mediator
	dispatcher *actions.Dispatcher
	logger     *zap.Logger
}

// NewEntityHandler builds the handler.
func NewEntityHandler(repos *repository.Set, registry *enums.Registry, mediator *scope.Mediator, dispatcher *actions.Dispatcher, logger *zap.Logger) *EntityHandler {
	return &EntityHandler{repos: repos, registry: registry, mediator: mediator, dispatcher: dispatcher, logger: logger}
}

// Register registers entity routes on an authenticated group.
func (h *EntityHandler) Register(rg *gin.RouterGroup) {
	entities := rg.Group("/entities")
	{
		entities.GET("", h.List)
		entities.POST("", h.Create)
		entities.GET("/:id", h.Get)
		entities.PATCH("/:id", h.Update)
		entities.POST("/:id/revert", h.Revert)
		entities.GET("/:id/history", h.History)
		entities.POST("/bulk/tags", h.BulkTags)
		entities.POST("/bulk/scopes", h.BulkScopes)
	}
}

// List handles GET /entities.
func (h *EntityHandler) List(c *gin.Context) {
	caller := callerFrom(c)
	snap := h.registry.Current()

	typeID, ok := h.filterID(c, snap.EntityType, c.Query("type"), "type")
	if !ok {
		return
	}
	statusID, ok := h.filterID(c, snap.Status, c.Query("status"), "status")
	if !ok {
		return
	}

	// The read filter runs in SQL so pages stay full and meta.total never
	// counts rows the caller cannot see.
	filter := h.mediator.ReadFilter(caller)
	limit, offset := pagination(c)
	ents, err := h.repos.Entities.List(c.Request.Context(), typeID, statusID, filter, limit, offset)
	if err != nil {
		h.logger.Error("list entities", zap.Error(err))
		respondErr(c, err)
		return
	}
	total, err := h.repos.Entities.Count(c.Request.Context(), typeID, statusID, filter)
	if err != nil {
		respondErr(c, err)
		return
	}

	for _, e := range ents {
		e.Metadata = h.mediator.FilterSegments(caller, e.Metadata)
	}
	respondList(c, ents, limit, offset, total)
}

// Get handles GET /entities/:id.
func (h *EntityHandler) Get(c *gin.Context) {
	caller := callerFrom(c)
	entity, ok := h.visibleEntity(c, caller)
	if !ok {
		return
	}
	entity.Metadata = h.mediator.FilterSegments(caller, entity.Metadata)
	respondData(c, entity)
}

// Create handles POST /entities.
func (h *EntityHandler) Create(c *gin.Context) {
	body, ok := rawBody(c)
	if !ok {
		return
	}
	dispatch(c, h.dispatcher, "create_entity", body)
}

// Update handles PATCH /entities/:id.
func (h *EntityHandler) Update(c *gin.Context) {
	body, ok := bodyWithID(c, "id")
	if !ok {
		return
	}
	dispatch(c, h.dispatcher, "update_entity", body)
}

// Revert handles POST /entities/:id/revert.
func (h *EntityHandler) Revert(c *gin.Context) {
	body, ok := bodyWithID(c, "id")
	if !ok {
		return
	}
	dispatch(c, h.dispatcher, "revert_entity", body)
}

// History handles GET /entities/:id/history — the audit trail of one
// entity, visible only to callers who can read the entity itself.
func (h *EntityHandler) History(c *gin.Context) {
	caller := callerFrom(c)
	entity, ok := h.visibleEntity(c, caller)
	if !ok {
		return
	}

	limit, offset := pagination(c)
	entries, err := h.repos.Audit.ListForRecord(c.Request.Context(), "entities", entity.ID.String(), limit, offset)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondList(c, entries, limit, offset, len(entries)+offset)
}

// BulkTags handles POST /entities/bulk/tags.
func (h *EntityHandler) BulkTags(c *gin.Context) {
	body, ok := rawBody(c)
	if !ok {
		return
	}
	dispatch(c, h.dispatcher, "bulk_update_entity_tags", body)
}

// BulkScopes handles POST /entities/bulk/scopes.
func (h *EntityHandler) BulkScopes(c *gin.Context) {
	body, ok := rawBody(c)
	if !ok {
		return
	}
	dispatch(c, h.dispatcher, "bulk_update_entity_scopes", body)
}

// visibleEntity loads the :id entity, collapsing malformed ids, missing
// rows, and scope-invisible rows into the same 404.
func (h *EntityHandler) visibleEntity(c *gin.Context, caller *model.Caller) (*model.Entity, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondErr(c, model.ErrNotFound("entity"))
		return nil, false
	}
	entity, err := h.repos.Entities.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			respondErr(c, model.ErrNotFound("entity"))
		} else {
			respondErr(c, err)
		}
		return nil, false
	}
	if !h.mediator.CanRead(caller, entity.ScopeIDs) {
		respondErr(c, model.ErrNotFound("entity"))
		return nil, false
	}
	return entity, true
}

// filterID resolves an optional enum-name query param to its id. Zero means
// "no filter"; an unknown name is a 400, not an empty result.
func (h *EntityHandler) filterID(c *gin.Context, resolve func(string) (int, error), name, field string) (int, bool) {
	if name == "" {
		return 0, true
	}
	id, err := resolve(name)
	if err != nil {
		respondErr(c, model.ErrInvalid(field, "unknown "+field+" "+name))
		return 0, false
	}
	return id, true
}
