package handler

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nebula-cp/nebula/internal/actions"
	"github.com/nebula-cp/nebula/internal/model"
	"github.com/nebula-cp/nebula/internal/repository"
	"github.com/nebula-cp/nebula/internal/scope"
)

// ProtocolHandler serves the /protocols resource.
type ProtocolHandler struct {
	repos      *repository.Set
	mediator   *scope.Mediator
	dispatcher *actions.Dispatcher
	logger     *zap.Logger
}

// NewProtocolHandler builds the handler.
func NewProtocolHandler(repos *repository.Set, mediator *scope.Mediator, dispatcher *actions.Dispatcher, logger *zap.Logger) *ProtocolHandler {
	return &ProtocolHandler{repos: repos, mediator: mediator, dispatcher: dispatcher, logger: logger}
}

// Register registers protocol routes on an authenticated group.
func (h *ProtocolHandler) Register(rg *gin.RouterGroup) {
	protocols := rg.Group("/protocols")
	{
		protocols.GET("", h.List)
		protocols.POST("", h.Create)
		protocols.GET("/:id", h.Get)
		protocols.PATCH("/:id", h.Update)
	}
}

// List handles GET /protocols.
func (h *ProtocolHandler) List(c *gin.Context) {
	caller := callerFrom(c)
	filter := h.mediator.ReadFilter(caller)
	limit, offset := pagination(c)
	protocols, err := h.repos.Protocols.List(c.Request.Context(), filter, limit, offset)
	if err != nil {
		h.logger.Error("list protocols", zap.Error(err))
		respondErr(c, err)
		return
	}
	total, err := h.repos.Protocols.Count(c.Request.Context(), filter)
	if err != nil {
		respondErr(c, err)
		return
	}

	for _, p := range protocols {
		p.Metadata = h.mediator.FilterSegments(caller, p.Metadata)
	}
	respondList(c, protocols, limit, offset, total)
}

// Get handles GET /protocols/:id.
func (h *ProtocolHandler) Get(c *gin.Context) {
	caller := callerFrom(c)
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondErr(c, model.ErrNotFound("protocol"))
		return
	}
	p, err := h.repos.Protocols.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			respondErr(c, model.ErrNotFound("protocol"))
		} else {
			respondErr(c, err)
		}
		return
	}
	if !h.mediator.CanRead(caller, p.ScopeIDs) {
		respondErr(c, model.ErrNotFound("protocol"))
		return
	}
	p.Metadata = h.mediator.FilterSegments(caller, p.Metadata)
	respondData(c, p)
}

// Create handles POST /protocols.
func (h *ProtocolHandler) Create(c *gin.Context) {
	body, ok := rawBody(c)
	if !ok {
		return
	}
	dispatch(c, h.dispatcher, "create_protocol", body)
}

// Update handles PATCH /protocols/:id.
func (h *ProtocolHandler) Update(c *gin.Context) {
	body, ok := bodyWithID(c, "id")
	if !ok {
		return
	}
	dispatch(c, h.dispatcher, "update_protocol", body)
}
