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

// RelationshipHandler serves the /relationships resource.
type RelationshipHandler struct {
	repos      *repository.Set
	mediator   *scope.Mediator
	dispatcher *actions.Dispatcher
	logger     *zap.Logger
}

// NewRelationshipHandler builds the handler.
func NewRelationshipHandler(repos *repository.Set, mediator *scope.Mediator, dispatcher *actions.Dispatcher, logger *zap.Logger) *RelationshipHandler {
	return &RelationshipHandler{repos: repos, mediator: mediator, dispatcher: dispatcher, logger: logger}
}

// Register registers relationship routes on an authenticated group.
func (h *RelationshipHandler) Register(rg *gin.RouterGroup) {
	rels := rg.Group("/relationships")
	{
		rels.GET("", h.ListForNode)
		rels.POST("", h.Create)
		rels.GET("/:id", h.Get)
		rels.PATCH("/:id", h.Update)
	}
}

// ListForNode handles GET /relationships?node_type=&node_id= — the edges
// touching one node, restricted to edges whose far endpoint is also visible.
func (h *RelationshipHandler) ListForNode(c *gin.Context) {
	caller := callerFrom(c)
	node := model.NodeRef{
		Type: model.NodeType(c.Query("node_type")),
		ID:   c.Query("node_id"),
	}
	if !model.ValidNodeType(node.Type) {
		respondErr(c, model.ErrInvalid("node_type", "unknown node type"))
		return
	}
	if node.ID == "" {
		respondErr(c, model.ErrInvalid("node_id", "node_id is required"))
		return
	}

	visibleNode, err := h.mediator.NodeVisible(c.Request.Context(), caller, node)
	if err != nil {
		respondErr(c, err)
		return
	}
	if !visibleNode {
		respondErr(c, model.ErrNotFound(string(node.Type)))
		return
	}

	limit, offset := pagination(c)
	rels, err := h.repos.Relationships.ListForNode(c.Request.Context(), node, limit, offset)
	if err != nil {
		h.logger.Error("list relationships", zap.Error(err))
		respondErr(c, err)
		return
	}

	visible := make([]*model.Relationship, 0, len(rels))
	for _, rel := range rels {
		if h.mediator.EndpointCheck(c.Request.Context(), caller, rel.Source, rel.Target) != nil {
			continue
		}
		visible = append(visible, rel)
	}
	respondList(c, visible, limit, offset, len(visible)+offset)
}

// Get handles GET /relationships/:id. An edge is visible only when both of
// its endpoints are.
func (h *RelationshipHandler) Get(c *gin.Context) {
	caller := callerFrom(c)
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondErr(c, model.ErrNotFound("relationship"))
		return
	}
	rel, err := h.repos.Relationships.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			respondErr(c, model.ErrNotFound("relationship"))
		} else {
			respondErr(c, err)
		}
		return
	}
	if err := h.mediator.EndpointCheck(c.Request.Context(), caller, rel.Source, rel.Target); err != nil {
		respondErr(c, model.ErrNotFound("relationship"))
		return
	}
	respondData(c, rel)
}

// Create handles POST /relationships.
func (h *RelationshipHandler) Create(c *gin.Context) {
	body, ok := rawBody(c)
	if !ok {
		return
	}
	dispatch(c, h.dispatcher, "create_relationship", body)
}

// Update handles PATCH /relationships/:id.
func (h *RelationshipHandler) Update(c *gin.Context) {
	body, ok := bodyWithID(c, "id")
	if !ok {
		return
	}
	dispatch(c, h.dispatcher, "update_relationship", body)
}
