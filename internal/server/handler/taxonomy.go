package handler

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nebula-cp/nebula/internal/enums"
	"github.com/nebula-cp/nebula/internal/model"
	"github.com/nebula-cp/nebula/internal/repository"
	"github.com/nebula-cp/nebula/internal/scope"
)

// TaxonomyHandler serves the /taxonomy resource: the five enum tables and
// the registry reload hook.
type TaxonomyHandler struct {
	repos    *repository.Set
	registry *enums.Registry
	mediator *scope.Mediator
	logger   *zap.Logger
}

// NewTaxonomyHandler builds the handler.
func NewTaxonomyHandler(repos *repository.Set, registry *enums.Registry, mediator *scope.Mediator, logger *zap.Logger) *TaxonomyHandler {
	return &TaxonomyHandler{repos: repos, registry: registry, mediator: mediator, logger: logger}
}

// Register registers taxonomy routes on an authenticated group.
func (h *TaxonomyHandler) Register(rg *gin.RouterGroup) {
	tax := rg.Group("/taxonomy")
	{
		tax.GET("/:kind", h.Rows)
		tax.POST("/scopes", h.CreateScope)
		tax.PATCH("/:kind/:id", h.Rename)
		tax.POST("/reload", h.Reload)
	}
}

// Rows handles GET /taxonomy/:kind.
func (h *TaxonomyHandler) Rows(c *gin.Context) {
	kind := model.TaxonomyKind(c.Param("kind"))
	if !model.ValidTaxonomyKind(kind) {
		respondErr(c, model.ErrInvalid("kind", "unknown taxonomy kind"))
		return
	}
	if kind == model.TaxonomyRelationshipTypes {
		rows, err := h.repos.Taxonomy.RelationshipTypes(c.Request.Context())
		if err != nil {
			respondErr(c, err)
			return
		}
		respondData(c, rows)
		return
	}
	rows, err := h.repos.Taxonomy.Rows(c.Request.Context(), kind)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondData(c, rows)
}

type createScopeInput struct {
	Name string `json:"name"`
}

// CreateScope handles POST /taxonomy/scopes. Admin only; new scopes become
// assignable after the registry reload this triggers.
func (h *TaxonomyHandler) CreateScope(c *gin.Context) {
	caller := callerFrom(c)
	if !h.mediator.IsAdmin(caller) {
		respondErr(c, model.ErrForbidden("scope management requires admin"))
		return
	}
	var in createScopeInput
	if !bindJSON(c, &in) {
		return
	}
	name := strings.ToLower(strings.TrimSpace(in.Name))
	if name == "" {
		respondErr(c, model.ErrInvalid("name", "scope name is required"))
		return
	}

	id, err := h.repos.Taxonomy.CreateScope(c.Request.Context(), name)
	if err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			respondErr(c, model.ErrConflict("scope name already exists"))
		} else {
			respondErr(c, err)
		}
		return
	}
	h.reload(c)
	respondData(c, model.TaxonomyRow{ID: id, Name: name})
}

type renameInput struct {
	Name string `json:"name"`
}

// Rename handles PATCH /taxonomy/:kind/:id. Built-in rows are immutable:
// renaming one is a CONFLICT, and so is renaming onto a built-in name.
func (h *TaxonomyHandler) Rename(c *gin.Context) {
	caller := callerFrom(c)
	if !h.mediator.IsAdmin(caller) {
		respondErr(c, model.ErrForbidden("taxonomy management requires admin"))
		return
	}
	kind := model.TaxonomyKind(c.Param("kind"))
	if !model.ValidTaxonomyKind(kind) {
		respondErr(c, model.ErrInvalid("kind", "unknown taxonomy kind"))
		return
	}
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		respondErr(c, model.ErrNotFound("taxonomy row"))
		return
	}
	var in renameInput
	if !bindJSON(c, &in) {
		return
	}
	name := strings.ToLower(strings.TrimSpace(in.Name))
	if name == "" {
		respondErr(c, model.ErrInvalid("name", "name is required"))
		return
	}

	if builtin, err := h.isBuiltin(c, kind, id); err != nil {
		respondErr(c, err)
		return
	} else if builtin {
		respondErr(c, model.ErrConflict("built-in names are immutable"))
		return
	}
	if taken, err := h.repos.Taxonomy.BuiltinExists(c.Request.Context(), kind, name); err != nil {
		respondErr(c, err)
		return
	} else if taken {
		respondErr(c, model.ErrConflict("name collides with a built-in"))
		return
	}

	if err := h.repos.Taxonomy.Rename(c.Request.Context(), kind, id, name); err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			respondErr(c, model.ErrNotFound("taxonomy row"))
		case errors.Is(err, repository.ErrDuplicate):
			respondErr(c, model.ErrConflict("name already in use"))
		default:
			respondErr(c, err)
		}
		return
	}
	h.reload(c)
	respondData(c, model.TaxonomyRow{ID: id, Name: name})
}

// Reload handles POST /taxonomy/reload — swap in a fresh enum snapshot.
func (h *TaxonomyHandler) Reload(c *gin.Context) {
	caller := callerFrom(c)
	if !h.mediator.IsAdmin(caller) {
		respondErr(c, model.ErrForbidden("taxonomy management requires admin"))
		return
	}
	if err := h.registry.Load(c.Request.Context()); err != nil {
		h.logger.Error("taxonomy reload", zap.Error(err))
		respondErr(c, model.ErrInternal())
		return
	}
	respondData(c, gin.H{"reloaded": true})
}

func (h *TaxonomyHandler) isBuiltin(c *gin.Context, kind model.TaxonomyKind, id int) (bool, error) {
	if kind == model.TaxonomyRelationshipTypes {
		rows, err := h.repos.Taxonomy.RelationshipTypes(c.Request.Context())
		if err != nil {
			return false, err
		}
		for _, r := range rows {
			if r.ID == id {
				return r.Builtin, nil
			}
		}
		return false, model.ErrNotFound("taxonomy row")
	}
	rows, err := h.repos.Taxonomy.Rows(c.Request.Context(), kind)
	if err != nil {
		return false, err
	}
	for _, r := range rows {
		if r.ID == id {
			return r.Builtin, nil
		}
	}
	return false, model.ErrNotFound("taxonomy row")
}

func (h *TaxonomyHandler) reload(c *gin.Context) {
	if err := h.registry.Load(c.Request.Context()); err != nil {
		h.logger.Warn("registry reload after taxonomy change failed", zap.Error(err))
	}
}
