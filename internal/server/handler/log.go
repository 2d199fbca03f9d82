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
)

// LogHandler serves the /logs resource. Logs carry no scopes; any
// authenticated caller can read them.
type LogHandler struct {
	repos      *repository.Set
	registry   *enums.Registry
	dispatcher *actions.Dispatcher
	logger     *zap.Logger
}

// NewLogHandler builds the handler.
func NewLogHandler(repos *repository.Set, registry *enums.Registry, dispatcher *actions.Dispatcher, logger *zap.Logger) *LogHandler {
	return &LogHandler{repos: repos, registry: registry, dispatcher: dispatcher, logger: logger}
}

// Register registers log routes on an authenticated group.
func (h *LogHandler) Register(rg *gin.RouterGroup) {
	logs := rg.Group("/logs")
	{
		logs.GET("", h.List)
		logs.POST("", h.Create)
		logs.GET("/:id", h.Get)
		logs.PATCH("/:id", h.Update)
	}
}

// List handles GET /logs.
func (h *LogHandler) List(c *gin.Context) {
	snap := h.registry.Current()

	logTypeID := 0
	if name := c.Query("log_type"); name != "" {
		id, err := snap.LogType(name)
		if err != nil {
			respondErr(c, model.ErrInvalid("log_type", "unknown log type "+name))
			return
		}
		logTypeID = id
	}

	limit, offset := pagination(c)
	logs, err := h.repos.Logs.List(c.Request.Context(), logTypeID, limit, offset)
	if err != nil {
		h.logger.Error("list logs", zap.Error(err))
		respondErr(c, err)
		return
	}
	total, err := h.repos.Logs.Count(c.Request.Context(), logTypeID)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondList(c, logs, limit, offset, total)
}

// Get handles GET /logs/:id.
func (h *LogHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondErr(c, model.ErrNotFound("log"))
		return
	}
	l, err := h.repos.Logs.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			respondErr(c, model.ErrNotFound("log"))
		} else {
			respondErr(c, err)
		}
		return
	}
	respondData(c, l)
}

// Create handles POST /logs.
func (h *LogHandler) Create(c *gin.Context) {
	body, ok := rawBody(c)
	if !ok {
		return
	}
	dispatch(c, h.dispatcher, "create_log", body)
}

// Update handles PATCH /logs/:id.
func (h *LogHandler) Update(c *gin.Context) {
	body, ok := bodyWithID(c, "id")
	if !ok {
		return
	}
	dispatch(c, h.dispatcher, "update_log", body)
}
