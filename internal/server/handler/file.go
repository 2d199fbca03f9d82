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

// FileHandler serves the /files resource. File visibility derives from the
// records a file is attached to.
type FileHandler struct {
	repos      *repository.Set
	mediator   *scope.Mediator
	dispatcher *actions.Dispatcher
	logger     *zap.Logger
}

// NewFileHandler builds the handler.
func NewFileHandler(repos *repository.Set, mediator *scope.Mediator, dispatcher *actions.Dispatcher, logger *zap.Logger) *FileHandler {
	return &FileHandler{repos: repos, mediator: mediator, dispatcher: dispatcher, logger: logger}
}

// Register registers file routes on an authenticated group.
func (h *FileHandler) Register(rg *gin.RouterGroup) {
	files := rg.Group("/files")
	{
		files.GET("", h.List)
		files.POST("", h.Create)
		files.GET("/:id", h.Get)
		files.PATCH("/:id", h.Update)
		files.GET("/:id/attachments", h.Attachments)
	}
}

// List handles GET /files.
func (h *FileHandler) List(c *gin.Context) {
	caller := callerFrom(c)
	limit, offset := pagination(c)
	files, err := h.repos.Files.List(c.Request.Context(), limit, offset)
	if err != nil {
		h.logger.Error("list files", zap.Error(err))
		respondErr(c, err)
		return
	}

	visible := make([]*model.File, 0, len(files))
	for _, f := range files {
		if h.mediator.FileAccess(c.Request.Context(), caller, f.ID) != nil {
			continue
		}
		visible = append(visible, f)
	}
	respondList(c, visible, limit, offset, len(visible)+offset)
}

// Get handles GET /files/:id.
func (h *FileHandler) Get(c *gin.Context) {
	caller := callerFrom(c)
	file, ok := h.visibleFile(c, caller)
	if !ok {
		return
	}
	respondData(c, file)
}

// Attachments handles GET /files/:id/attachments.
func (h *FileHandler) Attachments(c *gin.Context) {
	caller := callerFrom(c)
	file, ok := h.visibleFile(c, caller)
	if !ok {
		return
	}
	refs, err := h.repos.Files.Attachments(c.Request.Context(), file.ID)
	if err != nil {
		respondErr(c, err)
		return
	}

	// Hide attachment targets the caller cannot see.
	visible := make([]model.NodeRef, 0, len(refs))
	for _, ref := range refs {
		ok, err := h.mediator.NodeVisible(c.Request.Context(), caller, ref)
		if err != nil {
			respondErr(c, err)
			return
		}
		if ok {
			visible = append(visible, ref)
		}
	}
	respondData(c, visible)
}

// Create handles POST /files.
func (h *FileHandler) Create(c *gin.Context) {
	body, ok := rawBody(c)
	if !ok {
		return
	}
	dispatch(c, h.dispatcher, "create_file", body)
}

// Update handles PATCH /files/:id.
func (h *FileHandler) Update(c *gin.Context) {
	body, ok := bodyWithID(c, "id")
	if !ok {
		return
	}
	dispatch(c, h.dispatcher, "update_file", body)
}

func (h *FileHandler) visibleFile(c *gin.Context, caller *model.Caller) (*model.File, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondErr(c, model.ErrNotFound("file"))
		return nil, false
	}
	file, err := h.repos.Files.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			respondErr(c, model.ErrNotFound("file"))
		} else {
			respondErr(c, err)
		}
		return nil, false
	}
	if err := h.mediator.FileAccess(c.Request.Context(), caller, file.ID); err != nil {
		respondErr(c, model.ErrNotFound("file"))
		return nil, false
	}
	return file, true
}
