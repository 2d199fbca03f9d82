package handler

import (
	"encoding/json"
	"sort"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nebula-cp/nebula/internal/actions"
)

// ActionHandler serves the generic /actions dispatch endpoint used by the
// MCP bridge and nebulactl: one route, any registered action.
type ActionHandler struct {
	dispatcher *actions.Dispatcher
	logger     *zap.Logger
}

// NewActionHandler builds the handler.
func NewActionHandler(dispatcher *actions.Dispatcher, logger *zap.Logger) *ActionHandler {
	return &ActionHandler{dispatcher: dispatcher, logger: logger}
}

// Register registers action routes on an authenticated group.
func (h *ActionHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/actions", h.List)
	rg.POST("/actions", h.Invoke)
}

// List handles GET /actions — the registered action names.
func (h *ActionHandler) List(c *gin.Context) {
	names := h.dispatcher.Actions()
	sort.Strings(names)
	respondData(c, names)
}

type invokeInput struct {
	Action       string          `json:"action"`
	Payload      json.RawMessage `json:"payload"`
	RelatedJobID *string         `json:"related_job_id,omitempty"`
}

// Invoke handles POST /actions.
func (h *ActionHandler) Invoke(c *gin.Context) {
	var in invokeInput
	if !bindJSON(c, &in) {
		return
	}
	caller := callerFrom(c)
	res, err := h.dispatcher.Dispatch(c.Request.Context(), caller, in.Action, in.Payload, in.RelatedJobID)
	if err != nil {
		RecordDispatch(in.Action, "error")
		respondErr(c, err)
		return
	}
	if res.Intercepted() {
		RecordDispatch(in.Action, "intercepted")
	} else {
		RecordDispatch(in.Action, "executed")
	}
	respondDispatch(c, res)
}
