package handler

import (
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nebula-cp/nebula/internal/actions"
	"github.com/nebula-cp/nebula/internal/approval"
	"github.com/nebula-cp/nebula/internal/model"
	"github.com/nebula-cp/nebula/internal/repository"
)

// AgentHandler serves /agents, the open registration endpoint, and the
// bootstrap enrollment flow.
type AgentHandler struct {
	repos      *repository.Set
	dispatcher *actions.Dispatcher
	enrollment *approval.Enrollment
	auth       *Auth
	logger     *zap.Logger
}

// NewAgentHandler builds the handler.
func NewAgentHandler(repos *repository.Set, dispatcher *actions.Dispatcher, enrollment *approval.Enrollment, auth *Auth, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{repos: repos, dispatcher: dispatcher, enrollment: enrollment, auth: auth, logger: logger}
}

// Register registers the authenticated agent routes.
func (h *AgentHandler) Register(rg *gin.RouterGroup) {
	agents := rg.Group("/agents")
	{
		agents.GET("", h.List)
		agents.GET("/:id", h.Get)
	}
	rg.GET("/whoami", h.Whoami)
}

// RegisterOpen registers the routes that work without a bearer credential:
// registration and the token-authenticated enrollment flow.
func (h *AgentHandler) RegisterOpen(rg *gin.RouterGroup) {
	rg.POST("/agents/register", h.RegisterAgent)
	enroll := rg.Group("/enroll")
	{
		enroll.GET("/:id", h.EnrollWait)
		enroll.POST("/:id/redeem", h.EnrollRedeem)
	}
}

// List handles GET /agents.
func (h *AgentHandler) List(c *gin.Context) {
	limit, offset := pagination(c)
	agents, err := h.repos.Agents.List(c.Request.Context(), limit, offset)
	if err != nil {
		h.logger.Error("list agents", zap.Error(err))
		respondErr(c, err)
		return
	}
	total, err := h.repos.Agents.Count(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	respondList(c, agents, limit, offset, total)
}

// Get handles GET /agents/:id.
func (h *AgentHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondErr(c, model.ErrNotFound("agent"))
		return
	}
	agent, err := h.repos.Agents.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			respondErr(c, model.ErrNotFound("agent"))
		} else {
			respondErr(c, err)
		}
		return
	}
	respondData(c, agent)
}

// Whoami handles GET /whoami — the resolved caller identity.
func (h *AgentHandler) Whoami(c *gin.Context) {
	caller := callerFrom(c)
	out := gin.H{
		"kind":    caller.Kind,
		"trusted": caller.Trusted,
		"scopes":  caller.EffectiveScopeNames,
	}
	switch caller.Kind {
	case model.CallerUser:
		out["user_id"] = caller.UserID
	case model.CallerAgent:
		out["agent_id"] = caller.AgentID
		out["capabilities"] = caller.Capabilities
	}
	respondData(c, out)
}

// RegisterAgent handles POST /agents/register. With a user credential it is
// a direct registration; without one it starts the bootstrap enrollment
// protocol, provided bootstrap mode is enabled.
func (h *AgentHandler) RegisterAgent(c *gin.Context) {
	if bearerToken(c) != "" {
		caller, err := h.auth.resolve(c)
		if err != nil {
			RecordAuthFailure()
			respondErr(c, err)
			return
		}
		c.Set(callerKey, caller)
		body, ok := rawBody(c)
		if !ok {
			return
		}
		dispatch(c, h.dispatcher, "register_agent", body)
		return
	}

	if !h.auth.cfg.BootstrapEnabled {
		respondErr(c, model.ErrMissingAuth())
		return
	}

	var in approval.StartRequest
	if !bindJSON(c, &in) {
		return
	}
	res, err := h.enrollment.Start(c.Request.Context(), in)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondData(c, res)
}

// EnrollWait handles GET /enroll/:id — the long-poll for an enrollment
// decision. The nbe_ token is the only credential; ?wait bounds the poll in
// seconds.
func (h *AgentHandler) EnrollWait(c *gin.Context) {
	id, token, ok := h.enrollCredentials(c)
	if !ok {
		return
	}
	var maxWait time.Duration
	if v, err := strconv.Atoi(c.DefaultQuery("wait", "0")); err == nil && v > 0 {
		maxWait = time.Duration(v) * time.Second
	}
	res, err := h.enrollment.Wait(c.Request.Context(), id, token, maxWait)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondData(c, res)
}

// EnrollRedeem handles POST /enroll/:id/redeem — the one-time exchange of
// an approved enrollment token for an API key.
func (h *AgentHandler) EnrollRedeem(c *gin.Context) {
	id, token, ok := h.enrollCredentials(c)
	if !ok {
		return
	}
	res, err := h.enrollment.Redeem(c.Request.Context(), id, token)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondData(c, res)
}

func (h *AgentHandler) enrollCredentials(c *gin.Context) (uuid.UUID, string, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondErr(c, model.ErrNotFound("enrollment session"))
		return uuid.Nil, "", false
	}
	token := bearerToken(c)
	if token == "" {
		respondErr(c, model.ErrMissingAuth())
		return uuid.Nil, "", false
	}
	return id, token, true
}
