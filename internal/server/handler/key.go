package handler

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nebula-cp/nebula/internal/auth"
	"github.com/nebula-cp/nebula/internal/enums"
	"github.com/nebula-cp/nebula/internal/model"
	"github.com/nebula-cp/nebula/internal/repository"
	"github.com/nebula-cp/nebula/internal/scope"
	"github.com/nebula-cp/nebula/internal/store"
)

// KeyHandler serves the /keys resource: credential minting, revocation, and
// the reviewer session login.
type KeyHandler struct {
	repos    *repository.Set
	db       *store.Store
	authn    *auth.Authenticator
	sessions *auth.SessionIssuer
	registry *enums.Registry
	mediator *scope.Mediator
	logger   *zap.Logger
}

// NewKeyHandler builds the handler.
func NewKeyHandler(repos *repository.Set, db *store.Store, authn *auth.Authenticator, sessions *auth.SessionIssuer, registry *enums.Registry, mediator *scope.Mediator, logger *zap.Logger) *KeyHandler {
	return &KeyHandler{repos: repos, db: db, authn: authn, sessions: sessions, registry: registry, mediator: mediator, logger: logger}
}

// Register registers the authenticated key routes.
func (h *KeyHandler) Register(rg *gin.RouterGroup) {
	keys := rg.Group("/keys")
	{
		keys.GET("", h.List)
		keys.POST("", h.Create)
		keys.DELETE("/:id", h.Revoke)
	}
}

// RegisterOpen registers the login route, which authenticates by the key in
// the request body rather than a bearer header.
func (h *KeyHandler) RegisterOpen(rg *gin.RouterGroup) {
	rg.POST("/keys/login", h.Login)
}

type loginInput struct {
	APIKey string `json:"api_key"`
}

// Login handles POST /keys/login — exchanges a user-owned API key for a
// short-lived session JWT used by the review UI and nebulactl.
func (h *KeyHandler) Login(c *gin.Context) {
	var in loginInput
	if !bindJSON(c, &in) {
		return
	}
	caller, err := h.authn.Authenticate(c.Request.Context(), in.APIKey)
	if err != nil {
		RecordAuthFailure()
		respondErr(c, err)
		return
	}
	if caller.Kind != model.CallerUser {
		RecordAuthFailure()
		respondErr(c, model.ErrUnauthorized())
		return
	}

	token, expiresAt, err := h.sessions.Issue(caller.UserID, caller.EffectiveScopeNames)
	if err != nil {
		h.logger.Error("issue session", zap.Error(err))
		respondErr(c, model.ErrInternal())
		return
	}
	respondData(c, gin.H{
		"token":      token,
		"expires_at": expiresAt,
		"user_id":    caller.UserID,
		"scopes":     caller.EffectiveScopeNames,
	})
}

type createKeyInput struct {
	Name      string     `json:"name"`
	Scopes    []string   `json:"scopes,omitempty"`
	AgentID   *uuid.UUID `json:"agent_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Create handles POST /keys. Users mint keys for themselves; admins may also
// mint keys for agents. The raw key appears in this response and nowhere
// else.
func (h *KeyHandler) Create(c *gin.Context) {
	caller := callerFrom(c)
	if caller.Kind != model.CallerUser {
		respondErr(c, model.ErrForbidden("key creation requires a user caller"))
		return
	}
	var in createKeyInput
	if !bindJSON(c, &in) {
		return
	}

	// Empty key scopes mean the key inherits its owner's full scope set.
	scopeIDs := []int{}
	if len(in.Scopes) > 0 {
		ids, err := h.registry.Current().Scopes(in.Scopes)
		if err != nil {
			respondErr(c, err)
			return
		}
		scopeIDs = ids
	}
	if in.AgentID != nil && !h.mediator.IsAdmin(caller) {
		respondErr(c, model.ErrForbidden("agent keys require admin"))
		return
	}
	if in.AgentID == nil && !h.mediator.CanAssignScopes(caller, scopeIDs) {
		respondErr(c, model.ErrForbidden("cannot assign scopes outside your own"))
		return
	}

	rawKey, prefix, hash, err := auth.GenerateKey()
	if err != nil {
		h.logger.Error("generate key", zap.Error(err))
		respondErr(c, model.ErrInternal())
		return
	}
	key := &model.APIKey{
		Prefix:    prefix,
		Hash:      hash,
		Name:      in.Name,
		ScopeIDs:  scopeIDs,
		ExpiresAt: in.ExpiresAt,
	}
	if in.AgentID != nil {
		if _, err := h.repos.Agents.Get(c.Request.Context(), *in.AgentID); err != nil {
			respondErr(c, model.ErrNotFound("agent"))
			return
		}
		key.AgentID = in.AgentID
	} else {
		userID := caller.UserID
		key.EntityID = &userID
	}

	err = h.db.WithTx(c.Request.Context(), caller.AuditIdentity(), func(tx store.Querier) error {
		return repository.New(tx).Keys.Create(c.Request.Context(), key)
	})
	if err != nil {
		h.logger.Error("create key", zap.Error(err))
		respondErr(c, model.ErrInternal())
		return
	}
	respondData(c, gin.H{
		"key":     key,
		"api_key": rawKey,
	})
}

// List handles GET /keys — the caller's own credentials.
func (h *KeyHandler) List(c *gin.Context) {
	caller := callerFrom(c)
	keys, err := h.ownKeys(c, caller)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondData(c, keys)
}

// Revoke handles DELETE /keys/:id. Callers revoke their own keys; admins
// revoke any.
func (h *KeyHandler) Revoke(c *gin.Context) {
	caller := callerFrom(c)
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondErr(c, model.ErrNotFound("api key"))
		return
	}

	if !h.mediator.IsAdmin(caller) {
		keys, err := h.ownKeys(c, caller)
		if err != nil {
			respondErr(c, err)
			return
		}
		owned := false
		for _, k := range keys {
			if k.ID == id {
				owned = true
				break
			}
		}
		if !owned {
			respondErr(c, model.ErrNotFound("api key"))
			return
		}
	}

	err = h.db.WithTx(c.Request.Context(), caller.AuditIdentity(), func(tx store.Querier) error {
		return repository.New(tx).Keys.Revoke(c.Request.Context(), id)
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			respondErr(c, model.ErrNotFound("api key"))
		} else {
			h.logger.Error("revoke key", zap.Error(err))
			respondErr(c, model.ErrInternal())
		}
		return
	}
	respondData(c, gin.H{"revoked": true})
}

func (h *KeyHandler) ownKeys(c *gin.Context, caller *model.Caller) ([]*model.APIKey, error) {
	switch caller.Kind {
	case model.CallerUser:
		return h.repos.Keys.ListForEntity(c.Request.Context(), caller.UserID)
	case model.CallerAgent:
		return h.repos.Keys.ListForAgent(c.Request.Context(), caller.AgentID)
	default:
		return nil, model.ErrForbidden("bootstrap callers hold no keys")
	}
}
