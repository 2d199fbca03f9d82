package handler

import (
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nebula-cp/nebula/internal/auth"
	"github.com/nebula-cp/nebula/internal/enums"
	"github.com/nebula-cp/nebula/internal/model"
	"github.com/nebula-cp/nebula/internal/repository"
)

// callerKey is the gin context key holding the resolved *model.Caller.
const callerKey = "nebula_caller"

// AuthConfig carries the deployment flags the middleware needs.
type AuthConfig struct {
	// BootstrapEnabled allows unauthenticated enrollment calls from the
	// local trusted transport.
	BootstrapEnabled bool
	// LocalInsecure auto-authenticates loopback requests as the agent named
	// "local". Development only.
	LocalInsecure bool
}

// Auth resolves bearer credentials into callers. It accepts raw nbl_ keys
// and session JWTs issued by /keys/login.
type Auth struct {
	authn    *auth.Authenticator
	sessions *auth.SessionIssuer
	repos    *repository.Set
	registry *enums.Registry
	cfg      AuthConfig
	logger   *zap.Logger
}

// NewAuth builds the auth middleware.
func NewAuth(authn *auth.Authenticator, sessions *auth.SessionIssuer, repos *repository.Set, registry *enums.Registry, cfg AuthConfig, logger *zap.Logger) *Auth {
	return &Auth{authn: authn, sessions: sessions, repos: repos, registry: registry, cfg: cfg, logger: logger}
}

// Require authenticates every request or aborts with 401.
func (a *Auth) Require() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, err := a.resolve(c)
		if err != nil {
			RecordAuthFailure()
			respondErr(c, err)
			return
		}
		c.Set(callerKey, caller)
		c.Next()
	}
}

// AllowBootstrap authenticates like Require, but an absent credential on the
// local trusted transport yields the bootstrap caller instead of 401. Used
// only on the enrollment routes.
func (a *Auth) AllowBootstrap() gin.HandlerFunc {
	return func(c *gin.Context) {
		if bearerToken(c) == "" && a.cfg.BootstrapEnabled && isLoopback(c) {
			c.Set(callerKey, auth.Bootstrap())
			c.Next()
			return
		}
		caller, err := a.resolve(c)
		if err != nil {
			RecordAuthFailure()
			respondErr(c, err)
			return
		}
		c.Set(callerKey, caller)
		c.Next()
	}
}

func (a *Auth) resolve(c *gin.Context) (*model.Caller, error) {
	token := bearerToken(c)
	if token == "" {
		if a.cfg.LocalInsecure && isLoopback(c) {
			if caller, err := a.localCaller(c); err == nil {
				return caller, nil
			}
		}
		return nil, model.ErrMissingAuth()
	}

	// Session JWTs are the only dotted credential form.
	if !strings.HasPrefix(token, auth.KeyPrefix) && strings.Contains(token, ".") {
		return a.sessionCaller(c, token)
	}
	return a.authn.Authenticate(c.Request.Context(), token)
}

// sessionCaller rebuilds a user caller from a /keys/login JWT. Owner scopes
// come from the live entity row so a scope revocation takes effect before
// the token expires.
func (a *Auth) sessionCaller(c *gin.Context, token string) (*model.Caller, error) {
	userID, scopeNames, err := a.sessions.Verify(token)
	if err != nil {
		return nil, err
	}
	entity, err := a.repos.Entities.Get(c.Request.Context(), userID)
	if err != nil {
		return nil, model.ErrUnauthorized()
	}

	snap := a.registry.Current()
	// A token without scope claims carries the owner's full scope set.
	effective := entity.ScopeIDs
	if len(scopeNames) > 0 {
		tokenScopes, err := snap.Scopes(scopeNames)
		if err != nil {
			return nil, model.ErrUnauthorized()
		}
		effective = intersect(tokenScopes, entity.ScopeIDs)
	}
	return &model.Caller{
		Kind:                model.CallerUser,
		UserID:              userID,
		Trusted:             true,
		OwnerScopeIDs:       entity.ScopeIDs,
		EffectiveScopeIDs:   effective,
		EffectiveScopeNames: snap.ScopeNames(effective),
		KeyPrefix:           "ses_" + userID.String()[:8],
	}, nil
}

// localCaller authenticates the development "local" agent.
func (a *Auth) localCaller(c *gin.Context) (*model.Caller, error) {
	agent, err := a.repos.Agents.GetByName(c.Request.Context(), "local")
	if err != nil {
		return nil, model.ErrUnauthorized()
	}
	snap := a.registry.Current()
	return &model.Caller{
		Kind:                model.CallerAgent,
		AgentID:             agent.ID,
		Trusted:             !agent.RequiresApproval,
		OwnerScopeIDs:       agent.ScopeIDs,
		EffectiveScopeIDs:   agent.ScopeIDs,
		EffectiveScopeNames: snap.ScopeNames(agent.ScopeIDs),
		Capabilities:        agent.Capabilities,
		KeyPrefix:           "local",
	}, nil
}

// callerFrom returns the caller resolved by the auth middleware.
func callerFrom(c *gin.Context) *model.Caller {
	v, ok := c.Get(callerKey)
	if !ok {
		return nil
	}
	caller, _ := v.(*model.Caller)
	return caller
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
}

func isLoopback(c *gin.Context) bool {
	ip := c.ClientIP()
	return ip == "127.0.0.1" || ip == "::1" || ip == "localhost"
}

func intersect(a, b []int) []int {
	in := make(map[int]bool, len(b))
	for _, v := range b {
		in[v] = true
	}
	out := make([]int, 0, len(a))
	for _, v := range a {
		if in[v] {
			out = append(out, v)
		}
	}
	return out
}
