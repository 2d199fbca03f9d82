package auth

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nebula-cp/nebula/internal/enums"
	"github.com/nebula-cp/nebula/internal/model"
	"github.com/nebula-cp/nebula/internal/repository"
)

// Authenticator resolves bearer credentials to callers.
type Authenticator struct {
	repos    *repository.Set
	registry *enums.Registry
	log      *zap.Logger
}

// NewAuthenticator builds an Authenticator over the pool-backed repository
// set.
func NewAuthenticator(repos *repository.Set, registry *enums.Registry, log *zap.Logger) *Authenticator {
	return &Authenticator{repos: repos, registry: registry, log: log}
}

// Authenticate resolves a raw API key to a caller. Every failure past the
// shape check collapses to the same INVALID_AUTH error so callers cannot
// probe which stage rejected them.
func (a *Authenticator) Authenticate(ctx context.Context, raw string) (*model.Caller, error) {
	if !WellFormedKey(raw) {
		return nil, model.ErrMissingAuth()
	}

	key, err := a.repos.Keys.GetByPrefix(ctx, raw[:PrefixLen])
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, model.ErrUnauthorized()
		}
		a.log.Error("key lookup failed", zap.Error(err))
		return nil, model.ErrInternal()
	}

	if !VerifySecret(raw, key.Hash) {
		return nil, model.ErrUnauthorized()
	}
	if key.Revoked {
		return nil, model.ErrUnauthorized()
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, model.ErrUnauthorized()
	}

	caller, err := a.resolveOwner(ctx, key)
	if err != nil {
		return nil, err
	}

	a.touch(key.ID)
	return caller, nil
}

func (a *Authenticator) resolveOwner(ctx context.Context, key *model.APIKey) (*model.Caller, error) {
	snap := a.registry.Current()

	switch {
	case key.AgentID != nil:
		agent, err := a.repos.Agents.Get(ctx, *key.AgentID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, model.ErrUnauthorized()
			}
			a.log.Error("agent lookup failed", zap.Error(err))
			return nil, model.ErrInternal()
		}

		effective := effectiveScopes(key.ScopeIDs, agent.ScopeIDs)
		return &model.Caller{
			Kind:                model.CallerAgent,
			AgentID:             agent.ID,
			Trusted:             !agent.RequiresApproval,
			OwnerScopeIDs:       agent.ScopeIDs,
			EffectiveScopeIDs:   effective,
			EffectiveScopeNames: snap.ScopeNames(effective),
			Capabilities:        agent.Capabilities,
			KeyPrefix:           key.Prefix,
		}, nil

	case key.EntityID != nil:
		entity, err := a.repos.Entities.Get(ctx, *key.EntityID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, model.ErrUnauthorized()
			}
			a.log.Error("entity lookup failed", zap.Error(err))
			return nil, model.ErrInternal()
		}

		effective := effectiveScopes(key.ScopeIDs, entity.ScopeIDs)
		return &model.Caller{
			Kind:                model.CallerUser,
			UserID:              entity.ID,
			Trusted:             true,
			OwnerScopeIDs:       entity.ScopeIDs,
			EffectiveScopeIDs:   effective,
			EffectiveScopeNames: snap.ScopeNames(effective),
			KeyPrefix:           key.Prefix,
		}, nil

	default:
		// Orphaned key: no owner recorded. Treat as unusable.
		return nil, model.ErrUnauthorized()
	}
}

// effectiveScopes intersects the key's scope restriction with the owner's
// scopes. A key with no scopes of its own inherits the owner's verbatim.
func effectiveScopes(keyScopes, ownerScopes []int) []int {
	if len(keyScopes) == 0 {
		out := make([]int, len(ownerScopes))
		copy(out, ownerScopes)
		return out
	}
	owner := make(map[int]bool, len(ownerScopes))
	for _, id := range ownerScopes {
		owner[id] = true
	}
	out := make([]int, 0, len(keyScopes))
	for _, id := range keyScopes {
		if owner[id] {
			out = append(out, id)
		}
	}
	return out
}

// touch records key usage off the request path. Failures are logged and
// dropped; last_used_at is advisory.
func (a *Authenticator) touch(keyID uuid.UUID) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.repos.Keys.Touch(ctx, keyID, time.Now().UTC()); err != nil {
			a.log.Debug("key touch failed", zap.Error(err))
		}
	}()
}

// Bootstrap returns the caller used for unauthenticated enrollment traffic.
func Bootstrap() *model.Caller {
	return &model.Caller{Kind: model.CallerBootstrap}
}
