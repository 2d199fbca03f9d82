package actions

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/nebula-cp/nebula/internal/model"
	"github.com/nebula-cp/nebula/internal/repository"
)

// maxBulkEntities bounds one bulk call.
const maxBulkEntities = 100

type bulkTagsInput struct {
	EntityIDs []string `json:"entity_ids"`
	Add       []string `json:"add,omitempty"`
	Remove    []string `json:"remove,omitempty"`
}

func (d *Dispatcher) bulkUpdateEntityTags(ctx context.Context, env *execEnv, payload json.RawMessage) (string, any, error) {
	var in bulkTagsInput
	if err := decode(payload, &in); err != nil {
		return "", nil, err
	}
	if len(in.Add) == 0 && len(in.Remove) == 0 {
		return "", nil, model.ErrInvalid("add", "nothing to change")
	}
	add, err := validateTags(in.Add)
	if err != nil {
		return "", nil, err
	}

	ids, err := parseBulkIDs(in.EntityIDs)
	if err != nil {
		return "", nil, err
	}
	if err := env.mediator.EntityWriteAccess(ctx, env.caller, ids); err != nil {
		return "", nil, err
	}

	remove := make(map[string]bool, len(in.Remove))
	for _, t := range in.Remove {
		remove[strings.ToLower(strings.TrimSpace(t))] = true
	}

	updated := make([]*model.Entity, 0, len(ids))
	for _, id := range ids {
		entity, err := env.repos.Entities.Get(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return "", nil, model.ErrNotFound("entity")
			}
			return "", nil, err
		}
		entity.Tags = mergeTags(entity.Tags, add, remove)
		if len(entity.Tags) > model.MaxTags {
			return "", nil, model.ErrInvalid("add", "merge would exceed the tag limit")
		}
		if err := env.repos.Entities.Update(ctx, entity); err != nil {
			return "", nil, err
		}
		updated = append(updated, entity)
	}
	return "", updated, nil
}

type bulkScopesInput struct {
	EntityIDs []string `json:"entity_ids"`
	Scopes    []string `json:"scopes"`
}

func (d *Dispatcher) bulkUpdateEntityScopes(ctx context.Context, env *execEnv, payload json.RawMessage) (string, any, error) {
	var in bulkScopesInput
	if err := decode(payload, &in); err != nil {
		return "", nil, err
	}
	scopeIDs, err := env.snap.Scopes(in.Scopes)
	if err != nil {
		return "", nil, err
	}
	if !env.mediator.CanAssignScopes(env.caller, scopeIDs) {
		return "", nil, model.ErrForbidden("cannot assign scopes outside your own")
	}

	ids, err := parseBulkIDs(in.EntityIDs)
	if err != nil {
		return "", nil, err
	}
	if err := env.mediator.EntityWriteAccess(ctx, env.caller, ids); err != nil {
		return "", nil, err
	}

	updated := make([]*model.Entity, 0, len(ids))
	for _, id := range ids {
		entity, err := env.repos.Entities.Get(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return "", nil, model.ErrNotFound("entity")
			}
			return "", nil, err
		}
		entity.ScopeIDs = scopeIDs
		// The (name, type, scope-set) uniqueness rule can newly collide
		// after a scope change.
		if err := checkEntityUnique(ctx, env.repos.Entities, entity.ID, entity.Name, entity.TypeID, entity.ScopeIDs, entity.VaultPath); err != nil {
			return "", nil, err
		}
		if err := validateSegments(entity.Metadata, env.snap.ScopeNames(scopeIDs)); err != nil {
			return "", nil, err
		}
		if err := env.repos.Entities.Update(ctx, entity); err != nil {
			return "", nil, err
		}
		updated = append(updated, entity)
	}
	return "", updated, nil
}

func parseBulkIDs(raw []string) ([]uuid.UUID, error) {
	if len(raw) == 0 {
		return nil, model.ErrInvalid("entity_ids", "entity_ids is required")
	}
	if len(raw) > maxBulkEntities {
		return nil, model.ErrInvalid("entity_ids", "too many entities in one call")
	}
	seen := make(map[uuid.UUID]bool, len(raw))
	out := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, model.ErrInvalid("entity_ids", "malformed entity id "+s)
		}
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out, nil
}

func mergeTags(current, add []string, remove map[string]bool) []string {
	out := make([]string, 0, len(current)+len(add))
	seen := make(map[string]bool, len(current)+len(add))
	for _, t := range current {
		key := strings.ToLower(t)
		if remove[key] || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	for _, t := range add {
		key := strings.ToLower(t)
		if remove[key] || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	return out
}
