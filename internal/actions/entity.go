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

type createEntityInput struct {
	Name       string     `json:"name"`
	EntityType string     `json:"entity_type"`
	Status     string     `json:"status,omitempty"`
	Scopes     []string   `json:"scopes,omitempty"`
	Tags       []string   `json:"tags,omitempty"`
	Metadata   model.Meta `json:"metadata,omitempty"`
	VaultPath  string     `json:"vault_file_path,omitempty"`
}

func (d *Dispatcher) createEntity(ctx context.Context, env *execEnv, payload json.RawMessage) (string, any, error) {
	var in createEntityInput
	if err := decode(payload, &in); err != nil {
		return "", nil, err
	}

	name := strings.TrimSpace(sanitizeString(in.Name))
	if name == "" {
		return "", nil, model.ErrInvalid("name", "name is required")
	}

	typeID, err := env.snap.EntityType(in.EntityType)
	if err != nil {
		return "", nil, err
	}
	statusID, err := resolveStatus(env, in.Status)
	if err != nil {
		return "", nil, err
	}
	scopeIDs, err := env.snap.Scopes(in.Scopes)
	if err != nil {
		return "", nil, err
	}
	if !env.mediator.CanAssignScopes(env.caller, scopeIDs) {
		return "", nil, model.ErrForbidden("cannot assign scopes outside your own")
	}

	vaultPath, err := validateVaultPath(in.VaultPath)
	if err != nil {
		return "", nil, err
	}
	if err := checkEntityUnique(ctx, env.repos.Entities, uuid.Nil, name, typeID, scopeIDs, vaultPath); err != nil {
		return "", nil, err
	}

	meta, err := prepareEntityMeta(env, in.Metadata, in.EntityType, scopeIDs)
	if err != nil {
		return "", nil, err
	}
	tags, err := validateTags(in.Tags)
	if err != nil {
		return "", nil, err
	}

	entity := &model.Entity{
		Name:      name,
		TypeID:    typeID,
		StatusID:  statusID,
		ScopeIDs:  scopeIDs,
		Tags:      tags,
		Metadata:  meta,
		VaultPath: vaultPath,
	}
	if err := env.repos.Entities.Create(ctx, entity); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return "", nil, model.ErrConflict("entity already exists")
		}
		return "", nil, err
	}
	return entity.ID.String(), entity, nil
}

type updateEntityInput struct {
	ID         string     `json:"id"`
	Name       *string    `json:"name,omitempty"`
	EntityType *string    `json:"entity_type,omitempty"`
	Status     *string    `json:"status,omitempty"`
	Scopes     *[]string  `json:"scopes,omitempty"`
	Tags       *[]string  `json:"tags,omitempty"`
	Metadata   model.Meta `json:"metadata,omitempty"`
	VaultPath  *string    `json:"vault_file_path,omitempty"`
}

func (d *Dispatcher) updateEntity(ctx context.Context, env *execEnv, payload json.RawMessage) (string, any, error) {
	var in updateEntityInput
	if err := decode(payload, &in); err != nil {
		return "", nil, err
	}

	entity, err := loadWritableEntity(ctx, env, in.ID)
	if err != nil {
		return "", nil, err
	}

	if in.Name != nil {
		name := strings.TrimSpace(sanitizeString(*in.Name))
		if name == "" {
			return "", nil, model.ErrInvalid("name", "name cannot be empty")
		}
		entity.Name = name
	}
	if in.EntityType != nil {
		entity.TypeID, err = env.snap.EntityType(*in.EntityType)
		if err != nil {
			return "", nil, err
		}
	}
	if in.Status != nil {
		entity.StatusID, err = env.snap.Status(*in.Status)
		if err != nil {
			return "", nil, err
		}
	}
	if in.Scopes != nil {
		scopeIDs, err := env.snap.Scopes(*in.Scopes)
		if err != nil {
			return "", nil, err
		}
		if !env.mediator.CanAssignScopes(env.caller, scopeIDs) {
			return "", nil, model.ErrForbidden("cannot assign scopes outside your own")
		}
		entity.ScopeIDs = scopeIDs
	}
	if in.Tags != nil {
		entity.Tags, err = validateTags(*in.Tags)
		if err != nil {
			return "", nil, err
		}
	}
	if in.VaultPath != nil {
		entity.VaultPath, err = validateVaultPath(*in.VaultPath)
		if err != nil {
			return "", nil, err
		}
	}
	if in.Metadata != nil {
		entity.Metadata = in.Metadata
	}

	typeName := env.snap.EntityTypeName(entity.TypeID)
	entity.Metadata, err = prepareEntityMeta(env, entity.Metadata, typeName, entity.ScopeIDs)
	if err != nil {
		return "", nil, err
	}

	if err := checkEntityUnique(ctx, env.repos.Entities, entity.ID, entity.Name, entity.TypeID, entity.ScopeIDs, entity.VaultPath); err != nil {
		return "", nil, err
	}

	if err := env.repos.Entities.Update(ctx, entity); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return "", nil, model.ErrConflict("entity already exists")
		}
		if errors.Is(err, repository.ErrNotFound) {
			return "", nil, model.ErrNotFound("entity")
		}
		return "", nil, err
	}
	return entity.ID.String(), entity, nil
}

// loadWritableEntity fetches an entity, mapping invisibility to NOT_FOUND
// and visible-but-unwritable to FORBIDDEN.
func loadWritableEntity(ctx context.Context, env *execEnv, rawID string) (*model.Entity, error) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return nil, model.ErrInvalid("id", "malformed entity id")
	}
	entity, err := env.repos.Entities.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, model.ErrNotFound("entity")
		}
		return nil, err
	}
	if !env.mediator.CanRead(env.caller, entity.ScopeIDs) {
		return nil, model.ErrNotFound("entity")
	}
	if !env.mediator.CanWrite(env.caller, entity.ScopeIDs) {
		return nil, model.ErrForbidden("entity out of scope")
	}
	return entity, nil
}

// prepareEntityMeta sanitizes metadata, applies the per-type validator, and
// checks context segments against the record's scope names.
func prepareEntityMeta(env *execEnv, meta model.Meta, typeName string, scopeIDs []int) (model.Meta, error) {
	cleaned, err := sanitizeMeta(meta)
	if err != nil {
		return nil, err
	}
	if err := validateEntityMeta(typeName, cleaned); err != nil {
		return nil, err
	}
	if err := validateSegments(cleaned, env.snap.ScopeNames(scopeIDs)); err != nil {
		return nil, err
	}
	return cleaned, nil
}

// checkEntityUnique enforces the two entity uniqueness rules: vault path,
// and (name, type, scope-set). self is excluded so updates do not collide
// with themselves.
func checkEntityUnique(ctx context.Context, repo *repository.EntityRepository, self uuid.UUID, name string, typeID int, scopeIDs []int, vaultPath string) error {
	if p := strings.TrimSpace(vaultPath); p != "" {
		id, err := repo.FindByVaultPath(ctx, p)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		if err == nil && id != self {
			return model.ErrConflict("an entity already uses that vault path")
		}
	}

	id, err := repo.FindByNameTypeScopes(ctx, name, typeID, scopeIDs)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	if err == nil && id != self {
		return model.ErrConflict("an entity with that name, type, and scope set already exists")
	}
	return nil
}

// validateVaultPath admits only relative paths with no parent traversal.
// Empty means the entity has no vault file.
func validateVaultPath(raw string) (string, error) {
	p := strings.TrimSpace(raw)
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, "\\") {
		return "", model.ErrInvalid("vault_file_path", "vault path must be relative")
	}
	for _, seg := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return "", model.ErrInvalid("vault_file_path", "vault path cannot contain '..'")
		}
	}
	return p, nil
}

// resolveStatus resolves a status name, defaulting to active when empty.
func resolveStatus(env *execEnv, name string) (int, error) {
	if name == "" {
		name = model.StatusActive
	}
	return env.snap.Status(name)
}
