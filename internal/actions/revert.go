package actions

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/nebula-cp/nebula/internal/model"
	"github.com/nebula-cp/nebula/internal/repository"
)

type revertEntityInput struct {
	ID      string `json:"id"`
	AuditID string `json:"audit_id"`
}

// entitySnapshot is the subset of audit row data a revert restores.
type entitySnapshot struct {
	Name      *string    `json:"name"`
	TypeID    *int       `json:"type_id"`
	StatusID  *int       `json:"status_id"`
	ScopeIDs  *[]int     `json:"scope_ids"`
	Tags      *[]string  `json:"tags"`
	Metadata  model.Meta `json:"metadata"`
	VaultPath *string    `json:"vault_file_path"`
}

func (d *Dispatcher) revertEntity(ctx context.Context, env *execEnv, payload json.RawMessage) (string, any, error) {
	var in revertEntityInput
	if err := decode(payload, &in); err != nil {
		return "", nil, err
	}

	entity, err := loadWritableEntity(ctx, env, in.ID)
	if err != nil {
		return "", nil, err
	}
	auditID, err := uuid.Parse(in.AuditID)
	if err != nil {
		return "", nil, model.ErrInvalid("audit_id", "malformed audit id")
	}
	entry, err := env.repos.Audit.Get(ctx, auditID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", nil, model.ErrNotFound("audit entry")
		}
		return "", nil, err
	}
	if entry.TableName != "entities" || entry.RecordID != entity.ID.String() {
		return "", nil, model.ErrInvalid("audit_id", "audit entry does not belong to this entity")
	}

	// Reverting to a delete entry restores the pre-delete image; everything
	// else restores the post-change image.
	raw := entry.NewData
	if entry.Action == "delete" {
		raw = entry.OldData
	}
	if len(raw) == 0 {
		return "", nil, model.ErrInvalid("audit_id", "audit entry carries no snapshot")
	}
	var snap entitySnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return "", nil, model.ErrInvalid("audit_id", "audit snapshot is malformed")
	}

	if snap.Name != nil {
		entity.Name = *snap.Name
	}
	if snap.TypeID != nil {
		entity.TypeID = *snap.TypeID
	}
	if snap.StatusID != nil {
		entity.StatusID = *snap.StatusID
	}
	if snap.ScopeIDs != nil {
		if !env.mediator.CanAssignScopes(env.caller, *snap.ScopeIDs) {
			return "", nil, model.ErrForbidden("snapshot scopes are outside your own")
		}
		entity.ScopeIDs = *snap.ScopeIDs
	}
	if snap.Tags != nil {
		entity.Tags = *snap.Tags
	}
	if snap.Metadata != nil {
		entity.Metadata = snap.Metadata
	}
	if snap.VaultPath != nil {
		// Snapshots come from the audit log, but the path rules still apply:
		// a row written before the rules tightened must not resurrect a
		// traversing path.
		entity.VaultPath, err = validateVaultPath(*snap.VaultPath)
		if err != nil {
			return "", nil, err
		}
	}

	if err := checkEntityUnique(ctx, env.repos.Entities, entity.ID, entity.Name, entity.TypeID, entity.ScopeIDs, entity.VaultPath); err != nil {
		return "", nil, err
	}
	if err := env.repos.Entities.Update(ctx, entity); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return "", nil, model.ErrConflict("revert collides with an existing entity")
		}
		return "", nil, err
	}
	return entity.ID.String(), entity, nil
}
