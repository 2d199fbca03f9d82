package actions

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/nebula-cp/nebula/internal/model"
	"github.com/nebula-cp/nebula/internal/repository"
)

// cycleScanLimit bounds the acyclicity walk so a pathological graph cannot
// pin a connection.
const cycleScanLimit = 1000

type createRelationshipInput struct {
	Source           model.NodeRef `json:"source"`
	Target           model.NodeRef `json:"target"`
	RelationshipType string        `json:"relationship_type"`
	Status           string        `json:"status,omitempty"`
	Properties       model.Meta    `json:"properties,omitempty"`
}

func (d *Dispatcher) createRelationship(ctx context.Context, env *execEnv, payload json.RawMessage) (string, any, error) {
	var in createRelationshipInput
	if err := decode(payload, &in); err != nil {
		return "", nil, err
	}
	if err := validateNodeRef("source", in.Source); err != nil {
		return "", nil, err
	}
	if err := validateNodeRef("target", in.Target); err != nil {
		return "", nil, err
	}

	relType, err := env.snap.RelationshipType(in.RelationshipType)
	if err != nil {
		return "", nil, err
	}
	statusID, err := resolveStatus(env, in.Status)
	if err != nil {
		return "", nil, err
	}

	if in.Source == in.Target && !relType.AllowSelf {
		return "", nil, model.ErrInvalid("target", "relationship type does not allow self edges")
	}
	if err := env.mediator.EndpointCheck(ctx, env.caller, in.Source, in.Target); err != nil {
		return "", nil, err
	}

	exists, err := env.repos.Relationships.ExistsBetween(ctx, in.Source, in.Target, relType.ID)
	if err != nil {
		return "", nil, err
	}
	if exists {
		return "", nil, model.ErrConflict("relationship already exists")
	}

	if relType.Acyclic {
		closes, err := closesCycle(ctx, env.repos.Relationships, in.Source, in.Target, relType.ID)
		if err != nil {
			return "", nil, err
		}
		if closes {
			return "", nil, model.ErrInvalid("target", "edge would close a cycle in an acyclic relationship type")
		}
	}

	props, err := sanitizeMeta(in.Properties)
	if err != nil {
		return "", nil, err
	}

	rel := &model.Relationship{
		Source:     in.Source,
		Target:     in.Target,
		TypeID:     relType.ID,
		StatusID:   statusID,
		Properties: props,
	}
	if err := env.repos.Relationships.Create(ctx, rel); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return "", nil, model.ErrConflict("relationship already exists")
		}
		return "", nil, err
	}

	// Symmetric types materialize the reverse edge alongside the forward
	// one, in the same transaction.
	if relType.Symmetric && in.Source != in.Target {
		reverseExists, err := env.repos.Relationships.ExistsBetween(ctx, in.Target, in.Source, relType.ID)
		if err != nil {
			return "", nil, err
		}
		if !reverseExists {
			reverse := &model.Relationship{
				Source:     in.Target,
				Target:     in.Source,
				TypeID:     relType.ID,
				StatusID:   statusID,
				Properties: props,
			}
			if err := env.repos.Relationships.Create(ctx, reverse); err != nil && !errors.Is(err, repository.ErrDuplicate) {
				return "", nil, err
			}
		}
	}
	return rel.ID.String(), rel, nil
}

type updateRelationshipInput struct {
	ID               string     `json:"id"`
	RelationshipType *string    `json:"relationship_type,omitempty"`
	Status           *string    `json:"status,omitempty"`
	Properties       model.Meta `json:"properties,omitempty"`
}

func (d *Dispatcher) updateRelationship(ctx context.Context, env *execEnv, payload json.RawMessage) (string, any, error) {
	var in updateRelationshipInput
	if err := decode(payload, &in); err != nil {
		return "", nil, err
	}

	id, err := uuid.Parse(in.ID)
	if err != nil {
		return "", nil, model.ErrInvalid("id", "malformed relationship id")
	}
	rel, err := env.repos.Relationships.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", nil, model.ErrNotFound("relationship")
		}
		return "", nil, err
	}
	if err := env.mediator.EndpointCheck(ctx, env.caller, rel.Source, rel.Target); err != nil {
		return "", nil, model.ErrNotFound("relationship")
	}

	if in.RelationshipType != nil {
		relType, err := env.snap.RelationshipType(*in.RelationshipType)
		if err != nil {
			return "", nil, err
		}
		if rel.Source == rel.Target && !relType.AllowSelf {
			return "", nil, model.ErrInvalid("relationship_type", "relationship type does not allow self edges")
		}
		rel.TypeID = relType.ID
	}
	if in.Status != nil {
		rel.StatusID, err = env.snap.Status(*in.Status)
		if err != nil {
			return "", nil, err
		}
	}
	if in.Properties != nil {
		rel.Properties, err = sanitizeMeta(in.Properties)
		if err != nil {
			return "", nil, err
		}
	}

	if err := env.repos.Relationships.Update(ctx, rel); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", nil, model.ErrNotFound("relationship")
		}
		return "", nil, err
	}
	return rel.ID.String(), rel, nil
}

func validateNodeRef(field string, node model.NodeRef) error {
	if !model.ValidNodeType(node.Type) {
		return model.ErrInvalid(field, "unknown node type")
	}
	if node.ID == "" {
		return model.ErrInvalid(field, "node id is required")
	}
	return nil
}

// closesCycle reports whether adding source→target closes a cycle, i.e.
// whether source is already reachable from target along edges of the same
// type. Breadth-first, bounded by cycleScanLimit.
func closesCycle(ctx context.Context, repo *repository.RelationshipRepository, source, target model.NodeRef, typeID int) (bool, error) {
	visited := map[model.NodeRef]bool{target: true}
	queue := []model.NodeRef{target}

	for len(queue) > 0 && len(visited) <= cycleScanLimit {
		node := queue[0]
		queue = queue[1:]
		if node == source {
			return true, nil
		}
		next, err := repo.EdgesFrom(ctx, node, typeID)
		if err != nil {
			return false, err
		}
		for _, n := range next {
			if !visited[n] {
				visited[n] = true
				queue = append(queue, n)
			}
		}
	}
	return false, nil
}
