package actions

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/nebula-cp/nebula/internal/model"
	"github.com/nebula-cp/nebula/internal/repository"
)

type createProtocolInput struct {
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	Steps       []model.ProtocolStep `json:"steps"`
	Status      string               `json:"status,omitempty"`
	Scopes      []string             `json:"scopes,omitempty"`
	Tags        []string             `json:"tags,omitempty"`
	Metadata    model.Meta           `json:"metadata,omitempty"`
}

func (d *Dispatcher) createProtocol(ctx context.Context, env *execEnv, payload json.RawMessage) (string, any, error) {
	var in createProtocolInput
	if err := decode(payload, &in); err != nil {
		return "", nil, err
	}

	name := strings.TrimSpace(sanitizeString(in.Name))
	if name == "" {
		return "", nil, model.ErrInvalid("name", "name is required")
	}
	steps, err := normalizeSteps(in.Steps)
	if err != nil {
		return "", nil, err
	}
	statusID, err := resolveStatus(env, in.Status)
	if err != nil {
		return "", nil, err
	}
	scopeIDs, err := optionalScopes(env.snap, in.Scopes)
	if err != nil {
		return "", nil, err
	}
	if !env.mediator.CanAssignScopes(env.caller, scopeIDs) {
		return "", nil, model.ErrForbidden("cannot assign scopes outside your own")
	}

	if _, err := env.repos.Protocols.FindByName(ctx, name); err == nil {
		return "", nil, model.ErrConflict("a protocol with that name already exists")
	} else if !errors.Is(err, repository.ErrNotFound) {
		return "", nil, err
	}

	meta, err := prepareMeta(env, in.Metadata, scopeIDs)
	if err != nil {
		return "", nil, err
	}
	tags, err := validateTags(in.Tags)
	if err != nil {
		return "", nil, err
	}

	p := &model.Protocol{
		Name:        name,
		Description: sanitizeString(in.Description),
		Steps:       steps,
		ScopeIDs:    scopeIDs,
		Tags:        tags,
		Metadata:    meta,
		StatusID:    statusID,
	}
	if err := env.repos.Protocols.Create(ctx, p); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return "", nil, model.ErrConflict("a protocol with that name already exists")
		}
		return "", nil, err
	}
	return p.ID.String(), p, nil
}

type updateProtocolInput struct {
	ID          string                `json:"id"`
	Name        *string               `json:"name,omitempty"`
	Description *string               `json:"description,omitempty"`
	Steps       *[]model.ProtocolStep `json:"steps,omitempty"`
	Status      *string               `json:"status,omitempty"`
	Scopes      *[]string             `json:"scopes,omitempty"`
	Tags        *[]string             `json:"tags,omitempty"`
	Metadata    model.Meta            `json:"metadata,omitempty"`
}

func (d *Dispatcher) updateProtocol(ctx context.Context, env *execEnv, payload json.RawMessage) (string, any, error) {
	var in updateProtocolInput
	if err := decode(payload, &in); err != nil {
		return "", nil, err
	}

	id, err := uuid.Parse(in.ID)
	if err != nil {
		return "", nil, model.ErrInvalid("id", "malformed protocol id")
	}
	p, err := env.repos.Protocols.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", nil, model.ErrNotFound("protocol")
		}
		return "", nil, err
	}
	if !env.mediator.CanRead(env.caller, p.ScopeIDs) {
		return "", nil, model.ErrNotFound("protocol")
	}
	if !env.mediator.CanWrite(env.caller, p.ScopeIDs) {
		return "", nil, model.ErrForbidden("protocol out of scope")
	}

	if in.Name != nil {
		name := strings.TrimSpace(sanitizeString(*in.Name))
		if name == "" {
			return "", nil, model.ErrInvalid("name", "name cannot be empty")
		}
		if existing, err := env.repos.Protocols.FindByName(ctx, name); err == nil && existing != p.ID {
			return "", nil, model.ErrConflict("a protocol with that name already exists")
		} else if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return "", nil, err
		}
		p.Name = name
	}
	if in.Description != nil {
		p.Description = sanitizeString(*in.Description)
	}
	if in.Steps != nil {
		p.Steps, err = normalizeSteps(*in.Steps)
		if err != nil {
			return "", nil, err
		}
	}
	if in.Status != nil {
		p.StatusID, err = env.snap.Status(*in.Status)
		if err != nil {
			return "", nil, err
		}
	}
	if in.Scopes != nil {
		scopeIDs, err := optionalScopes(env.snap, *in.Scopes)
		if err != nil {
			return "", nil, err
		}
		if !env.mediator.CanAssignScopes(env.caller, scopeIDs) {
			return "", nil, model.ErrForbidden("cannot assign scopes outside your own")
		}
		p.ScopeIDs = scopeIDs
	}
	if in.Tags != nil {
		p.Tags, err = validateTags(*in.Tags)
		if err != nil {
			return "", nil, err
		}
	}
	if in.Metadata != nil {
		p.Metadata = in.Metadata
	}
	p.Metadata, err = prepareMeta(env, p.Metadata, p.ScopeIDs)
	if err != nil {
		return "", nil, err
	}

	if err := env.repos.Protocols.Update(ctx, p); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return "", nil, model.ErrConflict("a protocol with that name already exists")
		}
		if errors.Is(err, repository.ErrNotFound) {
			return "", nil, model.ErrNotFound("protocol")
		}
		return "", nil, err
	}
	return p.ID.String(), p, nil
}

// normalizeSteps sanitizes step text and renumbers steps 1..n in their
// given order.
func normalizeSteps(steps []model.ProtocolStep) ([]model.ProtocolStep, error) {
	if len(steps) == 0 {
		return nil, model.ErrInvalid("steps", "at least one step is required")
	}
	out := make([]model.ProtocolStep, 0, len(steps))
	for _, s := range steps {
		text := strings.TrimSpace(sanitizeString(s.Text))
		if text == "" {
			return nil, model.ErrInvalid("steps", "step text cannot be empty")
		}
		out = append(out, model.ProtocolStep{Order: s.Order, Text: text})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	for i := range out {
		out[i].Order = i + 1
	}
	return out, nil
}
