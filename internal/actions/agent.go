package actions

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/nebula-cp/nebula/internal/auth"
	"github.com/nebula-cp/nebula/internal/model"
	"github.com/nebula-cp/nebula/internal/repository"
)

type registerAgentInput struct {
	// AgentID is set on enrollment-originated requests, where the inactive
	// agent row already exists.
	AgentID         *uuid.UUID `json:"agent_id,omitempty"`
	Name            string     `json:"name"`
	Description     string     `json:"description,omitempty"`
	Capabilities    []string   `json:"capabilities,omitempty"`
	RequestedScopes []string   `json:"requested_scopes,omitempty"`
	// RequiresApproval applies only to direct user registration; reviewer
	// grants override it on the approval path.
	RequiresApproval *bool `json:"requires_approval,omitempty"`
}

// registeredAgent is the register_agent response. APIKey is set only on the
// direct registration path; enrollment returns the key through redeem.
type registeredAgent struct {
	Agent  *model.Agent `json:"agent"`
	APIKey string       `json:"api_key,omitempty"`
	Prefix string       `json:"key_prefix,omitempty"`
}

func (d *Dispatcher) registerAgent(ctx context.Context, env *execEnv, payload json.RawMessage) (string, any, error) {
	var in registerAgentInput
	if err := decode(payload, &in); err != nil {
		return "", nil, err
	}

	scopeNames := in.RequestedScopes
	requiresApproval := true
	if in.RequiresApproval != nil {
		requiresApproval = *in.RequiresApproval
	}
	// Reviewer grants replace the requested values outright.
	if env.review != nil {
		if len(env.review.GrantScopes) > 0 {
			scopeNames = env.review.GrantScopes
		}
		if env.review.GrantRequiresApproval != nil {
			requiresApproval = *env.review.GrantRequiresApproval
		}
	}
	scopeIDs, err := optionalScopes(env.snap, scopeNames)
	if err != nil {
		return "", nil, err
	}
	activeID, err := env.snap.Status(model.StatusActive)
	if err != nil {
		return "", nil, err
	}

	if in.AgentID != nil {
		// Enrollment path: activate the pre-created row with the granted
		// values. The key is minted at redeem time, not here.
		agent, err := env.repos.Agents.Get(ctx, *in.AgentID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return "", nil, model.ErrNotFound("agent")
			}
			return "", nil, err
		}
		if err := env.repos.Agents.Activate(ctx, agent.ID, scopeIDs, requiresApproval, activeID); err != nil {
			return "", nil, err
		}
		agent.ScopeIDs = scopeIDs
		agent.RequiresApproval = requiresApproval
		agent.StatusID = activeID
		return agent.ID.String(), &registeredAgent{Agent: agent}, nil
	}

	// Direct path: create an active agent and hand its first key to the
	// registering user.
	name := strings.TrimSpace(sanitizeString(in.Name))
	if name == "" {
		return "", nil, model.ErrInvalid("name", "agent name is required")
	}
	if _, err := env.repos.Agents.GetByName(ctx, name); err == nil {
		return "", nil, model.ErrConflict("agent name already in use")
	} else if !errors.Is(err, repository.ErrNotFound) {
		return "", nil, err
	}

	agent := &model.Agent{
		Name:             name,
		Description:      sanitizeString(in.Description),
		ScopeIDs:         scopeIDs,
		Capabilities:     in.Capabilities,
		RequiresApproval: requiresApproval,
		StatusID:         activeID,
	}
	if err := env.repos.Agents.Create(ctx, agent); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return "", nil, model.ErrConflict("agent name already in use")
		}
		return "", nil, err
	}

	rawKey, prefix, hash, err := auth.GenerateKey()
	if err != nil {
		return "", nil, err
	}
	key := &model.APIKey{
		Prefix:   prefix,
		Hash:     hash,
		Name:     "registration: " + agent.Name,
		AgentID:  &agent.ID,
		ScopeIDs: []int{},
	}
	if err := env.repos.Keys.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return agent.ID.String(), &registeredAgent{Agent: agent, APIKey: rawKey, Prefix: prefix}, nil
}
