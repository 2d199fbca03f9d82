package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nebula-cp/nebula/internal/model"
	"github.com/nebula-cp/nebula/internal/store"
)

// AgentRepository provides CRUD for agents.
type AgentRepository struct {
	db store.Querier
}

// NewAgentRepository creates an AgentRepository.
func NewAgentRepository(db store.Querier) *AgentRepository {
	return &AgentRepository{db: db}
}

// Create inserts a new agent. Names are unique case-insensitively.
func (r *AgentRepository) Create(ctx context.Context, a *model.Agent) error {
	a.ID = uuid.New()
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	_, err := r.db.Exec(ctx, store.Q("agents/insert"),
		a.ID, a.Name, a.Description, a.ScopeIDs, capsOrEmpty(a.Capabilities),
		a.RequiresApproval, a.StatusID, a.CreatedAt, a.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// Get retrieves an agent by id.
func (r *AgentRepository) Get(ctx context.Context, id uuid.UUID) (*model.Agent, error) {
	rows, err := r.db.Query(ctx, store.Q("agents/get"), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOneAgent(rows)
}

// GetByName retrieves an agent by its unique name.
func (r *AgentRepository) GetByName(ctx context.Context, name string) (*model.Agent, error) {
	rows, err := r.db.Query(ctx, store.Q("agents/by_name"), name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOneAgent(rows)
}

// List returns agents, newest first.
func (r *AgentRepository) List(ctx context.Context, limit, offset int) ([]*model.Agent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, store.Q("agents/list"), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Count returns the total number of agents.
func (r *AgentRepository) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, store.Q("agents/count")).Scan(&n)
	return n, err
}

// Update rewrites an agent's description and capabilities.
func (r *AgentRepository) Update(ctx context.Context, a *model.Agent) error {
	a.UpdatedAt = time.Now().UTC()
	tag, err := r.db.Exec(ctx, store.Q("agents/update"),
		a.ID, a.Description, capsOrEmpty(a.Capabilities), a.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Activate applies reviewer grants and flips the agent to the given status
// in one statement.
func (r *AgentRepository) Activate(ctx context.Context, id uuid.UUID, scopeIDs []int, requiresApproval bool, statusID int) error {
	tag, err := r.db.Exec(ctx, store.Q("agents/activate"),
		id, scopeIDs, requiresApproval, statusID, time.Now().UTC(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetStatus changes an agent's status.
func (r *AgentRepository) SetStatus(ctx context.Context, id uuid.UUID, statusID int) error {
	tag, err := r.db.Exec(ctx, store.Q("agents/set_status"), id, statusID, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanOneAgent(rows pgx.Rows) (*model.Agent, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanAgent(rows)
}

func scanAgent(rows pgx.Rows) (*model.Agent, error) {
	var a model.Agent
	err := rows.Scan(
		&a.ID, &a.Name, &a.Description, &a.ScopeIDs, &a.Capabilities,
		&a.RequiresApproval, &a.StatusID, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func capsOrEmpty(caps []string) []string {
	if caps == nil {
		return []string{}
	}
	return caps
}
