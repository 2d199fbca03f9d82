// Package enums caches the store's taxonomy tables in memory. All resolution
// during request handling happens against an immutable snapshot swapped in
// atomically, so lookups never touch the database and never observe a
// half-loaded state.
package enums

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nebula-cp/nebula/internal/model"
	"github.com/nebula-cp/nebula/internal/repository"
)

// Registry holds the current taxonomy snapshot. Safe for concurrent use.
type Registry struct {
	repo *repository.TaxonomyRepository
	log  *zap.Logger
	snap atomic.Pointer[Snapshot]
}

// Snapshot is one immutable view of all five enum tables. Name keys are
// lowercased; display names are preserved in the byID maps.
type Snapshot struct {
	statusByName map[string]model.TaxonomyRow
	statusByID   map[int]model.TaxonomyRow

	scopeByName map[string]model.TaxonomyRow
	scopeByID   map[int]model.TaxonomyRow

	entityTypeByName map[string]model.TaxonomyRow
	entityTypeByID   map[int]model.TaxonomyRow

	logTypeByName map[string]model.TaxonomyRow
	logTypeByID   map[int]model.TaxonomyRow

	relTypeByName map[string]model.RelationshipTypeRow
	relTypeByID   map[int]model.RelationshipTypeRow
}

// New builds an empty registry. Call Load before serving traffic.
func New(repo *repository.TaxonomyRepository, log *zap.Logger) *Registry {
	r := &Registry{repo: repo, log: log}
	r.snap.Store(&Snapshot{})
	return r
}

// Load reads all five tables concurrently and swaps in a fresh snapshot.
// On error the previous snapshot stays in place.
func (r *Registry) Load(ctx context.Context) error {
	next := &Snapshot{}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		rows, err := r.repo.Rows(gctx, model.TaxonomyStatuses)
		if err != nil {
			return fmt.Errorf("load statuses: %w", err)
		}
		next.statusByName, next.statusByID = index(rows)
		return nil
	})
	g.Go(func() error {
		rows, err := r.repo.Rows(gctx, model.TaxonomyScopes)
		if err != nil {
			return fmt.Errorf("load scopes: %w", err)
		}
		next.scopeByName, next.scopeByID = index(rows)
		return nil
	})
	g.Go(func() error {
		rows, err := r.repo.Rows(gctx, model.TaxonomyEntityTypes)
		if err != nil {
			return fmt.Errorf("load entity types: %w", err)
		}
		next.entityTypeByName, next.entityTypeByID = index(rows)
		return nil
	})
	g.Go(func() error {
		rows, err := r.repo.Rows(gctx, model.TaxonomyLogTypes)
		if err != nil {
			return fmt.Errorf("load log types: %w", err)
		}
		next.logTypeByName, next.logTypeByID = index(rows)
		return nil
	})
	g.Go(func() error {
		rows, err := r.repo.RelationshipTypes(gctx)
		if err != nil {
			return fmt.Errorf("load relationship types: %w", err)
		}
		next.relTypeByName = make(map[string]model.RelationshipTypeRow, len(rows))
		next.relTypeByID = make(map[int]model.RelationshipTypeRow, len(rows))
		for _, rt := range rows {
			next.relTypeByName[strings.ToLower(rt.Name)] = rt
			next.relTypeByID[rt.ID] = rt
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	r.snap.Store(next)
	r.log.Info("taxonomy snapshot loaded",
		zap.Int("statuses", len(next.statusByID)),
		zap.Int("scopes", len(next.scopeByID)),
		zap.Int("entity_types", len(next.entityTypeByID)),
		zap.Int("log_types", len(next.logTypeByID)),
		zap.Int("relationship_types", len(next.relTypeByID)),
	)
	return nil
}

// Current returns the live snapshot.
func (r *Registry) Current() *Snapshot {
	return r.snap.Load()
}

func index(rows []model.TaxonomyRow) (map[string]model.TaxonomyRow, map[int]model.TaxonomyRow) {
	byName := make(map[string]model.TaxonomyRow, len(rows))
	byID := make(map[int]model.TaxonomyRow, len(rows))
	for _, t := range rows {
		byName[strings.ToLower(t.Name)] = t
		byID[t.ID] = t
	}
	return byName, byID
}

// Status resolves a status name to its id, case-insensitively.
func (s *Snapshot) Status(name string) (int, error) {
	t, ok := s.statusByName[strings.ToLower(name)]
	if !ok {
		return 0, model.ErrInvalid("status", fmt.Sprintf("unknown status %q", name))
	}
	return t.ID, nil
}

// StatusName returns the display name for a status id.
func (s *Snapshot) StatusName(id int) string {
	return s.statusByID[id].Name
}

// EntityType resolves an entity type name to its id.
func (s *Snapshot) EntityType(name string) (int, error) {
	t, ok := s.entityTypeByName[strings.ToLower(name)]
	if !ok {
		return 0, model.ErrInvalid("entity_type", fmt.Sprintf("unknown entity type %q", name))
	}
	return t.ID, nil
}

// EntityTypeName returns the display name for an entity type id.
func (s *Snapshot) EntityTypeName(id int) string {
	return s.entityTypeByID[id].Name
}

// LogType resolves a log type name to its id.
func (s *Snapshot) LogType(name string) (int, error) {
	t, ok := s.logTypeByName[strings.ToLower(name)]
	if !ok {
		return 0, model.ErrInvalid("log_type", fmt.Sprintf("unknown log type %q", name))
	}
	return t.ID, nil
}

// LogTypeName returns the display name for a log type id.
func (s *Snapshot) LogTypeName(id int) string {
	return s.logTypeByID[id].Name
}

// RelationshipType resolves a relationship type name to its row, which
// carries the symmetric/acyclic/self-edge semantics.
func (s *Snapshot) RelationshipType(name string) (model.RelationshipTypeRow, error) {
	rt, ok := s.relTypeByName[strings.ToLower(name)]
	if !ok {
		return model.RelationshipTypeRow{}, model.ErrInvalid("relationship_type", fmt.Sprintf("unknown relationship type %q", name))
	}
	return rt, nil
}

// RelationshipTypeByID returns the row for a relationship type id.
func (s *Snapshot) RelationshipTypeByID(id int) (model.RelationshipTypeRow, bool) {
	rt, ok := s.relTypeByID[id]
	return rt, ok
}

// RelationshipTypeName returns the display name for a relationship type id.
func (s *Snapshot) RelationshipTypeName(id int) string {
	return s.relTypeByID[id].Name
}

// Scope resolves a scope name to its id.
func (s *Snapshot) Scope(name string) (int, error) {
	t, ok := s.scopeByName[strings.ToLower(name)]
	if !ok {
		return 0, model.ErrInvalid("scopes", fmt.Sprintf("unknown scope %q", name))
	}
	return t.ID, nil
}

// Scopes resolves a list of scope names to sorted, deduplicated ids. A
// single unknown name fails the whole call, and so does an empty list:
// callers for which no scopes is a valid state must say so themselves
// instead of resolving nothing.
func (s *Snapshot) Scopes(names []string) ([]int, error) {
	if len(names) == 0 {
		return nil, model.ErrInvalid("scopes", "at least one scope is required")
	}
	seen := make(map[int]bool, len(names))
	out := make([]int, 0, len(names))
	for _, n := range names {
		id, err := s.Scope(n)
		if err != nil {
			return nil, err
		}
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Ints(out)
	return out, nil
}

// ScopeName returns the display name for a scope id.
func (s *Snapshot) ScopeName(id int) string {
	return s.scopeByID[id].Name
}

// ScopeNames maps ids back to display names, skipping unknown ids.
func (s *Snapshot) ScopeNames(ids []int) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if t, ok := s.scopeByID[id]; ok {
			out = append(out, t.Name)
		}
	}
	return out
}

// ScopeRows returns all scopes ordered by id.
func (s *Snapshot) ScopeRows() []model.TaxonomyRow {
	out := make([]model.TaxonomyRow, 0, len(s.scopeByID))
	for _, t := range s.scopeByID {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
