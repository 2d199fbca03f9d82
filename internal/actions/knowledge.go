package actions

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/nebula-cp/nebula/internal/model"
	"github.com/nebula-cp/nebula/internal/repository"
)

type createKnowledgeInput struct {
	Title      string     `json:"title"`
	URL        string     `json:"url,omitempty"`
	SourceType string     `json:"source_type,omitempty"`
	Content    string     `json:"content,omitempty"`
	Status     string     `json:"status,omitempty"`
	Scopes     []string   `json:"scopes,omitempty"`
	Tags       []string   `json:"tags,omitempty"`
	Metadata   model.Meta `json:"metadata,omitempty"`
}

func (d *Dispatcher) createKnowledge(ctx context.Context, env *execEnv, payload json.RawMessage) (string, any, error) {
	var in createKnowledgeInput
	if err := decode(payload, &in); err != nil {
		return "", nil, err
	}

	title := strings.TrimSpace(sanitizeString(in.Title))
	if title == "" {
		return "", nil, model.ErrInvalid("title", "title is required")
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

	itemURL := strings.TrimSpace(in.URL)
	if err := validateKnowledgeURL(itemURL); err != nil {
		return "", nil, err
	}
	if err := checkKnowledgeURLUnique(ctx, env.repos.Knowledge, uuid.Nil, itemURL); err != nil {
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

	item := &model.KnowledgeItem{
		Title:      title,
		URL:        itemURL,
		SourceType: strings.TrimSpace(in.SourceType),
		Content:    sanitizeString(in.Content),
		ScopeIDs:   scopeIDs,
		Tags:       tags,
		Metadata:   meta,
		StatusID:   statusID,
	}
	if err := env.repos.Knowledge.Create(ctx, item); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return "", nil, model.ErrConflict("a knowledge item with that URL already exists")
		}
		return "", nil, err
	}
	return item.ID.String(), item, nil
}

type updateKnowledgeInput struct {
	ID         string     `json:"id"`
	Title      *string    `json:"title,omitempty"`
	URL        *string    `json:"url,omitempty"`
	SourceType *string    `json:"source_type,omitempty"`
	Content    *string    `json:"content,omitempty"`
	Status     *string    `json:"status,omitempty"`
	Scopes     *[]string  `json:"scopes,omitempty"`
	Tags       *[]string  `json:"tags,omitempty"`
	Metadata   model.Meta `json:"metadata,omitempty"`
}

func (d *Dispatcher) updateKnowledge(ctx context.Context, env *execEnv, payload json.RawMessage) (string, any, error) {
	var in updateKnowledgeInput
	if err := decode(payload, &in); err != nil {
		return "", nil, err
	}

	id, err := uuid.Parse(in.ID)
	if err != nil {
		return "", nil, model.ErrInvalid("id", "malformed knowledge id")
	}
	item, err := env.repos.Knowledge.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", nil, model.ErrNotFound("knowledge item")
		}
		return "", nil, err
	}
	if !env.mediator.CanRead(env.caller, item.ScopeIDs) {
		return "", nil, model.ErrNotFound("knowledge item")
	}
	if !env.mediator.CanWrite(env.caller, item.ScopeIDs) {
		return "", nil, model.ErrForbidden("knowledge item out of scope")
	}

	if in.Title != nil {
		title := strings.TrimSpace(sanitizeString(*in.Title))
		if title == "" {
			return "", nil, model.ErrInvalid("title", "title cannot be empty")
		}
		item.Title = title
	}
	if in.URL != nil {
		itemURL := strings.TrimSpace(*in.URL)
		if err := validateKnowledgeURL(itemURL); err != nil {
			return "", nil, err
		}
		item.URL = itemURL
	}
	if in.SourceType != nil {
		item.SourceType = strings.TrimSpace(*in.SourceType)
	}
	if in.Content != nil {
		item.Content = sanitizeString(*in.Content)
	}
	if in.Status != nil {
		item.StatusID, err = env.snap.Status(*in.Status)
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
		item.ScopeIDs = scopeIDs
	}
	if in.Tags != nil {
		item.Tags, err = validateTags(*in.Tags)
		if err != nil {
			return "", nil, err
		}
	}
	if in.Metadata != nil {
		item.Metadata = in.Metadata
	}
	item.Metadata, err = prepareMeta(env, item.Metadata, item.ScopeIDs)
	if err != nil {
		return "", nil, err
	}

	if err := checkKnowledgeURLUnique(ctx, env.repos.Knowledge, item.ID, item.URL); err != nil {
		return "", nil, err
	}

	if err := env.repos.Knowledge.Update(ctx, item); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return "", nil, model.ErrConflict("a knowledge item with that URL already exists")
		}
		if errors.Is(err, repository.ErrNotFound) {
			return "", nil, model.ErrNotFound("knowledge item")
		}
		return "", nil, err
	}
	return item.ID.String(), item, nil
}

// validateKnowledgeURL admits only absolute http/https URLs. Empty means
// the item has no source URL.
func validateKnowledgeURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return model.ErrInvalid("url", "url must be an absolute http or https URL")
	}
	return nil
}

func checkKnowledgeURLUnique(ctx context.Context, repo *repository.KnowledgeRepository, self uuid.UUID, itemURL string) error {
	if itemURL == "" {
		return nil
	}
	id, err := repo.FindByURL(ctx, itemURL)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	if err == nil && id != self {
		return model.ErrConflict("a knowledge item with that URL already exists")
	}
	return nil
}

// prepareMeta sanitizes metadata and checks context segments for records
// without a per-type validator.
func prepareMeta(env *execEnv, meta model.Meta, scopeIDs []int) (model.Meta, error) {
	cleaned, err := sanitizeMeta(meta)
	if err != nil {
		return nil, err
	}
	if err := validateSegments(cleaned, env.snap.ScopeNames(scopeIDs)); err != nil {
		return nil, err
	}
	return cleaned, nil
}
