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

type createFileInput struct {
	Filename  string          `json:"filename"`
	FilePath  string          `json:"file_path"`
	MimeType  string          `json:"mime_type,omitempty"`
	SizeBytes int64           `json:"size_bytes,omitempty"`
	Checksum  string          `json:"checksum,omitempty"`
	Status    string          `json:"status,omitempty"`
	Tags      []string        `json:"tags,omitempty"`
	Metadata  model.Meta      `json:"metadata,omitempty"`
	AttachTo  []model.NodeRef `json:"attach_to,omitempty"`
}

func (d *Dispatcher) createFile(ctx context.Context, env *execEnv, payload json.RawMessage) (string, any, error) {
	var in createFileInput
	if err := decode(payload, &in); err != nil {
		return "", nil, err
	}

	filename := strings.TrimSpace(sanitizeString(in.Filename))
	if filename == "" {
		return "", nil, model.ErrInvalid("filename", "filename is required")
	}
	path := strings.TrimSpace(in.FilePath)
	if path == "" {
		return "", nil, model.ErrInvalid("file_path", "file_path is required")
	}
	statusID, err := resolveStatus(env, in.Status)
	if err != nil {
		return "", nil, err
	}

	if existing, err := env.repos.Files.FindByPath(ctx, path); err == nil && existing != uuid.Nil {
		return "", nil, model.ErrConflict("a file already exists at that path")
	} else if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return "", nil, err
	}

	meta, err := sanitizeMeta(in.Metadata)
	if err != nil {
		return "", nil, err
	}
	tags, err := validateTags(in.Tags)
	if err != nil {
		return "", nil, err
	}

	// Attachment targets must be visible to the caller before the file is
	// linked to them.
	for _, node := range in.AttachTo {
		if err := validateNodeRef("attach_to", node); err != nil {
			return "", nil, err
		}
		visible, err := env.mediator.NodeVisible(ctx, env.caller, node)
		if err != nil {
			return "", nil, err
		}
		if !visible {
			return "", nil, model.ErrNotFound(string(node.Type))
		}
	}

	f := &model.File{
		Filename:  filename,
		FilePath:  path,
		MimeType:  strings.TrimSpace(in.MimeType),
		SizeBytes: in.SizeBytes,
		Checksum:  strings.TrimSpace(in.Checksum),
		StatusID:  statusID,
		Tags:      tags,
		Metadata:  meta,
	}
	if err := env.repos.Files.Create(ctx, f); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return "", nil, model.ErrConflict("a file already exists at that path")
		}
		return "", nil, err
	}
	for _, node := range in.AttachTo {
		if err := env.repos.Files.Attach(ctx, f.ID, node); err != nil {
			return "", nil, err
		}
	}
	return f.ID.String(), f, nil
}

type updateFileInput struct {
	ID        string          `json:"id"`
	Filename  *string         `json:"filename,omitempty"`
	FilePath  *string         `json:"file_path,omitempty"`
	MimeType  *string         `json:"mime_type,omitempty"`
	SizeBytes *int64          `json:"size_bytes,omitempty"`
	Checksum  *string         `json:"checksum,omitempty"`
	Status    *string         `json:"status,omitempty"`
	Tags      *[]string       `json:"tags,omitempty"`
	Metadata  model.Meta      `json:"metadata,omitempty"`
	Attach    []model.NodeRef `json:"attach,omitempty"`
	Detach    []model.NodeRef `json:"detach,omitempty"`
}

func (d *Dispatcher) updateFile(ctx context.Context, env *execEnv, payload json.RawMessage) (string, any, error) {
	var in updateFileInput
	if err := decode(payload, &in); err != nil {
		return "", nil, err
	}

	id, err := uuid.Parse(in.ID)
	if err != nil {
		return "", nil, model.ErrInvalid("id", "malformed file id")
	}
	if err := env.mediator.FileAccess(ctx, env.caller, id); err != nil {
		return "", nil, err
	}
	f, err := env.repos.Files.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", nil, model.ErrNotFound("file")
		}
		return "", nil, err
	}

	if in.Filename != nil {
		filename := strings.TrimSpace(sanitizeString(*in.Filename))
		if filename == "" {
			return "", nil, model.ErrInvalid("filename", "filename cannot be empty")
		}
		f.Filename = filename
	}
	if in.FilePath != nil {
		path := strings.TrimSpace(*in.FilePath)
		if path == "" {
			return "", nil, model.ErrInvalid("file_path", "file_path cannot be empty")
		}
		if existing, err := env.repos.Files.FindByPath(ctx, path); err == nil && existing != f.ID {
			return "", nil, model.ErrConflict("a file already exists at that path")
		} else if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return "", nil, err
		}
		f.FilePath = path
	}
	if in.MimeType != nil {
		f.MimeType = strings.TrimSpace(*in.MimeType)
	}
	if in.SizeBytes != nil {
		f.SizeBytes = *in.SizeBytes
	}
	if in.Checksum != nil {
		f.Checksum = strings.TrimSpace(*in.Checksum)
	}
	if in.Status != nil {
		f.StatusID, err = env.snap.Status(*in.Status)
		if err != nil {
			return "", nil, err
		}
	}
	if in.Tags != nil {
		f.Tags, err = validateTags(*in.Tags)
		if err != nil {
			return "", nil, err
		}
	}
	if in.Metadata != nil {
		f.Metadata, err = sanitizeMeta(in.Metadata)
		if err != nil {
			return "", nil, err
		}
	}

	if err := env.repos.Files.Update(ctx, f); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return "", nil, model.ErrConflict("a file already exists at that path")
		}
		if errors.Is(err, repository.ErrNotFound) {
			return "", nil, model.ErrNotFound("file")
		}
		return "", nil, err
	}

	for _, node := range in.Attach {
		if err := validateNodeRef("attach", node); err != nil {
			return "", nil, err
		}
		visible, err := env.mediator.NodeVisible(ctx, env.caller, node)
		if err != nil {
			return "", nil, err
		}
		if !visible {
			return "", nil, model.ErrNotFound(string(node.Type))
		}
		if err := env.repos.Files.Attach(ctx, f.ID, node); err != nil {
			return "", nil, err
		}
	}
	for _, node := range in.Detach {
		if err := env.repos.Files.Detach(ctx, f.ID, node); err != nil {
			return "", nil, err
		}
	}
	return f.ID.String(), f, nil
}
