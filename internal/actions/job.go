package actions

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nebula-cp/nebula/internal/model"
	"github.com/nebula-cp/nebula/internal/repository"
)

type createJobInput struct {
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	JobType        string     `json:"job_type,omitempty"`
	Priority       string     `json:"priority,omitempty"`
	Status         string     `json:"status,omitempty"`
	AssigneeUserID *uuid.UUID `json:"assignee_user_id,omitempty"`
	ParentJobID    *string    `json:"parent_job_id,omitempty"`
	DueAt          *time.Time `json:"due_at,omitempty"`
	Metadata       model.Meta `json:"metadata,omitempty"`
}

func (d *Dispatcher) createJob(ctx context.Context, env *execEnv, payload json.RawMessage) (string, any, error) {
	var in createJobInput
	if err := decode(payload, &in); err != nil {
		return "", nil, err
	}

	title := strings.TrimSpace(sanitizeString(in.Title))
	if title == "" {
		return "", nil, model.ErrInvalid("title", "title is required")
	}
	priority, err := resolvePriority(in.Priority)
	if err != nil {
		return "", nil, err
	}
	statusID, err := resolveStatus(env, in.Status)
	if err != nil {
		return "", nil, err
	}
	if in.ParentJobID != nil {
		if err := checkParentJob(ctx, env, *in.ParentJobID); err != nil {
			return "", nil, err
		}
	}

	meta, err := sanitizeMeta(in.Metadata)
	if err != nil {
		return "", nil, err
	}
	id, err := newJobID(ctx, env.repos.Jobs, time.Now().UTC())
	if err != nil {
		return "", nil, err
	}

	job := &model.Job{
		ID:             id,
		Title:          title,
		Description:    sanitizeString(in.Description),
		JobType:        strings.TrimSpace(in.JobType),
		AssigneeUserID: in.AssigneeUserID,
		StatusID:       statusID,
		Priority:       priority,
		ParentJobID:    in.ParentJobID,
		DueAt:          in.DueAt,
		Metadata:       meta,
	}
	// Agent-created jobs are owned by the creating agent; ownership drives
	// job visibility for agent callers. An approved proposal executed by a
	// reviewer still assigns the job to the agent that proposed it.
	switch {
	case env.caller.IsAgent():
		agentID := env.caller.AgentID
		job.AgentID = &agentID
	case env.proposedBy != nil:
		agentID := *env.proposedBy
		job.AgentID = &agentID
	}

	if err := env.repos.Jobs.Create(ctx, job); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return "", nil, model.ErrConflict("job id collision, retry")
		}
		return "", nil, err
	}
	return job.ID, job, nil
}

type updateJobInput struct {
	ID             string     `json:"id"`
	Title          *string    `json:"title,omitempty"`
	Description    *string    `json:"description,omitempty"`
	JobType        *string    `json:"job_type,omitempty"`
	Priority       *string    `json:"priority,omitempty"`
	AssigneeUserID *uuid.UUID `json:"assignee_user_id,omitempty"`
	ParentJobID    *string    `json:"parent_job_id,omitempty"`
	DueAt          *time.Time `json:"due_at,omitempty"`
	Metadata       model.Meta `json:"metadata,omitempty"`
}

func (d *Dispatcher) updateJob(ctx context.Context, env *execEnv, payload json.RawMessage) (string, any, error) {
	var in updateJobInput
	if err := decode(payload, &in); err != nil {
		return "", nil, err
	}

	job, err := loadOwnedJob(ctx, env, in.ID)
	if err != nil {
		return "", nil, err
	}

	if in.Title != nil {
		title := strings.TrimSpace(sanitizeString(*in.Title))
		if title == "" {
			return "", nil, model.ErrInvalid("title", "title cannot be empty")
		}
		job.Title = title
	}
	if in.Description != nil {
		job.Description = sanitizeString(*in.Description)
	}
	if in.JobType != nil {
		job.JobType = strings.TrimSpace(*in.JobType)
	}
	if in.Priority != nil {
		job.Priority, err = resolvePriority(*in.Priority)
		if err != nil {
			return "", nil, err
		}
	}
	if in.AssigneeUserID != nil {
		job.AssigneeUserID = in.AssigneeUserID
	}
	if in.ParentJobID != nil {
		if *in.ParentJobID == job.ID {
			return "", nil, model.ErrInvalid("parent_job_id", "job cannot be its own parent")
		}
		if err := checkParentJob(ctx, env, *in.ParentJobID); err != nil {
			return "", nil, err
		}
		job.ParentJobID = in.ParentJobID
	}
	if in.DueAt != nil {
		job.DueAt = in.DueAt
	}
	if in.Metadata != nil {
		job.Metadata, err = sanitizeMeta(in.Metadata)
		if err != nil {
			return "", nil, err
		}
	}

	if err := env.repos.Jobs.Update(ctx, job); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", nil, model.ErrNotFound("job")
		}
		return "", nil, err
	}
	return job.ID, job, nil
}

type updateJobStatusInput struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (d *Dispatcher) updateJobStatus(ctx context.Context, env *execEnv, payload json.RawMessage) (string, any, error) {
	var in updateJobStatusInput
	if err := decode(payload, &in); err != nil {
		return "", nil, err
	}

	job, err := loadOwnedJob(ctx, env, in.ID)
	if err != nil {
		return "", nil, err
	}
	statusID, err := env.snap.Status(in.Status)
	if err != nil {
		return "", nil, err
	}

	completedAt := in.CompletedAt
	if completedAt == nil && isTerminalJobStatus(in.Status) {
		now := time.Now().UTC()
		completedAt = &now
	}

	if err := env.repos.Jobs.SetStatus(ctx, job.ID, statusID, completedAt); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", nil, model.ErrNotFound("job")
		}
		return "", nil, err
	}
	job.StatusID = statusID
	job.CompletedAt = completedAt
	return job.ID, job, nil
}

// loadOwnedJob fetches a job and enforces agent job isolation.
func loadOwnedJob(ctx context.Context, env *execEnv, id string) (*model.Job, error) {
	if strings.TrimSpace(id) == "" {
		return nil, model.ErrInvalid("id", "job id is required")
	}
	job, err := env.repos.Jobs.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, model.ErrNotFound("job")
		}
		return nil, err
	}
	if err := env.mediator.JobAccess(env.caller, job); err != nil {
		return nil, err
	}
	return job, nil
}

func checkParentJob(ctx context.Context, env *execEnv, parentID string) error {
	if _, err := loadOwnedJob(ctx, env, parentID); err != nil {
		var me *model.Error
		if errors.As(err, &me) && me.Code == model.CodeNotFound {
			return model.ErrInvalid("parent_job_id", "parent job not found")
		}
		return err
	}
	return nil
}

func resolvePriority(raw string) (model.JobPriority, error) {
	if raw == "" {
		return model.PriorityMedium, nil
	}
	p := model.JobPriority(strings.ToLower(raw))
	if !model.ValidJobPriority(p) {
		return "", model.ErrInvalid("priority", "priority must be one of low, medium, high, critical")
	}
	return p, nil
}

// isTerminalJobStatus reports whether a status name implies completion.
func isTerminalJobStatus(name string) bool {
	switch strings.ToLower(name) {
	case "completed", "done", "archived":
		return true
	}
	return false
}
