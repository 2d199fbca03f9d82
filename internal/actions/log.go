package actions

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/nebula-cp/nebula/internal/model"
	"github.com/nebula-cp/nebula/internal/repository"
)

type createLogInput struct {
	LogType   string     `json:"log_type"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Value     model.Meta `json:"value"`
	Status    string     `json:"status,omitempty"`
	Tags      []string   `json:"tags,omitempty"`
	Metadata  model.Meta `json:"metadata,omitempty"`
}

func (d *Dispatcher) createLog(ctx context.Context, env *execEnv, payload json.RawMessage) (string, any, error) {
	var in createLogInput
	if err := decode(payload, &in); err != nil {
		return "", nil, err
	}

	logTypeID, err := env.snap.LogType(in.LogType)
	if err != nil {
		return "", nil, err
	}
	statusID, err := resolveStatus(env, in.Status)
	if err != nil {
		return "", nil, err
	}
	if len(in.Value) == 0 {
		return "", nil, model.ErrInvalid("value", "value is required")
	}
	value, err := sanitizeMeta(in.Value)
	if err != nil {
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

	l := &model.Log{
		LogTypeID: logTypeID,
		Value:     value,
		StatusID:  statusID,
		Tags:      tags,
		Metadata:  meta,
	}
	if in.Timestamp != nil {
		l.Timestamp = in.Timestamp.UTC()
	}
	if err := env.repos.Logs.Create(ctx, l); err != nil {
		return "", nil, err
	}
	return l.ID.String(), l, nil
}

type updateLogInput struct {
	ID        string     `json:"id"`
	LogType   *string    `json:"log_type,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Value     model.Meta `json:"value,omitempty"`
	Status    *string    `json:"status,omitempty"`
	Tags      *[]string  `json:"tags,omitempty"`
	Metadata  model.Meta `json:"metadata,omitempty"`
}

func (d *Dispatcher) updateLog(ctx context.Context, env *execEnv, payload json.RawMessage) (string, any, error) {
	var in updateLogInput
	if err := decode(payload, &in); err != nil {
		return "", nil, err
	}

	id, err := uuid.Parse(in.ID)
	if err != nil {
		return "", nil, model.ErrInvalid("id", "malformed log id")
	}
	l, err := env.repos.Logs.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", nil, model.ErrNotFound("log")
		}
		return "", nil, err
	}

	if in.LogType != nil {
		l.LogTypeID, err = env.snap.LogType(*in.LogType)
		if err != nil {
			return "", nil, err
		}
	}
	if in.Timestamp != nil {
		l.Timestamp = in.Timestamp.UTC()
	}
	if in.Value != nil {
		l.Value, err = sanitizeMeta(in.Value)
		if err != nil {
			return "", nil, err
		}
	}
	if in.Status != nil {
		l.StatusID, err = env.snap.Status(*in.Status)
		if err != nil {
			return "", nil, err
		}
	}
	if in.Tags != nil {
		l.Tags, err = validateTags(*in.Tags)
		if err != nil {
			return "", nil, err
		}
	}
	if in.Metadata != nil {
		l.Metadata, err = sanitizeMeta(in.Metadata)
		if err != nil {
			return "", nil, err
		}
	}

	if err := env.repos.Logs.Update(ctx, l); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", nil, model.ErrNotFound("log")
		}
		return "", nil, err
	}
	return l.ID.String(), l, nil
}
