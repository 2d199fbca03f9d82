package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditEntry is one row of the trigger-written change history. OldData and
// NewData hold the full row image before and after the change.
type AuditEntry struct {
	ID            uuid.UUID       `json:"id"`
	TableName     string          `json:"table_name"`
	RecordID      string          `json:"record_id"`
	Action        string          `json:"action"`
	OldData       json.RawMessage `json:"old_data,omitempty"`
	NewData       json.RawMessage `json:"new_data,omitempty"`
	ChangedByType string          `json:"changed_by_type"`
	ChangedByID   *uuid.UUID      `json:"changed_by_id,omitempty"`
	ChangedAt     time.Time       `json:"changed_at"`
}
