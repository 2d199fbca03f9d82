package model

import (
	"time"

	"github.com/google/uuid"
)

// Entity is a scoped knowledge-graph node (person, project, tool, ...).
type Entity struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	TypeID    int       `json:"type_id"`
	StatusID  int       `json:"status_id"`
	ScopeIDs  []int     `json:"scope_ids"`
	Tags      []string  `json:"tags"`
	Metadata  Meta      `json:"metadata"`
	VaultPath string    `json:"vault_file_path,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Tag limits enforced by the executors.
const (
	MaxTags   = 50
	MaxTagLen = 64
)

// KnowledgeItem is a captured reference (article, repo, note) with optional
// content. URL uniqueness is enforced at write time.
type KnowledgeItem struct {
	ID         uuid.UUID `json:"id"`
	Title      string    `json:"title"`
	URL        string    `json:"url,omitempty"`
	SourceType string    `json:"source_type"`
	Content    string    `json:"content,omitempty"`
	ScopeIDs   []int     `json:"scope_ids"`
	Tags       []string  `json:"tags"`
	Metadata   Meta      `json:"metadata"`
	StatusID   int       `json:"status_id"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Relationship is a typed edge between two node references.
type Relationship struct {
	ID         uuid.UUID `json:"id"`
	Source     NodeRef   `json:"source"`
	Target     NodeRef   `json:"target"`
	TypeID     int       `json:"type_id"`
	StatusID   int       `json:"status_id"`
	Properties Meta      `json:"properties"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// JobPriority is the closed priority set for jobs.
type JobPriority string

const (
	PriorityLow      JobPriority = "low"
	PriorityMedium   JobPriority = "medium"
	PriorityHigh     JobPriority = "high"
	PriorityCritical JobPriority = "critical"
)

// ValidJobPriority reports whether p is one of the accepted priorities.
func ValidJobPriority(p JobPriority) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Job is a unit of work with a human-readable quarter-scoped id
// (e.g. "2026Q3-A7F2"). Agent-owned jobs are isolated per agent.
type Job struct {
	ID             string      `json:"id"`
	Title          string      `json:"title"`
	Description    string      `json:"description,omitempty"`
	JobType        string      `json:"job_type,omitempty"`
	AssigneeUserID *uuid.UUID  `json:"assignee_user_id,omitempty"`
	AgentID        *uuid.UUID  `json:"agent_id,omitempty"`
	StatusID       int         `json:"status_id"`
	Priority       JobPriority `json:"priority"`
	ParentJobID    *string     `json:"parent_job_id,omitempty"`
	DueAt          *time.Time  `json:"due_at,omitempty"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
	Metadata       Meta        `json:"metadata"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Log is a typed timeline record whose value object conforms to the
// log-type schema.
type Log struct {
	ID        uuid.UUID `json:"id"`
	LogTypeID int       `json:"log_type_id"`
	Timestamp time.Time `json:"timestamp"`
	Value     Meta      `json:"value"`
	StatusID  int       `json:"status_id"`
	Tags      []string  `json:"tags"`
	Metadata  Meta      `json:"metadata"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// File is stored file metadata. Files carry no intrinsic scope; visibility
// derives from the records they are attached to.
type File struct {
	ID        uuid.UUID `json:"id"`
	Filename  string    `json:"filename"`
	FilePath  string    `json:"file_path"`
	MimeType  string    `json:"mime_type,omitempty"`
	SizeBytes int64     `json:"size_bytes,omitempty"`
	Checksum  string    `json:"checksum,omitempty"`
	StatusID  int       `json:"status_id"`
	Tags      []string  `json:"tags"`
	Metadata  Meta      `json:"metadata"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Protocol is a reusable named procedure with ordered steps.
type Protocol struct {
	ID          uuid.UUID      `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Steps       []ProtocolStep `json:"steps"`
	ScopeIDs    []int          `json:"scope_ids"`
	Tags        []string       `json:"tags"`
	Metadata    Meta           `json:"metadata"`
	StatusID    int            `json:"status_id"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// ProtocolStep is one ordered step of a protocol.
type ProtocolStep struct {
	Order int    `json:"order"`
	Text  string `json:"text"`
}

// Agent is a registered autonomous caller.
type Agent struct {
	ID               uuid.UUID `json:"id"`
	Name             string    `json:"name"`
	Description      string    `json:"description,omitempty"`
	ScopeIDs         []int     `json:"scope_ids"`
	Capabilities     []string  `json:"capabilities"`
	RequiresApproval bool      `json:"requires_approval"`
	StatusID         int       `json:"status_id"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// APIKey is a stored credential record. Only the argon2 hash and the first
// eight characters of the raw key are persisted.
type APIKey struct {
	ID         uuid.UUID  `json:"id"`
	Prefix     string     `json:"prefix"`
	Hash       string     `json:"-"`
	Name       string     `json:"name,omitempty"`
	EntityID   *uuid.UUID `json:"entity_id,omitempty"`
	AgentID    *uuid.UUID `json:"agent_id,omitempty"`
	ScopeIDs   []int      `json:"scope_ids"`
	Revoked    bool       `json:"revoked"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
