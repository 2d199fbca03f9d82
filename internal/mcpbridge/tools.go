package mcpbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nebula-cp/nebula/pkg/client"
)

// ToolDefinition is the MCP tool descriptor sent in tools/list responses.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

func ok(text string) (string, bool)   { return text, false }
func fail(text string) (string, bool) { return text, true }
func failf(format string, a ...any) (string, bool) {
	return fmt.Sprintf(format, a...), true
}

// enrollTools are the only tools available before enrollment completes.
var enrollTools = map[string]bool{
	"agent_enroll_start":  true,
	"agent_enroll_wait":   true,
	"agent_enroll_redeem": true,
}

// actionDescriptions drives the write-tool definitions; names mirror the
// server's action registry one-to-one.
var actionDescriptions = map[string]string{
	"create_entity":             "Create a scoped entity (person, project, tool, ...).",
	"update_entity":             "Update fields of an existing entity by id.",
	"create_knowledge":          "Capture a knowledge item (article, repo, note).",
	"update_knowledge":          "Update a knowledge item by id.",
	"create_relationship":       "Create a typed edge between two nodes.",
	"update_relationship":       "Update a relationship's type, status, or properties.",
	"create_job":                "Create a job with a quarter-scoped id.",
	"update_job":                "Update a job's fields by id.",
	"update_job_status":         "Transition a job to a new status.",
	"create_log":                "Append a typed timeline log record.",
	"update_log":                "Update a log record by id.",
	"create_file":               "Register file metadata, optionally attached to nodes.",
	"update_file":               "Update file metadata or attachments by id.",
	"create_protocol":           "Create a reusable named procedure with ordered steps.",
	"update_protocol":           "Update a protocol by id.",
	"bulk_update_entity_tags":   "Add/remove tags across up to 100 entities.",
	"bulk_update_entity_scopes": "Reassign scopes across up to 100 entities.",
	"revert_entity":             "Restore an entity to a previous audit snapshot (users only).",
	"register_agent":            "Register a new agent directly (users only).",
}

// readTools maps read tool names to REST paths. Paths with %s take an id
// argument.
var readTools = []struct {
	name, desc, path string
	byID             bool
}{
	{"get_entity", "Fetch one entity by id, with scope-filtered metadata.", "/entities/%s", true},
	{"list_entities", "List visible entities; filter by type/status names.", "/entities", false},
	{"get_knowledge", "Fetch one knowledge item by id.", "/knowledge/%s", true},
	{"list_knowledge", "List visible knowledge items.", "/knowledge", false},
	{"get_relationship", "Fetch one relationship by id.", "/relationships/%s", true},
	{"get_job", "Fetch one job by its textual id.", "/jobs/%s", true},
	{"list_jobs", "List jobs (agents see only their own).", "/jobs", false},
	{"get_log", "Fetch one log record by id.", "/logs/%s", true},
	{"list_logs", "List log records; filter by log_type name.", "/logs", false},
	{"get_file", "Fetch one file's metadata by id.", "/files/%s", true},
	{"list_files", "List visible files.", "/files", false},
	{"get_protocol", "Fetch one protocol by id.", "/protocols/%s", true},
	{"list_protocols", "List visible protocols.", "/protocols", false},
	{"get_agent", "Fetch one agent by id.", "/agents/%s", true},
	{"list_agents", "List registered agents.", "/agents", false},
	{"get_approval", "Fetch one approval request by id.", "/approvals/%s", true},
	{"list_approvals", "List approval requests; filter by status.", "/approvals", false},
	{"approval_diff", "Show the field-level change preview for a pending approval.", "/approvals/%s/diff", true},
	{"whoami", "Show the identity and scopes behind the bridge credential.", "/whoami", false},
}

// ToolRegistry maps MCP tool names to Nebula API calls. It carries the
// bridge's credential state: before a successful enrollment redeem only the
// three agent_enroll_* tools work.
type ToolRegistry struct {
	c *client.Client

	mu       sync.Mutex
	enrolled bool
	// enrollment session state between start/wait/redeem calls
	sessionID string
	token     string

	defs []ToolDefinition
}

// NewToolRegistry creates a ToolRegistry backed by the given Nebula client.
// enrolled reports whether the bridge already holds an nbl_ credential.
func NewToolRegistry(c *client.Client, enrolled bool) *ToolRegistry {
	r := &ToolRegistry{c: c, enrolled: enrolled}
	r.defs = buildDefinitions()
	return r
}

func buildDefinitions() []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(actionDescriptions)+len(readTools)+3)

	for name, desc := range actionDescriptions {
		defs = append(defs, ToolDefinition{
			Name:        name,
			Description: desc,
			InputSchema: map[string]any{
				"type":        "object",
				"description": "Action payload; field shapes match the REST body for the same action.",
			},
		})
	}

	for _, t := range readTools {
		schema := map[string]any{"type": "object", "properties": map[string]any{}}
		if t.byID {
			schema = map[string]any{
				"type": "object",
				"properties": map[string]any{
					"id": map[string]any{"type": "string", "description": "Record id."},
				},
				"required": []string{"id"},
			}
		}
		defs = append(defs, ToolDefinition{Name: t.name, Description: t.desc, InputSchema: schema})
	}

	defs = append(defs,
		ToolDefinition{
			Name: "agent_enroll_start",
			Description: "Begin bootstrap enrollment: files an approval request and returns a " +
				"one-time nbe_ token. Available without a credential.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name":             map[string]any{"type": "string", "description": "Agent name."},
					"description":      map[string]any{"type": "string"},
					"capabilities":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"requested_scopes": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				},
				"required": []string{"name"},
			},
		},
		ToolDefinition{
			Name:        "agent_enroll_wait",
			Description: "Long-poll the enrollment decision. Returns status and whether redeem is possible.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"wait_seconds": map[string]any{"type": "integer", "description": "Max seconds to wait (capped at 60)."},
				},
			},
		},
		ToolDefinition{
			Name: "agent_enroll_redeem",
			Description: "Redeem an approved enrollment for an API key. One-time use; the bridge " +
				"switches to the new credential automatically.",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		},
	)
	return defs
}

// Definitions returns the list of tool definitions for tools/list responses.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	return r.defs
}

// Call dispatches a tool call by name and returns (output text, isError).
func (r *ToolRegistry) Call(ctx context.Context, name string, args json.RawMessage) (string, bool) {
	if enrollTools[name] {
		return r.enroll(ctx, name, args)
	}

	r.mu.Lock()
	enrolled := r.enrolled
	r.mu.Unlock()
	if !enrolled {
		hint, _ := json.Marshal(map[string]any{
			"error":      "ENROLLMENT_REQUIRED",
			"message":    "agent is not enrolled; complete the enrollment flow first",
			"next_steps": []string{"agent_enroll_start", "agent_enroll_wait", "agent_enroll_redeem"},
		})
		return fail(string(hint))
	}

	if _, isAction := actionDescriptions[name]; isAction {
		return r.invoke(ctx, name, args)
	}
	for _, t := range readTools {
		if t.name == name {
			return r.read(ctx, t.path, t.byID, args)
		}
	}
	return failf("unknown tool: %q", name)
}

// ── tool handlers ────────────────────────────────────────────────────────────

func (r *ToolRegistry) invoke(ctx context.Context, action string, args json.RawMessage) (string, bool) {
	res, err := r.c.Invoke(ctx, action, args, "")
	if err != nil {
		return failf("%s failed: %v", action, err)
	}
	if res.Intercepted() {
		return ok(fmt.Sprintf(
			"approval_required: the write was intercepted and awaits review (approval_request_id %s)",
			res.ApprovalRequestID,
		))
	}
	return ok(pretty(res.Record))
}

func (r *ToolRegistry) read(ctx context.Context, path string, byID bool, args json.RawMessage) (string, bool) {
	target := path
	if byID {
		var in struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(args, &in); err != nil || in.ID == "" {
			return fail("id is required")
		}
		target = fmt.Sprintf(path, in.ID)
	}
	raw, err := r.c.Get(ctx, target)
	if err != nil {
		return failf("read failed: %v", err)
	}
	return ok(pretty(raw))
}

func (r *ToolRegistry) enroll(ctx context.Context, name string, args json.RawMessage) (string, bool) {
	switch name {
	case "agent_enroll_start":
		var in struct {
			Name            string   `json:"name"`
			Description     string   `json:"description"`
			Capabilities    []string `json:"capabilities"`
			RequestedScopes []string `json:"requested_scopes"`
		}
		if err := json.Unmarshal(args, &in); err != nil || in.Name == "" {
			return fail("name is required")
		}
		res, err := r.c.StartEnrollment(ctx, in.Name, in.Description, in.Capabilities, in.RequestedScopes)
		if err != nil {
			return failf("enrollment start failed: %v", err)
		}
		r.mu.Lock()
		r.sessionID = res.SessionID
		r.token = res.Token
		r.mu.Unlock()
		return ok(fmt.Sprintf(
			"enrollment started (session %s, approval request %s); a reviewer must approve before redeem. Token expires at %s.",
			res.SessionID, res.ApprovalRequestID, res.ExpiresAt,
		))

	case "agent_enroll_wait":
		sessionID, token, err := r.session()
		if err != nil {
			return fail(err.Error())
		}
		var in struct {
			WaitSeconds int `json:"wait_seconds"`
		}
		_ = json.Unmarshal(args, &in)
		res, err := r.c.WaitEnrollment(ctx, sessionID, token, in.WaitSeconds)
		if err != nil {
			return failf("enrollment wait failed: %v", err)
		}
		out, _ := json.MarshalIndent(res, "", "  ")
		return ok(string(out))

	case "agent_enroll_redeem":
		sessionID, token, err := r.session()
		if err != nil {
			return fail(err.Error())
		}
		res, err := r.c.RedeemEnrollment(ctx, sessionID, token)
		if err != nil {
			return failf("enrollment redeem failed: %v", err)
		}
		r.c.SetCredential(res.APIKey)
		r.mu.Lock()
		r.enrolled = true
		r.sessionID = ""
		r.token = ""
		r.mu.Unlock()
		return ok(fmt.Sprintf(
			"enrolled: the bridge now authenticates with key prefix %s. Store the API key securely: %s",
			res.KeyPrefix, res.APIKey,
		))
	}
	return failf("unknown tool: %q", name)
}

func (r *ToolRegistry) session() (string, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessionID == "" || r.token == "" {
		return "", "", fmt.Errorf("no enrollment in progress; call agent_enroll_start first")
	}
	return r.sessionID, r.token, nil
}

func pretty(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err == nil {
		if out, err := json.MarshalIndent(v, "", "  "); err == nil {
			return string(out)
		}
	}
	return string(raw)
}
