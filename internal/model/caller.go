package model

import "github.com/google/uuid"

// CallerKind discriminates the identity behind a request.
type CallerKind string

const (
	CallerUser      CallerKind = "user"
	CallerAgent     CallerKind = "agent"
	CallerBootstrap CallerKind = "bootstrap"
)

// Caller is the resolved identity behind one request. It is ephemeral:
// constructed by the authenticator, threaded through the request, never
// persisted.
type Caller struct {
	Kind CallerKind

	// UserID is the owning entity id for user callers.
	UserID uuid.UUID
	// AgentID is set for agent callers.
	AgentID uuid.UUID

	// Trusted is true for users and for agents with requires_approval=false.
	// Untrusted callers have their writes intercepted by the approval gate.
	Trusted bool

	// OwnerScopeIDs are the full scope set of the credential's owner
	// (entity or agent). Write gating checks record scopes against these.
	OwnerScopeIDs []int

	// EffectiveScopeIDs = key.scopes ∩ owner.scopes, with an empty key scope
	// set meaning "inherit owner scopes verbatim". Read filtering uses these.
	EffectiveScopeIDs   []int
	EffectiveScopeNames []string

	// Capabilities are the agent's declared capability strings.
	Capabilities []string

	// KeyPrefix is the credential lookup prefix, used as the rate-limit
	// bucket key and for audit logging. Empty for bootstrap callers.
	KeyPrefix string
}

// IsAgent reports whether the caller is an agent.
func (c *Caller) IsAgent() bool { return c.Kind == CallerAgent }

// IsBootstrap reports whether the caller is an unenrolled bootstrap caller.
func (c *Caller) IsBootstrap() bool { return c.Kind == CallerBootstrap }

// AuditIdentity returns the (kind, id) pair bound to store transactions so
// mutation triggers can attribute changes.
func (c *Caller) AuditIdentity() AuditIdentity {
	switch c.Kind {
	case CallerUser:
		return AuditIdentity{Kind: "entity", ID: c.UserID}
	case CallerAgent:
		return AuditIdentity{Kind: "agent", ID: c.AgentID}
	default:
		return AuditIdentity{Kind: "system"}
	}
}

// AuditIdentity is bound to a store transaction at acquisition time and
// unbound on release.
type AuditIdentity struct {
	Kind string
	ID   uuid.UUID
}
