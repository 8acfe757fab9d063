package authz

import (
	"time"

	"github.com/google/uuid"
)

// Permission represents an atomic named capability. Identity is immutable
// once created and the name is unique across the system.
type Permission struct {
	ID          uuid.UUID
	Name        string
	Description string
	CreatedAt   time.Time
}

// DependencyEdge states that holding From requires also holding To.
type DependencyEdge struct {
	From uuid.UUID
	To   uuid.UUID
}

// RoleGrant ties a permission to a role.
type RoleGrant struct {
	RoleID       uuid.UUID
	PermissionID uuid.UUID
}

// UserGrant gives a permission to a specific user independent of roles.
// Grants are additive only; revocation removes the row.
type UserGrant struct {
	UserID       uuid.UUID
	PermissionID uuid.UUID
}

// GrantKind discriminates the source of a grant.
type GrantKind string

const (
	// GrantKindRole marks a grant derived from a role the user holds.
	GrantKindRole GrantKind = "role"
	// GrantKindUser marks a direct per-user grant.
	GrantKindUser GrantKind = "user"
)

// GrantSource identifies where a permission in a user's base set came from.
// Exactly one of RoleID/UserID is meaningful depending on Kind.
type GrantSource struct {
	Kind         GrantKind
	RoleID       uuid.UUID
	UserID       uuid.UUID
	PermissionID uuid.UUID
}

// Explanation reports how (and whether) a user holds a permission.
type Explanation struct {
	Permission string
	Held       bool
	// Direct is true when the permission itself appears in the user's base
	// set, before any dependency expansion.
	Direct bool
	// Via lists the granted permissions whose dependency closure pulls the
	// target in, with the grant source that seeded each of them.
	Via []GrantSource
}

// Snapshot is the full persisted authorization state used to hydrate the
// in-memory store at startup or refresh.
type Snapshot struct {
	Permissions []Permission
	Edges       []DependencyEdge
	RoleGrants  []RoleGrant
	UserGrants  []UserGrant
}
