package authz

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// RoleMembership is the external user/role collaborator. Role ownership and
// user-to-role assignment live outside the engine; the aggregator only reads
// which roles a user currently holds, and the cache uses the reverse lookup
// to scope invalidation when a role's grants change.
type RoleMembership interface {
	RolesOf(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
	UsersWithRole(ctx context.Context, roleID uuid.UUID) ([]uuid.UUID, error)
}

// Aggregator combines role-derived grants and per-user overrides into a
// user's base permission set, before dependency expansion. There is no deny
// override: user grants only ever add.
type Aggregator struct {
	membership RoleMembership
}

// NewAggregator builds an aggregator over the given membership collaborator.
func NewAggregator(membership RoleMembership) *Aggregator {
	return &Aggregator{membership: membership}
}

// Base returns the pre-closure permission set for a user together with the
// grant source of every seed, for introspection. The store must be read under
// the engine's shared section.
func (a *Aggregator) Base(ctx context.Context, store *Store, userID uuid.UUID) (map[uuid.UUID]struct{}, []GrantSource, error) {
	roles, err := a.membership.RolesOf(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("authz: roles of %s: %w", userID, err)
	}

	base := make(map[uuid.UUID]struct{})
	var sources []GrantSource
	for _, roleID := range roles {
		for _, permID := range store.RolePermissions(roleID) {
			base[permID] = struct{}{}
			sources = append(sources, GrantSource{
				Kind:         GrantKindRole,
				RoleID:       roleID,
				PermissionID: permID,
			})
		}
	}
	for _, permID := range store.UserOverrides(userID) {
		base[permID] = struct{}{}
		sources = append(sources, GrantSource{
			Kind:         GrantKindUser,
			UserID:       userID,
			PermissionID: permID,
		})
	}
	return base, sources, nil
}
