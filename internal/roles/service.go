package roles

import (
	"context"

	"github.com/google/uuid"
)

// RepositoryPort defines data access methods for roles and membership.
type RepositoryPort interface {
	ListRoles(ctx context.Context) ([]Role, error)
	GetRole(ctx context.Context, id uuid.UUID) (Role, error)
	GetRoleByName(ctx context.Context, name string) (Role, error)
	RolesOf(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
	UsersWithRole(ctx context.Context, roleID uuid.UUID) ([]uuid.UUID, error)
	AssignRole(ctx context.Context, userID, roleID uuid.UUID) error
	RemoveRole(ctx context.Context, userID, roleID uuid.UUID) error
}

// Service handles role membership logic. It satisfies the authorization
// engine's RoleMembership collaborator contract.
type Service struct {
	repo RepositoryPort
}

// NewService builds Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// ListRoles returns all roles.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.repo.ListRoles(ctx)
}

// GetRole fetches a role by id.
func (s *Service) GetRole(ctx context.Context, id uuid.UUID) (Role, error) {
	return s.repo.GetRole(ctx, id)
}

// GetRoleByName fetches a role by name.
func (s *Service) GetRoleByName(ctx context.Context, name string) (Role, error) {
	return s.repo.GetRoleByName(ctx, name)
}

// RolesOf returns the roles a user currently holds.
func (s *Service) RolesOf(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	return s.repo.RolesOf(ctx, userID)
}

// UsersWithRole returns the users holding a role.
func (s *Service) UsersWithRole(ctx context.Context, roleID uuid.UUID) ([]uuid.UUID, error) {
	return s.repo.UsersWithRole(ctx, roleID)
}

// AssignRole links a user to a role.
func (s *Service) AssignRole(ctx context.Context, userID, roleID uuid.UUID) error {
	return s.repo.AssignRole(ctx, userID, roleID)
}

// RemoveRole unlinks a user from a role.
func (s *Service) RemoveRole(ctx context.Context, userID, roleID uuid.UUID) error {
	return s.repo.RemoveRole(ctx, userID, roleID)
}
