package authz

import (
	"github.com/google/uuid"
)

// Store is the authoritative in-memory index over permissions, dependency
// adjacency and grant membership. It performs no validation beyond structural
// lookups and no locking; the Engine serializes all access (writes behind its
// exclusive section, reads behind the shared one).
type Store struct {
	perms  map[uuid.UUID]Permission
	byName map[string]uuid.UUID

	// forward: permission -> its direct dependencies.
	// reverse: permission -> permissions that depend on it.
	forward map[uuid.UUID]map[uuid.UUID]struct{}
	reverse map[uuid.UUID]map[uuid.UUID]struct{}

	roleGrants map[uuid.UUID]map[uuid.UUID]struct{}
	userGrants map[uuid.UUID]map[uuid.UUID]struct{}
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		perms:      make(map[uuid.UUID]Permission),
		byName:     make(map[string]uuid.UUID),
		forward:    make(map[uuid.UUID]map[uuid.UUID]struct{}),
		reverse:    make(map[uuid.UUID]map[uuid.UUID]struct{}),
		roleGrants: make(map[uuid.UUID]map[uuid.UUID]struct{}),
		userGrants: make(map[uuid.UUID]map[uuid.UUID]struct{}),
	}
}

// NewStoreFromSnapshot hydrates a store from persisted state. Rows referencing
// unknown permissions are skipped rather than trusted.
func NewStoreFromSnapshot(snap *Snapshot) *Store {
	s := NewStore()
	if snap == nil {
		return s
	}
	for _, p := range snap.Permissions {
		s.AddPermission(p)
	}
	for _, e := range snap.Edges {
		s.AddEdge(e.From, e.To)
	}
	for _, g := range snap.RoleGrants {
		if _, ok := s.perms[g.PermissionID]; ok {
			s.AddRoleGrant(g.RoleID, g.PermissionID)
		}
	}
	for _, g := range snap.UserGrants {
		if _, ok := s.perms[g.PermissionID]; ok {
			s.AddUserGrant(g.UserID, g.PermissionID)
		}
	}
	return s
}

// AddPermission indexes a permission. Returns false when the id is already
// present.
func (s *Store) AddPermission(p Permission) bool {
	if _, ok := s.perms[p.ID]; ok {
		return false
	}
	s.perms[p.ID] = p
	s.byName[p.Name] = p.ID
	return true
}

// RemovePermission drops a permission and cascades: every grant and every
// dependency edge referencing it (as either endpoint) is removed atomically
// with respect to the engine's exclusive section.
func (s *Store) RemovePermission(id uuid.UUID) bool {
	p, ok := s.perms[id]
	if !ok {
		return false
	}
	delete(s.perms, id)
	delete(s.byName, p.Name)

	for to := range s.forward[id] {
		delete(s.reverse[to], id)
	}
	delete(s.forward, id)
	for from := range s.reverse[id] {
		delete(s.forward[from], id)
	}
	delete(s.reverse, id)

	for roleID, set := range s.roleGrants {
		delete(set, id)
		if len(set) == 0 {
			delete(s.roleGrants, roleID)
		}
	}
	for userID, set := range s.userGrants {
		delete(set, id)
		if len(set) == 0 {
			delete(s.userGrants, userID)
		}
	}
	return true
}

// Permission returns the permission for an id.
func (s *Store) Permission(id uuid.UUID) (Permission, bool) {
	p, ok := s.perms[id]
	return p, ok
}

// Lookup resolves a permission name to its id.
func (s *Store) Lookup(name string) (uuid.UUID, bool) {
	id, ok := s.byName[name]
	return id, ok
}

// Permissions returns every indexed permission.
func (s *Store) Permissions() []Permission {
	out := make([]Permission, 0, len(s.perms))
	for _, p := range s.perms {
		out = append(out, p)
	}
	return out
}

// HasEdge reports whether the direct dependency from -> to exists.
func (s *Store) HasEdge(from, to uuid.UUID) bool {
	_, ok := s.forward[from][to]
	return ok
}

// AddEdge inserts a dependency edge into both adjacency indexes. Returns
// false when the edge already exists. Self-loop and cycle enforcement happen
// in the Engine before this point.
func (s *Store) AddEdge(from, to uuid.UUID) bool {
	if s.HasEdge(from, to) {
		return false
	}
	if s.forward[from] == nil {
		s.forward[from] = make(map[uuid.UUID]struct{})
	}
	if s.reverse[to] == nil {
		s.reverse[to] = make(map[uuid.UUID]struct{})
	}
	s.forward[from][to] = struct{}{}
	s.reverse[to][from] = struct{}{}
	return true
}

// RemoveEdge drops a dependency edge from both indexes.
func (s *Store) RemoveEdge(from, to uuid.UUID) bool {
	if !s.HasEdge(from, to) {
		return false
	}
	delete(s.forward[from], to)
	delete(s.reverse[to], from)
	return true
}

// DirectDependencies returns the permissions from directly requires.
func (s *Store) DirectDependencies(id uuid.UUID) []uuid.UUID {
	deps := s.forward[id]
	if len(deps) == 0 {
		return nil
	}
	out := make([]uuid.UUID, 0, len(deps))
	for dep := range deps {
		out = append(out, dep)
	}
	return out
}

// Dependents returns the permissions that directly require id.
func (s *Store) Dependents(id uuid.UUID) []uuid.UUID {
	deps := s.reverse[id]
	if len(deps) == 0 {
		return nil
	}
	out := make([]uuid.UUID, 0, len(deps))
	for dep := range deps {
		out = append(out, dep)
	}
	return out
}

// HasRoleGrant reports whether the (role, permission) pair exists.
func (s *Store) HasRoleGrant(roleID, permissionID uuid.UUID) bool {
	_, ok := s.roleGrants[roleID][permissionID]
	return ok
}

// AddRoleGrant records a role grant. Returns false when already present.
func (s *Store) AddRoleGrant(roleID, permissionID uuid.UUID) bool {
	if s.HasRoleGrant(roleID, permissionID) {
		return false
	}
	if s.roleGrants[roleID] == nil {
		s.roleGrants[roleID] = make(map[uuid.UUID]struct{})
	}
	s.roleGrants[roleID][permissionID] = struct{}{}
	return true
}

// RemoveRoleGrant drops a role grant. Returns false when it was not held.
func (s *Store) RemoveRoleGrant(roleID, permissionID uuid.UUID) bool {
	if !s.HasRoleGrant(roleID, permissionID) {
		return false
	}
	delete(s.roleGrants[roleID], permissionID)
	if len(s.roleGrants[roleID]) == 0 {
		delete(s.roleGrants, roleID)
	}
	return true
}

// HasUserGrant reports whether the (user, permission) pair exists.
func (s *Store) HasUserGrant(userID, permissionID uuid.UUID) bool {
	_, ok := s.userGrants[userID][permissionID]
	return ok
}

// AddUserGrant records a direct user grant. Returns false when already present.
func (s *Store) AddUserGrant(userID, permissionID uuid.UUID) bool {
	if s.HasUserGrant(userID, permissionID) {
		return false
	}
	if s.userGrants[userID] == nil {
		s.userGrants[userID] = make(map[uuid.UUID]struct{})
	}
	s.userGrants[userID][permissionID] = struct{}{}
	return true
}

// RemoveUserGrant drops a direct user grant. Returns false when it was not held.
func (s *Store) RemoveUserGrant(userID, permissionID uuid.UUID) bool {
	if !s.HasUserGrant(userID, permissionID) {
		return false
	}
	delete(s.userGrants[userID], permissionID)
	if len(s.userGrants[userID]) == 0 {
		delete(s.userGrants, userID)
	}
	return true
}

// RolePermissions returns the direct grant set for a role, no closure applied.
func (s *Store) RolePermissions(roleID uuid.UUID) []uuid.UUID {
	return setToSlice(s.roleGrants[roleID])
}

// UserOverrides returns the direct per-user grant set, no closure applied.
func (s *Store) UserOverrides(userID uuid.UUID) []uuid.UUID {
	return setToSlice(s.userGrants[userID])
}

func setToSlice(set map[uuid.UUID]struct{}) []uuid.UUID {
	if len(set) == 0 {
		return nil
	}
	out := make([]uuid.UUID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}
