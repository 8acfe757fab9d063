package authz

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func mkPerm(name string) Permission {
	return Permission{ID: uuid.New(), Name: name, CreatedAt: time.Now().UTC()}
}

func TestStoreEdgeIndexes(t *testing.T) {
	s := NewStore()
	write, read := mkPerm("write"), mkPerm("read")
	s.AddPermission(write)
	s.AddPermission(read)

	if !s.AddEdge(write.ID, read.ID) {
		t.Fatalf("expected edge insert to report change")
	}
	if s.AddEdge(write.ID, read.ID) {
		t.Fatalf("expected duplicate edge insert to report no change")
	}
	if !s.HasEdge(write.ID, read.ID) {
		t.Fatalf("expected forward edge")
	}
	if deps := s.DirectDependencies(write.ID); len(deps) != 1 || deps[0] != read.ID {
		t.Fatalf("unexpected direct dependencies: %v", deps)
	}
	if deps := s.Dependents(read.ID); len(deps) != 1 || deps[0] != write.ID {
		t.Fatalf("unexpected dependents: %v", deps)
	}

	if !s.RemoveEdge(write.ID, read.ID) {
		t.Fatalf("expected edge removal to report change")
	}
	if s.RemoveEdge(write.ID, read.ID) {
		t.Fatalf("expected second removal to report no change")
	}
	if s.DirectDependencies(write.ID) != nil || s.Dependents(read.ID) != nil {
		t.Fatalf("expected both adjacency indexes cleared")
	}
}

func TestStoreRemovePermissionCascades(t *testing.T) {
	s := NewStore()
	read, write, publish := mkPerm("read"), mkPerm("write"), mkPerm("publish")
	for _, p := range []Permission{read, write, publish} {
		s.AddPermission(p)
	}
	s.AddEdge(write.ID, read.ID)
	s.AddEdge(publish.ID, write.ID)

	roleID, userID := uuid.New(), uuid.New()
	s.AddRoleGrant(roleID, write.ID)
	s.AddUserGrant(userID, write.ID)
	s.AddUserGrant(userID, read.ID)

	if !s.RemovePermission(write.ID) {
		t.Fatalf("expected removal to report change")
	}
	if _, ok := s.Lookup("write"); ok {
		t.Fatalf("expected name index cleared")
	}
	if s.HasEdge(publish.ID, write.ID) || s.HasEdge(write.ID, read.ID) {
		t.Fatalf("expected edges referencing the permission removed in both directions")
	}
	if s.HasRoleGrant(roleID, write.ID) {
		t.Fatalf("expected role grant removed")
	}
	if s.HasUserGrant(userID, write.ID) {
		t.Fatalf("expected user grant removed")
	}
	if !s.HasUserGrant(userID, read.ID) {
		t.Fatalf("expected unrelated user grant kept")
	}
}

func TestStoreGrantIdempotence(t *testing.T) {
	s := NewStore()
	read := mkPerm("read")
	s.AddPermission(read)
	roleID, userID := uuid.New(), uuid.New()

	if !s.AddRoleGrant(roleID, read.ID) || s.AddRoleGrant(roleID, read.ID) {
		t.Fatalf("role grant changed-flags wrong")
	}
	if !s.AddUserGrant(userID, read.ID) || s.AddUserGrant(userID, read.ID) {
		t.Fatalf("user grant changed-flags wrong")
	}
	if !s.RemoveRoleGrant(roleID, read.ID) || s.RemoveRoleGrant(roleID, read.ID) {
		t.Fatalf("role revoke changed-flags wrong")
	}
	if !s.RemoveUserGrant(userID, read.ID) || s.RemoveUserGrant(userID, read.ID) {
		t.Fatalf("user revoke changed-flags wrong")
	}
}

func TestStoreFromSnapshotSkipsDanglingRows(t *testing.T) {
	read := mkPerm("read")
	ghost := uuid.New()
	roleID, userID := uuid.New(), uuid.New()
	s := NewStoreFromSnapshot(&Snapshot{
		Permissions: []Permission{read},
		Edges:       []DependencyEdge{{From: ghost, To: read.ID}},
		RoleGrants:  []RoleGrant{{RoleID: roleID, PermissionID: ghost}},
		UserGrants:  []UserGrant{{UserID: userID, PermissionID: read.ID}},
	})
	if len(s.Permissions()) != 1 {
		t.Fatalf("expected one permission")
	}
	if s.HasRoleGrant(roleID, ghost) {
		t.Fatalf("expected dangling role grant skipped")
	}
	if !s.HasUserGrant(userID, read.ID) {
		t.Fatalf("expected valid user grant kept")
	}
	// The edge references a permission with no record; the closure must not
	// surface the unknown id.
	if _, ok := s.Closure(map[uuid.UUID]struct{}{ghost: {}})[ghost]; ok {
		t.Fatalf("expected unknown id excluded from closure")
	}
}
