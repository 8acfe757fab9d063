package authz

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwell-social/inkwell/internal/audit"
)

// fakeRepo keeps persisted state in memory and supports failure injection per
// operation name.
type fakeRepo struct {
	mu       sync.Mutex
	snapshot Snapshot
	failOn   map[string]error
	loads    int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{failOn: make(map[string]error)}
}

func (r *fakeRepo) fail(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failOn[op] = err
}

func (r *fakeRepo) check(op string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failOn[op]
}

func (r *fakeRepo) LoadSnapshot(ctx context.Context) (*Snapshot, error) {
	if err := r.check("load"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loads++
	snap := r.snapshot
	return &snap, nil
}

func (r *fakeRepo) InsertPermission(ctx context.Context, perm Permission) error {
	if err := r.check("insert_permission"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.snapshot.Permissions {
		if p.Name == perm.Name {
			return ErrPermissionExists
		}
	}
	r.snapshot.Permissions = append(r.snapshot.Permissions, perm)
	return nil
}

func (r *fakeRepo) DeletePermission(ctx context.Context, id uuid.UUID) error {
	if err := r.check("delete_permission"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	perms := r.snapshot.Permissions[:0]
	for _, p := range r.snapshot.Permissions {
		if p.ID != id {
			perms = append(perms, p)
		}
	}
	r.snapshot.Permissions = perms
	edges := r.snapshot.Edges[:0]
	for _, e := range r.snapshot.Edges {
		if e.From != id && e.To != id {
			edges = append(edges, e)
		}
	}
	r.snapshot.Edges = edges
	return nil
}

func (r *fakeRepo) InsertEdge(ctx context.Context, from, to uuid.UUID) error {
	if err := r.check("insert_edge"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshot.Edges = append(r.snapshot.Edges, DependencyEdge{From: from, To: to})
	return nil
}

func (r *fakeRepo) DeleteEdge(ctx context.Context, from, to uuid.UUID) error {
	if err := r.check("delete_edge"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	edges := r.snapshot.Edges[:0]
	for _, e := range r.snapshot.Edges {
		if e.From != from || e.To != to {
			edges = append(edges, e)
		}
	}
	r.snapshot.Edges = edges
	return nil
}

func (r *fakeRepo) InsertRoleGrant(ctx context.Context, roleID, permissionID uuid.UUID) error {
	if err := r.check("insert_role_grant"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshot.RoleGrants = append(r.snapshot.RoleGrants, RoleGrant{RoleID: roleID, PermissionID: permissionID})
	return nil
}

func (r *fakeRepo) DeleteRoleGrant(ctx context.Context, roleID, permissionID uuid.UUID) error {
	if err := r.check("delete_role_grant"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	grants := r.snapshot.RoleGrants[:0]
	for _, g := range r.snapshot.RoleGrants {
		if g.RoleID != roleID || g.PermissionID != permissionID {
			grants = append(grants, g)
		}
	}
	r.snapshot.RoleGrants = grants
	return nil
}

func (r *fakeRepo) InsertUserGrant(ctx context.Context, userID, permissionID uuid.UUID) error {
	if err := r.check("insert_user_grant"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshot.UserGrants = append(r.snapshot.UserGrants, UserGrant{UserID: userID, PermissionID: permissionID})
	return nil
}

func (r *fakeRepo) DeleteUserGrant(ctx context.Context, userID, permissionID uuid.UUID) error {
	if err := r.check("delete_user_grant"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	grants := r.snapshot.UserGrants[:0]
	for _, g := range r.snapshot.UserGrants {
		if g.UserID != userID || g.PermissionID != permissionID {
			grants = append(grants, g)
		}
	}
	r.snapshot.UserGrants = grants
	return nil
}

// stubMembership serves static user/role assignments.
type stubMembership struct {
	rolesOf map[uuid.UUID][]uuid.UUID
	holders map[uuid.UUID][]uuid.UUID
	err     error
}

func (m *stubMembership) RolesOf(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.rolesOf[userID], nil
}

func (m *stubMembership) UsersWithRole(ctx context.Context, roleID uuid.UUID) ([]uuid.UUID, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.holders[roleID], nil
}

type recordingAuditor struct {
	mu     sync.Mutex
	events []audit.Event
}

func (a *recordingAuditor) Record(ctx context.Context, event audit.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
}

func (a *recordingAuditor) kinds() []audit.Kind {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]audit.Kind, len(a.events))
	for i, e := range a.events {
		out[i] = e.Kind
	}
	return out
}

type recordingBroadcaster struct {
	mu   sync.Mutex
	sent []Invalidation
}

func (b *recordingBroadcaster) Publish(ctx context.Context, inv Invalidation) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, inv)
	return nil
}

type engineFixture struct {
	engine      *Engine
	repo        *fakeRepo
	membership  *stubMembership
	auditor     *recordingAuditor
	broadcaster *recordingBroadcaster
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	f := &engineFixture{
		repo: newFakeRepo(),
		membership: &stubMembership{
			rolesOf: make(map[uuid.UUID][]uuid.UUID),
			holders: make(map[uuid.UUID][]uuid.UUID),
		},
		auditor:     &recordingAuditor{},
		broadcaster: &recordingBroadcaster{},
	}
	engine, err := NewEngine(Config{
		Repository:  f.repo,
		Membership:  f.membership,
		Audit:       f.auditor,
		Broadcaster: f.broadcaster,
	})
	require.NoError(t, err)
	require.NoError(t, engine.Load(context.Background()))
	f.engine = engine
	return f
}

func (f *engineFixture) createPermission(t *testing.T, name string) Permission {
	t.Helper()
	perm, err := f.engine.CreatePermission(context.Background(), name, "")
	require.NoError(t, err)
	return perm
}

func (f *engineFixture) assignRole(userID, roleID uuid.UUID) {
	f.membership.rolesOf[userID] = append(f.membership.rolesOf[userID], roleID)
	f.membership.holders[roleID] = append(f.membership.holders[roleID], userID)
}

func TestDependencyExtendsEffectiveSet(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	f.createPermission(t, "read")
	f.createPermission(t, "write")

	userID, roleID := uuid.New(), uuid.New()
	f.assignRole(userID, roleID)
	require.NoError(t, f.engine.GrantRole(ctx, roleID, "write"))

	held, err := f.engine.HasPermission(ctx, userID, "read")
	require.NoError(t, err)
	assert.False(t, held, "no edge yet")

	require.NoError(t, f.engine.AddDependency(ctx, "write", "read"))

	perms, err := f.engine.EffectivePermissions(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, []string{"read", "write"}, perms)
}

func TestCycleRejectionLeavesGraphUnchanged(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	for _, name := range []string{"read", "write", "publish"} {
		f.createPermission(t, name)
	}
	require.NoError(t, f.engine.AddDependency(ctx, "write", "read"))
	require.NoError(t, f.engine.AddDependency(ctx, "publish", "write"))

	err := f.engine.AddDependency(ctx, "read", "publish")
	require.Error(t, err)
	require.True(t, IsCycle(err))
	var cycle *CycleError
	require.ErrorAs(t, err, &cycle)
	assert.Equal(t, []string{"read", "publish", "write", "read"}, cycle.Path)

	// The rejected edge must not be persisted or applied.
	userID, roleID := uuid.New(), uuid.New()
	f.assignRole(userID, roleID)
	require.NoError(t, f.engine.GrantRole(ctx, roleID, "read"))
	perms, err := f.engine.EffectivePermissions(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, []string{"read"}, perms)
	assert.Len(t, f.repo.snapshot.Edges, 2)
}

func TestUserGrantAndRevoke(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	f.createPermission(t, "read")
	f.createPermission(t, "moderate")
	require.NoError(t, f.engine.AddDependency(ctx, "moderate", "read"))

	userID := uuid.New()
	require.NoError(t, f.engine.GrantUser(ctx, userID, "moderate"))
	perms, err := f.engine.EffectivePermissions(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, []string{"moderate", "read"}, perms)

	require.NoError(t, f.engine.RevokeUser(ctx, userID, "moderate"))
	perms, err = f.engine.EffectivePermissions(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, perms)
}

func TestDeletePermissionCascades(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	for _, name := range []string{"read", "write", "publish"} {
		f.createPermission(t, name)
	}
	require.NoError(t, f.engine.AddDependency(ctx, "write", "read"))
	require.NoError(t, f.engine.AddDependency(ctx, "publish", "write"))

	userID, roleID := uuid.New(), uuid.New()
	f.assignRole(userID, roleID)
	require.NoError(t, f.engine.GrantRole(ctx, roleID, "publish"))
	require.NoError(t, f.engine.GrantUser(ctx, userID, "write"))

	require.NoError(t, f.engine.DeletePermission(ctx, "write"))

	// The role grant on publish survives, but the chain through write is
	// gone, and so is the direct grant of write itself.
	perms, err := f.engine.EffectivePermissions(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, []string{"publish"}, perms)

	_, err = f.engine.GetPermission("write")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIdempotentGrantSkipsAuditAndPersist(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	f.createPermission(t, "read")
	userID, roleID := uuid.New(), uuid.New()

	require.NoError(t, f.engine.GrantRole(ctx, roleID, "read"))
	require.NoError(t, f.engine.GrantUser(ctx, userID, "read"))
	before := len(f.auditor.kinds())
	sentBefore := len(f.broadcaster.sent)

	require.NoError(t, f.engine.GrantRole(ctx, roleID, "read"))
	require.NoError(t, f.engine.GrantUser(ctx, userID, "read"))
	require.NoError(t, f.engine.RevokeUser(ctx, uuid.New(), "read"))
	require.NoError(t, f.engine.RemoveDependency(ctx, "read", "read"))

	assert.Len(t, f.auditor.kinds(), before, "no-ops must not emit audit events")
	assert.Len(t, f.broadcaster.sent, sentBefore, "no-ops must not broadcast")
	assert.Len(t, f.repo.snapshot.RoleGrants, 1)
	assert.Len(t, f.repo.snapshot.UserGrants, 1)
}

func TestPersistenceFailureLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	f.createPermission(t, "read")
	f.createPermission(t, "write")

	userID := uuid.New()
	require.NoError(t, f.engine.GrantUser(ctx, userID, "read"))
	perms, err := f.engine.EffectivePermissions(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, []string{"read"}, perms)
	require.Equal(t, 1, f.engine.CachedUsers())

	f.repo.fail("insert_edge", errors.New("connection reset"))
	err = f.engine.AddDependency(ctx, "read", "write")
	require.ErrorIs(t, err, ErrPersistence)

	// Memory and cache untouched: the cached closure is still served and the
	// edge is absent.
	assert.Equal(t, 1, f.engine.CachedUsers())
	perms, err = f.engine.EffectivePermissions(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, []string{"read"}, perms)

	f.repo.fail("insert_user_grant", errors.New("connection reset"))
	err = f.engine.GrantUser(ctx, userID, "write")
	require.ErrorIs(t, err, ErrPersistence)
	held, err := f.engine.HasPermission(ctx, userID, "write")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestDuplicateEdgeIsHardError(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	f.createPermission(t, "read")
	f.createPermission(t, "write")
	require.NoError(t, f.engine.AddDependency(ctx, "write", "read"))
	assert.ErrorIs(t, f.engine.AddDependency(ctx, "write", "read"), ErrDuplicateEdge)
}

func TestSelfLoopRejected(t *testing.T) {
	f := newEngineFixture(t)
	f.createPermission(t, "read")
	assert.ErrorIs(t, f.engine.AddDependency(context.Background(), "read", "read"), ErrSelfLoop)
}

func TestUnknownNamesRejected(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	f.createPermission(t, "read")

	assert.ErrorIs(t, f.engine.AddDependency(ctx, "read", "ghost"), ErrNotFound)
	assert.ErrorIs(t, f.engine.RemoveDependency(ctx, "ghost", "read"), ErrNotFound)
	assert.ErrorIs(t, f.engine.GrantRole(ctx, uuid.New(), "ghost"), ErrNotFound)
	assert.ErrorIs(t, f.engine.GrantUser(ctx, uuid.New(), "ghost"), ErrNotFound)
	assert.ErrorIs(t, f.engine.RevokeUser(ctx, uuid.New(), "ghost"), ErrNotFound)
	assert.ErrorIs(t, f.engine.DeletePermission(ctx, "ghost"), ErrNotFound)
	_, err := f.engine.Explain(ctx, uuid.New(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreatePermissionValidation(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)

	_, err := f.engine.CreatePermission(ctx, "", "")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.engine.CreatePermission(ctx, "   ", "")
	assert.ErrorIs(t, err, ErrValidation)

	f.createPermission(t, "read")
	_, err = f.engine.CreatePermission(ctx, "read", "")
	assert.ErrorIs(t, err, ErrPermissionExists)

	_, err = f.engine.HasPermission(ctx, uuid.Nil, "read")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.engine.HasPermission(ctx, uuid.New(), "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestEnsurePermission(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	first, err := f.engine.EnsurePermission(ctx, "read", "view posts")
	require.NoError(t, err)
	second, err := f.engine.EnsurePermission(ctx, "read", "ignored")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestCacheScopedInvalidation(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	f.createPermission(t, "read")
	f.createPermission(t, "write")

	alice, bob := uuid.New(), uuid.New()
	require.NoError(t, f.engine.GrantUser(ctx, alice, "read"))
	require.NoError(t, f.engine.GrantUser(ctx, bob, "write"))
	_, err := f.engine.EffectivePermissions(ctx, alice)
	require.NoError(t, err)
	_, err = f.engine.EffectivePermissions(ctx, bob)
	require.NoError(t, err)
	require.Equal(t, 2, f.engine.CachedUsers())

	// A user-scoped mutation clears only that user's entry.
	require.NoError(t, f.engine.GrantUser(ctx, alice, "write"))
	assert.Equal(t, 1, f.engine.CachedUsers())

	// A graph-shape mutation clears everything.
	_, err = f.engine.EffectivePermissions(ctx, alice)
	require.NoError(t, err)
	require.NoError(t, f.engine.AddDependency(ctx, "write", "read"))
	assert.Equal(t, 0, f.engine.CachedUsers())
}

func TestRoleMutationInvalidatesHoldersOnly(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	f.createPermission(t, "read")
	f.createPermission(t, "moderate")

	roleID := uuid.New()
	member, outsider := uuid.New(), uuid.New()
	f.assignRole(member, roleID)
	require.NoError(t, f.engine.GrantUser(ctx, outsider, "read"))

	_, err := f.engine.EffectivePermissions(ctx, member)
	require.NoError(t, err)
	_, err = f.engine.EffectivePermissions(ctx, outsider)
	require.NoError(t, err)
	require.Equal(t, 2, f.engine.CachedUsers())

	require.NoError(t, f.engine.GrantRole(ctx, roleID, "moderate"))
	assert.Equal(t, 1, f.engine.CachedUsers(), "only the holder's entry clears")

	perms, err := f.engine.EffectivePermissions(ctx, member)
	require.NoError(t, err)
	assert.Equal(t, []string{"moderate"}, perms)
}

func TestRoleInvalidationFallsBackToFullClear(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	f.createPermission(t, "read")

	userID := uuid.New()
	require.NoError(t, f.engine.GrantUser(ctx, userID, "read"))
	_, err := f.engine.EffectivePermissions(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, 1, f.engine.CachedUsers())

	// When the holder lookup fails the engine cannot scope the clear, so it
	// drops the whole cache rather than risk serving a stale closure.
	f.membership.err = errors.New("membership store down")
	require.NoError(t, f.engine.GrantRole(ctx, uuid.New(), "read"))
	assert.Equal(t, 0, f.engine.CachedUsers())
}

func TestExplain(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	for _, name := range []string{"read", "write", "publish"} {
		f.createPermission(t, name)
	}
	require.NoError(t, f.engine.AddDependency(ctx, "write", "read"))
	require.NoError(t, f.engine.AddDependency(ctx, "publish", "write"))

	userID, roleID := uuid.New(), uuid.New()
	f.assignRole(userID, roleID)
	require.NoError(t, f.engine.GrantRole(ctx, roleID, "publish"))
	require.NoError(t, f.engine.GrantUser(ctx, userID, "read"))

	exp, err := f.engine.Explain(ctx, userID, "read")
	require.NoError(t, err)
	assert.True(t, exp.Held)
	assert.True(t, exp.Direct, "read is granted directly")
	require.Len(t, exp.Via, 2)

	exp, err = f.engine.Explain(ctx, userID, "write")
	require.NoError(t, err)
	assert.True(t, exp.Held)
	assert.False(t, exp.Direct)
	require.Len(t, exp.Via, 1)
	assert.Equal(t, GrantKindRole, exp.Via[0].Kind)
	assert.Equal(t, roleID, exp.Via[0].RoleID)

	exp, err = f.engine.Explain(ctx, uuid.New(), "write")
	require.NoError(t, err)
	assert.False(t, exp.Held)
	assert.Empty(t, exp.Via)
}

func TestAuditEventsCarryActor(t *testing.T) {
	f := newEngineFixture(t)
	actorID := uuid.New()
	ctx := ContextWithActor(context.Background(), actorID)
	_, err := f.engine.CreatePermission(ctx, "read", "")
	require.NoError(t, err)

	kinds := f.auditor.kinds()
	require.Len(t, kinds, 1)
	assert.Equal(t, audit.KindPermissionCreated, kinds[0])
	assert.Equal(t, actorID, f.auditor.events[0].ActorID)

	// Without an actor in context the event is stamped unattributed.
	_, err = f.engine.CreatePermission(context.Background(), "write", "")
	require.NoError(t, err)
	assert.Equal(t, uuid.Nil, f.auditor.events[1].ActorID)
}

func TestBroadcastScopes(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	f.createPermission(t, "read")
	f.createPermission(t, "write")

	userID, roleID := uuid.New(), uuid.New()
	require.NoError(t, f.engine.AddDependency(ctx, "write", "read"))
	require.NoError(t, f.engine.GrantRole(ctx, roleID, "read"))
	require.NoError(t, f.engine.GrantUser(ctx, userID, "read"))

	sent := f.broadcaster.sent
	require.Len(t, sent, 5)
	assert.Equal(t, ScopeAll, sent[0].Scope)
	assert.Equal(t, ScopeAll, sent[1].Scope)
	assert.Equal(t, ScopeAll, sent[2].Scope)
	assert.Equal(t, ScopeRole, sent[3].Scope)
	assert.Equal(t, roleID, sent[3].ID)
	assert.Equal(t, ScopeUser, sent[4].Scope)
	assert.Equal(t, userID, sent[4].ID)
	for _, inv := range sent {
		assert.Equal(t, f.engine.InstanceID(), inv.Origin)
	}
}

func TestLoadReplacesStateAndClearsCache(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	f.createPermission(t, "read")
	userID := uuid.New()
	require.NoError(t, f.engine.GrantUser(ctx, userID, "read"))
	_, err := f.engine.EffectivePermissions(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, 1, f.engine.CachedUsers())

	require.NoError(t, f.engine.Load(ctx))
	assert.Equal(t, 0, f.engine.CachedUsers())
	perms, err := f.engine.EffectivePermissions(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, []string{"read"}, perms, "reload serves the persisted grant")
}
