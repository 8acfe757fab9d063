package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/inkwell-social/inkwell/internal/audit"
)

const defaultMutationTimeout = 5 * time.Second

// Repository is the durable store behind the engine. Writes must be atomic
// per call; DeletePermission removes the permission and every row referencing
// it in one transaction.
type Repository interface {
	LoadSnapshot(ctx context.Context) (*Snapshot, error)
	InsertPermission(ctx context.Context, perm Permission) error
	DeletePermission(ctx context.Context, id uuid.UUID) error
	InsertEdge(ctx context.Context, from, to uuid.UUID) error
	DeleteEdge(ctx context.Context, from, to uuid.UUID) error
	InsertRoleGrant(ctx context.Context, roleID, permissionID uuid.UUID) error
	DeleteRoleGrant(ctx context.Context, roleID, permissionID uuid.UUID) error
	InsertUserGrant(ctx context.Context, userID, permissionID uuid.UUID) error
	DeleteUserGrant(ctx context.Context, userID, permissionID uuid.UUID) error
}

// Config collects engine dependencies.
type Config struct {
	Repository  Repository
	Membership  RoleMembership
	Audit       audit.Recorder
	Broadcaster Broadcaster
	Logger      *slog.Logger
	// MutationTimeout bounds the durable write inside a mutation. Zero means
	// the default of five seconds.
	MutationTimeout time.Duration
}

// Engine is the authorization core: the sole mutation path over the
// permission graph and grant tables, and the read API for effective
// permissions.
//
// Concurrency: one RWMutex guards store and cache together. Mutations hold
// the exclusive section across validate -> persist -> apply -> invalidate, so
// readers never observe a half-applied change and a cleared cache entry can
// never be repopulated from pre-mutation state. Reads, including cache-miss
// closure computation and the cache fill, run under the shared section.
type Engine struct {
	mu    sync.RWMutex
	store *Store
	cache *permissionCache

	agg         *Aggregator
	repo        Repository
	membership  RoleMembership
	auditor     audit.Recorder
	broadcaster Broadcaster
	logger      *slog.Logger
	validate    *validator.Validate
	flight      singleflight.Group

	mutationTimeout time.Duration
	instanceID      uuid.UUID
}

// NewEngine wires an engine. Call Load before serving reads.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Repository == nil {
		return nil, errors.New("authz: repository is required")
	}
	if cfg.Membership == nil {
		return nil, errors.New("authz: role membership is required")
	}
	auditor := cfg.Audit
	if auditor == nil {
		auditor = audit.NopRecorder{}
	}
	timeout := cfg.MutationTimeout
	if timeout <= 0 {
		timeout = defaultMutationTimeout
	}
	return &Engine{
		store:           NewStore(),
		cache:           newPermissionCache(),
		agg:             NewAggregator(cfg.Membership),
		repo:            cfg.Repository,
		membership:      cfg.Membership,
		auditor:         auditor,
		broadcaster:     cfg.Broadcaster,
		logger:          cfg.Logger,
		validate:        validator.New(validator.WithRequiredStructEnabled()),
		mutationTimeout: timeout,
		instanceID:      uuid.New(),
	}, nil
}

// InstanceID identifies this engine instance in broadcast messages.
func (e *Engine) InstanceID() uuid.UUID {
	return e.instanceID
}

// Load hydrates the in-memory store from the repository, replacing any
// previous state and clearing the cache. Safe to call again for a refresh.
func (e *Engine) Load(ctx context.Context) error {
	snap, err := e.repo.LoadSnapshot(ctx)
	if err != nil {
		return persistenceErr("load snapshot", err)
	}
	store := NewStoreFromSnapshot(snap)
	e.mu.Lock()
	e.store = store
	e.cache.invalidateAll()
	e.mu.Unlock()
	if e.logger != nil {
		e.logger.Info("authz state loaded",
			slog.Int("permissions", len(snap.Permissions)),
			slog.Int("edges", len(snap.Edges)),
			slog.Int("role_grants", len(snap.RoleGrants)),
			slog.Int("user_grants", len(snap.UserGrants)),
		)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Read API
// ---------------------------------------------------------------------------

// EffectivePermissions returns the fully closed permission set a user holds,
// sorted by name.
func (e *Engine) EffectivePermissions(ctx context.Context, userID uuid.UUID) ([]string, error) {
	set, err := e.effectiveSet(ctx, userID)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// HasPermission reports whether the user's effective set contains the named
// permission. O(1) once the user's closure is cached.
func (e *Engine) HasPermission(ctx context.Context, userID uuid.UUID, permissionName string) (bool, error) {
	if permissionName == "" {
		return false, validationErr("empty permission name")
	}
	set, err := e.effectiveSet(ctx, userID)
	if err != nil {
		return false, err
	}
	_, ok := set[permissionName]
	return ok, nil
}

// Explain reports whether and through which grant sources a user holds a
// permission.
func (e *Engine) Explain(ctx context.Context, userID uuid.UUID, permissionName string) (Explanation, error) {
	if userID == uuid.Nil {
		return Explanation{}, validationErr("empty user id")
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	permID, ok := e.store.Lookup(permissionName)
	if !ok {
		return Explanation{}, fmt.Errorf("%w: permission %q", ErrNotFound, permissionName)
	}
	base, sources, err := e.agg.Base(ctx, e.store, userID)
	if err != nil {
		return Explanation{}, err
	}
	exp := Explanation{Permission: permissionName}
	if _, direct := base[permID]; direct {
		exp.Direct = true
	}
	for _, src := range sources {
		if src.PermissionID == permID || e.store.Reaches(src.PermissionID, permID) {
			exp.Held = true
			exp.Via = append(exp.Via, src)
		}
	}
	return exp, nil
}

// ListPermissions returns the permission catalog sorted by name.
func (e *Engine) ListPermissions() []Permission {
	e.mu.RLock()
	defer e.mu.RUnlock()
	perms := e.store.Permissions()
	sort.Slice(perms, func(i, j int) bool { return perms[i].Name < perms[j].Name })
	return perms
}

// GetPermission fetches one permission by name.
func (e *Engine) GetPermission(name string) (Permission, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	id, ok := e.store.Lookup(name)
	if !ok {
		return Permission{}, fmt.Errorf("%w: permission %q", ErrNotFound, name)
	}
	perm, _ := e.store.Permission(id)
	return perm, nil
}

// CachedUsers reports how many users currently have a memoized closure.
func (e *Engine) CachedUsers() int {
	return e.cache.len()
}

func (e *Engine) effectiveSet(ctx context.Context, userID uuid.UUID) (map[string]struct{}, error) {
	if userID == uuid.Nil {
		return nil, validationErr("empty user id")
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if set, ok := e.cache.get(userID); ok {
		return set, nil
	}
	// Concurrent misses for the same user share one computation. All waiters
	// hold the shared section, so no mutation can slip in between the
	// computation and their return.
	v, err, _ := e.flight.Do(userID.String(), func() (any, error) {
		if set, ok := e.cache.get(userID); ok {
			return set, nil
		}
		base, _, err := e.agg.Base(ctx, e.store, userID)
		if err != nil {
			return nil, err
		}
		set := e.store.Names(e.store.Closure(base))
		e.cache.set(userID, set)
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]struct{}), nil
}

// ---------------------------------------------------------------------------
// Mutation API
// ---------------------------------------------------------------------------

type permissionInput struct {
	Name        string `validate:"required,min=1,max=128"`
	Description string `validate:"max=512"`
}

// CreatePermission registers a new named capability.
func (e *Engine) CreatePermission(ctx context.Context, name, description string) (Permission, error) {
	name = strings.TrimSpace(name)
	if err := e.validate.Struct(permissionInput{Name: name, Description: description}); err != nil {
		return Permission{}, validationErr("permission input: %v", err)
	}
	perm := Permission{
		ID:          uuid.New(),
		Name:        name,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}

	e.mu.Lock()
	if _, exists := e.store.Lookup(name); exists {
		e.mu.Unlock()
		return Permission{}, fmt.Errorf("%w: %q", ErrPermissionExists, name)
	}
	if err := e.persist(ctx, "insert permission", func(ctx context.Context) error {
		return e.repo.InsertPermission(ctx, perm)
	}); err != nil {
		e.mu.Unlock()
		return Permission{}, err
	}
	e.store.AddPermission(perm)
	e.mu.Unlock()

	e.emit(ctx, audit.KindPermissionCreated, map[string]any{
		"permission":    perm.Name,
		"permission_id": perm.ID.String(),
	})
	e.announce(ctx, Invalidation{Scope: ScopeAll})
	return perm, nil
}

// EnsurePermission returns the existing permission or creates it.
func (e *Engine) EnsurePermission(ctx context.Context, name, description string) (Permission, error) {
	if perm, err := e.GetPermission(strings.TrimSpace(name)); err == nil {
		return perm, nil
	}
	perm, err := e.CreatePermission(ctx, name, description)
	if errors.Is(err, ErrPermissionExists) {
		return e.GetPermission(strings.TrimSpace(name))
	}
	return perm, err
}

// DeletePermission removes a permission and cascades over every grant and
// dependency edge referencing it.
func (e *Engine) DeletePermission(ctx context.Context, name string) error {
	e.mu.Lock()
	id, ok := e.store.Lookup(name)
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: permission %q", ErrNotFound, name)
	}
	if err := e.persist(ctx, "delete permission", func(ctx context.Context) error {
		return e.repo.DeletePermission(ctx, id)
	}); err != nil {
		e.mu.Unlock()
		return err
	}
	e.store.RemovePermission(id)
	// A deleted permission can drop out of any user's closure.
	e.cache.invalidateAll()
	e.mu.Unlock()

	e.emit(ctx, audit.KindPermissionDeleted, map[string]any{
		"permission":    name,
		"permission_id": id.String(),
	})
	e.announce(ctx, Invalidation{Scope: ScopeAll})
	return nil
}

// AddDependency records that holding name requires also holding dependsOn.
// Duplicate edges are a hard error; an edge that would close a loop is
// rejected with a CycleError carrying the offending path.
func (e *Engine) AddDependency(ctx context.Context, name, dependsOn string) error {
	e.mu.Lock()
	from, to, err := e.resolvePair(name, dependsOn)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if from == to {
		e.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrSelfLoop, name)
	}
	if e.store.HasEdge(from, to) {
		e.mu.Unlock()
		return fmt.Errorf("%w: %q -> %q", ErrDuplicateEdge, name, dependsOn)
	}
	if cycle, found := e.store.WouldCycle(from, to); found {
		e.mu.Unlock()
		return cycle
	}
	if err := e.persist(ctx, "insert edge", func(ctx context.Context) error {
		return e.repo.InsertEdge(ctx, from, to)
	}); err != nil {
		e.mu.Unlock()
		return err
	}
	e.store.AddEdge(from, to)
	// A single edge can extend the closure of every user transitively;
	// recomputing the minimal affected set is not worth it at this mutation
	// rate.
	e.cache.invalidateAll()
	e.mu.Unlock()

	e.emit(ctx, audit.KindDependencyAdded, map[string]any{
		"permission": name,
		"depends_on": dependsOn,
	})
	e.announce(ctx, Invalidation{Scope: ScopeAll})
	return nil
}

// RemoveDependency drops the edge name -> dependsOn. Removing an absent edge
// between known permissions is an idempotent no-op.
func (e *Engine) RemoveDependency(ctx context.Context, name, dependsOn string) error {
	e.mu.Lock()
	from, to, err := e.resolvePair(name, dependsOn)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if !e.store.HasEdge(from, to) {
		e.mu.Unlock()
		return nil
	}
	if err := e.persist(ctx, "delete edge", func(ctx context.Context) error {
		return e.repo.DeleteEdge(ctx, from, to)
	}); err != nil {
		e.mu.Unlock()
		return err
	}
	e.store.RemoveEdge(from, to)
	e.cache.invalidateAll()
	e.mu.Unlock()

	e.emit(ctx, audit.KindDependencyRemoved, map[string]any{
		"permission": name,
		"depends_on": dependsOn,
	})
	e.announce(ctx, Invalidation{Scope: ScopeAll})
	return nil
}

// GrantRole gives a role a permission. Re-granting an existing pair is an
// idempotent no-op: nothing persisted, no audit event, no invalidation.
func (e *Engine) GrantRole(ctx context.Context, roleID uuid.UUID, permissionName string) error {
	if roleID == uuid.Nil {
		return validationErr("empty role id")
	}
	e.mu.Lock()
	permID, ok := e.store.Lookup(permissionName)
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: permission %q", ErrNotFound, permissionName)
	}
	if e.store.HasRoleGrant(roleID, permID) {
		e.mu.Unlock()
		return nil
	}
	if err := e.persist(ctx, "insert role grant", func(ctx context.Context) error {
		return e.repo.InsertRoleGrant(ctx, roleID, permID)
	}); err != nil {
		e.mu.Unlock()
		return err
	}
	e.store.AddRoleGrant(roleID, permID)
	e.invalidateRoleHolders(ctx, roleID)
	e.mu.Unlock()

	e.emit(ctx, audit.KindRoleGranted, map[string]any{
		"role_id":    roleID.String(),
		"permission": permissionName,
	})
	e.announce(ctx, Invalidation{Scope: ScopeRole, ID: roleID})
	return nil
}

// RevokeRole removes a role's permission. Revoking a grant that was never
// made is an idempotent no-op.
func (e *Engine) RevokeRole(ctx context.Context, roleID uuid.UUID, permissionName string) error {
	if roleID == uuid.Nil {
		return validationErr("empty role id")
	}
	e.mu.Lock()
	permID, ok := e.store.Lookup(permissionName)
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: permission %q", ErrNotFound, permissionName)
	}
	if !e.store.HasRoleGrant(roleID, permID) {
		e.mu.Unlock()
		return nil
	}
	if err := e.persist(ctx, "delete role grant", func(ctx context.Context) error {
		return e.repo.DeleteRoleGrant(ctx, roleID, permID)
	}); err != nil {
		e.mu.Unlock()
		return err
	}
	e.store.RemoveRoleGrant(roleID, permID)
	e.invalidateRoleHolders(ctx, roleID)
	e.mu.Unlock()

	e.emit(ctx, audit.KindRoleRevoked, map[string]any{
		"role_id":    roleID.String(),
		"permission": permissionName,
	})
	e.announce(ctx, Invalidation{Scope: ScopeRole, ID: roleID})
	return nil
}

// GrantUser gives a user a permission directly, independent of roles.
func (e *Engine) GrantUser(ctx context.Context, userID uuid.UUID, permissionName string) error {
	if userID == uuid.Nil {
		return validationErr("empty user id")
	}
	e.mu.Lock()
	permID, ok := e.store.Lookup(permissionName)
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: permission %q", ErrNotFound, permissionName)
	}
	if e.store.HasUserGrant(userID, permID) {
		e.mu.Unlock()
		return nil
	}
	if err := e.persist(ctx, "insert user grant", func(ctx context.Context) error {
		return e.repo.InsertUserGrant(ctx, userID, permID)
	}); err != nil {
		e.mu.Unlock()
		return err
	}
	e.store.AddUserGrant(userID, permID)
	e.cache.invalidateUser(userID)
	e.mu.Unlock()

	e.emit(ctx, audit.KindUserGranted, map[string]any{
		"user_id":    userID.String(),
		"permission": permissionName,
	})
	e.announce(ctx, Invalidation{Scope: ScopeUser, ID: userID})
	return nil
}

// RevokeUser removes a user's direct grant. Idempotent on absent grants.
func (e *Engine) RevokeUser(ctx context.Context, userID uuid.UUID, permissionName string) error {
	if userID == uuid.Nil {
		return validationErr("empty user id")
	}
	e.mu.Lock()
	permID, ok := e.store.Lookup(permissionName)
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: permission %q", ErrNotFound, permissionName)
	}
	if !e.store.HasUserGrant(userID, permID) {
		e.mu.Unlock()
		return nil
	}
	if err := e.persist(ctx, "delete user grant", func(ctx context.Context) error {
		return e.repo.DeleteUserGrant(ctx, userID, permID)
	}); err != nil {
		e.mu.Unlock()
		return err
	}
	e.store.RemoveUserGrant(userID, permID)
	e.cache.invalidateUser(userID)
	e.mu.Unlock()

	e.emit(ctx, audit.KindUserRevoked, map[string]any{
		"user_id":    userID.String(),
		"permission": permissionName,
	})
	e.announce(ctx, Invalidation{Scope: ScopeUser, ID: userID})
	return nil
}

// ---------------------------------------------------------------------------
// internals
// ---------------------------------------------------------------------------

func (e *Engine) resolvePair(name, dependsOn string) (uuid.UUID, uuid.UUID, error) {
	from, ok := e.store.Lookup(name)
	if !ok {
		return uuid.Nil, uuid.Nil, fmt.Errorf("%w: permission %q", ErrNotFound, name)
	}
	to, ok := e.store.Lookup(dependsOn)
	if !ok {
		return uuid.Nil, uuid.Nil, fmt.Errorf("%w: permission %q", ErrNotFound, dependsOn)
	}
	return from, to, nil
}

// persist runs the durable write under the mutation timeout. The caller only
// touches in-memory state after this returns nil, so a failed or timed-out
// write leaves memory and cache exactly as they were.
func (e *Engine) persist(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.mutationTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		if errors.Is(err, ErrPermissionExists) {
			return err
		}
		return persistenceErr(op, err)
	}
	return nil
}

// invalidateRoleHolders clears cache entries for every user holding the role,
// falling back to a full invalidation when the membership lookup fails.
func (e *Engine) invalidateRoleHolders(ctx context.Context, roleID uuid.UUID) {
	holders, err := e.membership.UsersWithRole(ctx, roleID)
	if err != nil {
		if e.logger != nil {
			e.logger.Warn("role holders lookup failed, invalidating all",
				slog.String("role_id", roleID.String()),
				slog.Any("error", err),
			)
		}
		e.cache.invalidateAll()
		return
	}
	e.cache.invalidateUsers(holders)
}

func (e *Engine) emit(ctx context.Context, kind audit.Kind, payload map[string]any) {
	e.auditor.Record(ctx, audit.NewEvent(kind, ActorFromContext(ctx), payload))
}

func (e *Engine) announce(ctx context.Context, inv Invalidation) {
	if e.broadcaster == nil {
		return
	}
	inv.Origin = e.instanceID
	if err := e.broadcaster.Publish(ctx, inv); err != nil && e.logger != nil {
		e.logger.Warn("invalidation broadcast", slog.Any("error", err))
	}
}
