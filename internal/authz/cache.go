package authz

import (
	"sync"

	"github.com/google/uuid"
)

// permissionCache memoizes the closed effective-permission set per user.
// Entries are filled by readers holding the engine's shared section and
// cleared by mutations holding the exclusive one, so a stale fill can never
// land after an invalidation: the writer waits for in-flight readers first.
type permissionCache struct {
	mu      sync.Mutex
	entries map[uuid.UUID]map[string]struct{}
}

func newPermissionCache() *permissionCache {
	return &permissionCache{entries: make(map[uuid.UUID]map[string]struct{})}
}

func (c *permissionCache) get(userID uuid.UUID) (map[string]struct{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.entries[userID]
	return set, ok
}

func (c *permissionCache) set(userID uuid.UUID, set map[string]struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[userID] = set
}

func (c *permissionCache) invalidateUser(userID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
}

func (c *permissionCache) invalidateUsers(userIDs []uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range userIDs {
		delete(c.entries, id)
	}
}

func (c *permissionCache) invalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uuid.UUID]map[string]struct{})
}

func (c *permissionCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
