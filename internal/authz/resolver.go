package authz

import (
	"github.com/google/uuid"
)

// Closure computes the transitive expansion of seed over the forward
// dependency edges. Every node is expanded at most once, bounding the
// traversal to O(V+E) and keeping it safe even against a cyclic graph, which
// the write path already rejects.
func (s *Store) Closure(seed map[uuid.UUID]struct{}) map[uuid.UUID]struct{} {
	out := make(map[uuid.UUID]struct{}, len(seed))
	queue := make([]uuid.UUID, 0, len(seed))
	for id := range seed {
		if _, ok := s.perms[id]; !ok {
			continue
		}
		out[id] = struct{}{}
		queue = append(queue, id)
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for dep := range s.forward[cur] {
			if _, seen := out[dep]; seen {
				continue
			}
			out[dep] = struct{}{}
			queue = append(queue, dep)
		}
	}
	return out
}

// Reaches reports whether target is in the closure of {from}.
func (s *Store) Reaches(from, to uuid.UUID) bool {
	seed := map[uuid.UUID]struct{}{from: {}}
	_, ok := s.Closure(seed)[to]
	return ok
}

// WouldCycle checks whether inserting the edge from -> to would close a loop:
// that happens exactly when from is already reachable from to in the current
// graph. On detection it returns the offending cycle as permission names,
// starting and ending at from, for diagnostics.
func (s *Store) WouldCycle(from, to uuid.UUID) (*CycleError, bool) {
	if from == to {
		return nil, false
	}
	// BFS from to back towards from, keeping parent pointers so the path can
	// be reconstructed.
	parent := map[uuid.UUID]uuid.UUID{to: to}
	queue := []uuid.UUID{to}
	found := false
	for len(queue) > 0 && !found {
		cur := queue[0]
		queue = queue[1:]
		for dep := range s.forward[cur] {
			if _, seen := parent[dep]; seen {
				continue
			}
			parent[dep] = cur
			if dep == from {
				found = true
				break
			}
			queue = append(queue, dep)
		}
	}
	if !found {
		return nil, false
	}

	// parent pointers run against edge direction, so walking from -> parent
	// -> ... -> to yields the existing chain to -> ... -> from reversed.
	var back []uuid.UUID
	for cur := from; ; cur = parent[cur] {
		back = append(back, cur)
		if cur == to {
			break
		}
	}
	// The cycle the new edge would close: from -> to -> ... -> from.
	path := make([]string, 0, len(back)+1)
	path = append(path, s.nameOf(from))
	for i := len(back) - 1; i >= 1; i-- {
		path = append(path, s.nameOf(back[i]))
	}
	path = append(path, s.nameOf(from))
	return &CycleError{Path: path}, true
}

// DependencyPath returns one chain of direct dependencies leading from a
// granted permission to target, inclusive on both ends. Used by Explain.
func (s *Store) DependencyPath(from, to uuid.UUID) []string {
	if from == to {
		return []string{s.nameOf(from)}
	}
	parent := map[uuid.UUID]uuid.UUID{from: from}
	queue := []uuid.UUID{from}
	found := false
	for len(queue) > 0 && !found {
		cur := queue[0]
		queue = queue[1:]
		for dep := range s.forward[cur] {
			if _, seen := parent[dep]; seen {
				continue
			}
			parent[dep] = cur
			if dep == to {
				found = true
				break
			}
			queue = append(queue, dep)
		}
	}
	if !found {
		return nil
	}
	var ids []uuid.UUID
	for cur := to; cur != from; cur = parent[cur] {
		ids = append(ids, cur)
	}
	ids = append(ids, from)
	path := make([]string, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		path = append(path, s.nameOf(ids[i]))
	}
	return path
}

// Names maps a set of permission ids to their names.
func (s *Store) Names(ids map[uuid.UUID]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for id := range ids {
		if p, ok := s.perms[id]; ok {
			out[p.Name] = struct{}{}
		}
	}
	return out
}

func (s *Store) nameOf(id uuid.UUID) string {
	if p, ok := s.perms[id]; ok {
		return p.Name
	}
	return id.String()
}
