package authz

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates a referenced permission, role or grant endpoint
	// does not exist.
	ErrNotFound = errors.New("authz: not found")
	// ErrSelfLoop indicates a dependency edge from a permission to itself.
	ErrSelfLoop = errors.New("authz: dependency self-loop")
	// ErrDuplicateEdge indicates the dependency edge already exists.
	// Edge insertion is a hard error on duplicates; grants are idempotent.
	ErrDuplicateEdge = errors.New("authz: dependency already exists")
	// ErrPermissionExists indicates a permission with that name already exists.
	ErrPermissionExists = errors.New("authz: permission already exists")
	// ErrPersistence indicates the durable write failed or timed out. The
	// in-memory state is left untouched and the cache is not invalidated.
	ErrPersistence = errors.New("authz: persistence failure")
	// ErrValidation indicates malformed input (empty identifier, bad name).
	ErrValidation = errors.New("authz: invalid input")
)

// CycleError rejects a dependency edge whose insertion would close a loop.
// Path holds the offending cycle as permission names, starting and ending at
// the edge origin.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "authz: dependency cycle: " + strings.Join(e.Path, " -> ")
}

// IsCycle reports whether err carries a detected dependency cycle.
func IsCycle(err error) bool {
	var ce *CycleError
	return errors.As(err, &ce)
}

func persistenceErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrPersistence, op, err)
}

func validationErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
