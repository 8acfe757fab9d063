package roles

import (
	"time"

	"github.com/google/uuid"
)

// Role represents a named bundle of permissions assignable to users. Grant
// contents live in the authorization engine; this package owns the role
// records and user-to-role membership.
type Role struct {
	ID          uuid.UUID
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Membership links a user to a role.
type Membership struct {
	UserID    uuid.UUID
	RoleID    uuid.UUID
	CreatedAt time.Time
}
