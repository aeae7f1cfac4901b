package node

import (
	"time"

	"github.com/google/uuid"
)

// EntityBinding attaches a tenant business entity (an employee assignment, a
// service point) to a replica node under a role. Bindings are what make
// Deactivated changes unsafe to apply silently.
type EntityBinding struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	NodeID    uuid.UUID
	EntityID  uuid.UUID
	RoleCode  string
	CreatedAt time.Time
}
