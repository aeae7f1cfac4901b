package services

import (
	"fmt"
	"sync"

	"github.com/iota-uz/hierarchy/modules/hierarchy/domain/node"
)

// RoleLevelValidator enforces that a role only binds to nodes at its required
// hierarchy level. Role requirements are registered at startup from
// configuration or seeded defaults.
type RoleLevelValidator struct {
	mu    sync.RWMutex
	roles map[string]node.Level
}

func NewRoleLevelValidator() *RoleLevelValidator {
	return &RoleLevelValidator{roles: make(map[string]node.Level)}
}

// Register maps a role code to the level its bindings must target.
// Re-registering a role overwrites the previous requirement.
func (v *RoleLevelValidator) Register(roleCode string, level node.Level) {
	v.mu.Lock()
	v.roles[roleCode] = level
	v.mu.Unlock()
}

// Validate returns nil when the role has no level requirement or the node is
// at the required level.
func (v *RoleLevelValidator) Validate(roleCode string, n *node.ReplicaNode) error {
	v.mu.RLock()
	required, ok := v.roles[roleCode]
	v.mu.RUnlock()
	if !ok {
		return nil
	}
	if n.Level != required {
		return fmt.Errorf("%w: role %s requires level %d, node %s is at level %d",
			ErrLevelMismatch, roleCode, required, n.ID, n.Level)
	}
	return nil
}
