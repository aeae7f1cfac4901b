// Package node defines the administrative unit model shared by the canonical
// store and tenant replicas.
package node

import (
	"time"

	"github.com/google/uuid"
)

// Level is the position of a node in the administrative hierarchy. Levels 1-5
// are canonical (platform-owned); levels 6-8 are tenant-private extensions.
type Level int

const (
	LevelCountry      Level = 1
	LevelProvince     Level = 2
	LevelDistrict     Level = 3
	LevelMunicipality Level = 4
	LevelWard         Level = 5

	MaxCanonicalLevel Level = 5
	MaxExtensionLevel Level = 8
)

func (l Level) String() string {
	switch l {
	case LevelCountry:
		return "country"
	case LevelProvince:
		return "province"
	case LevelDistrict:
		return "district"
	case LevelMunicipality:
		return "municipality"
	case LevelWard:
		return "ward"
	case 6, 7, 8:
		return "extension"
	default:
		return "unknown"
	}
}

func (l Level) IsCanonical() bool {
	return l >= LevelCountry && l <= MaxCanonicalLevel
}

func (l Level) IsExtension() bool {
	return l > MaxCanonicalLevel && l <= MaxExtensionLevel
}

// Node is a single administrative unit. Path is always consistent with
// ParentID: path(node) = path(parent) + "." + seq, and Level equals the
// number of path segments.
type Node struct {
	ID           uuid.UUID
	ParentID     *uuid.UUID
	Name         string
	Level        Level
	Path         string
	Seq          int
	ExternalCode string
	ValidFrom    time.Time
	ValidTo      *time.Time
	Active       bool
}

// SyncStatus tracks how a replica node relates to its canonical origin.
type SyncStatus string

const (
	SyncStatusSynced        SyncStatus = "synced"
	SyncStatusPendingReview SyncStatus = "pending_review"
	SyncStatusDiverged      SyncStatus = "diverged"
)

// ReplicaNode is a tenant-scoped copy of a canonical node, or a tenant-private
// extension (OriginID == nil, Level 6-8).
type ReplicaNode struct {
	Node
	TenantID   uuid.UUID
	OriginID   *uuid.UUID
	SyncStatus SyncStatus
}

// IsExtension reports whether the node is tenant-private rather than a mirror
// of a canonical node.
func (n ReplicaNode) IsExtension() bool {
	return n.OriginID == nil
}
