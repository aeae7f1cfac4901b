package events

import (
	"time"

	"github.com/google/uuid"
)

const (
	TopicCanonicalChangedV1 = "hierarchy.canonical.changed.v1"
	EventVersionV1          = 1
)

type ChangeType string

const (
	ChangeTypeCreated     ChangeType = "Created"
	ChangeTypeRenamed     ChangeType = "Renamed"
	ChangeTypeMoved       ChangeType = "Moved"
	ChangeTypeDeactivated ChangeType = "Deactivated"
)

// ChangeEventV1 is the immutable record emitted by the canonical store on
// mutation. A Moved event is batched: PreviousPath/NewPath carry the old and
// new prefix of the moved subtree root, and every descendant path rewrite is
// implied by that prefix pair. Consumers dedupe on (NodeID, ChangeType,
// OccurredAt).
type ChangeEventV1 struct {
	EventID           uuid.UUID  `json:"event_id"`
	EventVersion      int        `json:"event_version"`
	NodeID            uuid.UUID  `json:"node_id"`
	ChangeType        ChangeType `json:"change_type"`
	PreviousPath      string     `json:"previous_path,omitempty"`
	NewPath           string     `json:"new_path"`
	Name              string     `json:"name,omitempty"`
	ParentID          *uuid.UUID `json:"parent_id,omitempty"`
	Level             int        `json:"level"`
	ExternalCode      string     `json:"external_code,omitempty"`
	CascadeDeactivate bool       `json:"cascade_deactivate,omitempty"`
	OccurredAt        time.Time  `json:"occurred_at"`
}
