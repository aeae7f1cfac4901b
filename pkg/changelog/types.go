package changelog

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// Table is the append-only canonical change log. There is exactly one log:
// replicas and external consumers all read from it.
const Table = "hierarchy_changelog"

// Message is the unit stored in hierarchy_changelog.
type Message struct {
	Topic   string
	EventID uuid.UUID
	Payload json.RawMessage
}

// Meta is the stable dispatch metadata (idempotency + ops).
type Meta struct {
	Topic    string
	EventID  uuid.UUID
	Sequence int64
	Attempts int
}

// DispatchedMessage is the unit delivered by Relay to Dispatcher.
type DispatchedMessage struct {
	Meta    Meta
	Payload json.RawMessage
}

type Dispatcher interface {
	Dispatch(ctx context.Context, msg DispatchedMessage) error
}
