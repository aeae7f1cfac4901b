// Package handlers wires the changelog relay to the in-process consumers of
// canonical change events.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/iota-uz/hierarchy/modules/hierarchy/domain/events"
	"github.com/iota-uz/hierarchy/pkg/changelog"
	"github.com/iota-uz/hierarchy/pkg/eventbus"
)

// ChangelogDispatcher decodes claimed changelog rows and publishes them on
// the event bus. A subscriber error propagates back so the relay retries the
// row instead of losing it.
type ChangelogDispatcher struct {
	bus eventbus.EventBusWithError
}

var _ changelog.Dispatcher = (*ChangelogDispatcher)(nil)

func NewChangelogDispatcher(bus eventbus.EventBusWithError) *ChangelogDispatcher {
	return &ChangelogDispatcher{bus: bus}
}

func (d *ChangelogDispatcher) Dispatch(ctx context.Context, msg changelog.DispatchedMessage) error {
	switch msg.Meta.Topic {
	case events.TopicCanonicalChangedV1:
		var ev events.ChangeEventV1
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return fmt.Errorf("decode %s event %s: %w", msg.Meta.Topic, msg.Meta.EventID, err)
		}
		return d.bus.PublishE(ctx, ev)
	default:
		return fmt.Errorf("unknown changelog topic %q", msg.Meta.Topic)
	}
}
