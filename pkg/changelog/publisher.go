package changelog

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/iota-uz/hierarchy/pkg/repo"
)

// Publisher appends change events to the log inside the caller's transaction,
// so an event becomes visible iff the mutation that produced it commits.
type Publisher interface {
	Enqueue(ctx context.Context, tx repo.Tx, msg Message) (sequence int64, err error)
}

type publisher struct {
	m *metrics
}

func NewPublisher() Publisher {
	return &publisher{m: getMetrics()}
}

func (p *publisher) Enqueue(ctx context.Context, tx repo.Tx, msg Message) (int64, error) {
	if msg.EventID == uuid.Nil {
		return 0, fmt.Errorf("%w: event_id is required", ErrInvalidConfig)
	}
	if msg.Topic == "" {
		return 0, fmt.Errorf("%w: topic is required", ErrInvalidConfig)
	}

	// Re-enqueueing the same event_id is a no-op that still returns the
	// original sequence, which keeps retried mutations idempotent.
	q := `INSERT INTO ` + Table + ` (topic, payload, event_id, available_at)
	 VALUES ($1, $2, $3, now())
	 ON CONFLICT (event_id) DO UPDATE SET event_id = EXCLUDED.event_id
	 RETURNING sequence`

	var sequence int64
	if err := tx.QueryRow(ctx, q, msg.Topic, msg.Payload, msg.EventID).Scan(&sequence); err != nil {
		return 0, fmt.Errorf("changelog enqueue: %w", err)
	}

	p.m.enqueueTotal.WithLabelValues(msg.Topic).Inc()

	return sequence, nil
}
