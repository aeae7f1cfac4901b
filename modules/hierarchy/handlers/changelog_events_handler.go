package handlers

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/hierarchy/modules/hierarchy/domain/events"
	"github.com/iota-uz/hierarchy/modules/hierarchy/services"
	"github.com/iota-uz/hierarchy/pkg/eventbus"
	"github.com/iota-uz/hierarchy/pkg/webhooks"
)

// ChangeEventsHandler fans a canonical change out to its consumers: the
// branch cache (backstop for the synchronous invalidation in the mutation
// path), the tenant reconciler, and outbound webhooks.
type ChangeEventsHandler struct {
	cache      services.BranchCache
	reconciler *services.ReconciliationService
	webhooks   *webhooks.Dispatcher
	log        *logrus.Logger
}

func RegisterChangeEventsHandler(
	bus eventbus.EventBusWithError,
	cache services.BranchCache,
	reconciler *services.ReconciliationService,
	webhookDispatcher *webhooks.Dispatcher,
	log *logrus.Logger,
) *ChangeEventsHandler {
	h := &ChangeEventsHandler{
		cache:      cache,
		reconciler: reconciler,
		webhooks:   webhookDispatcher,
		log:        log,
	}
	bus.Subscribe(h.onCanonicalChange)
	return h
}

func (h *ChangeEventsHandler) onCanonicalChange(ctx context.Context, ev events.ChangeEventV1) error {
	h.invalidate(ctx, ev)

	if h.reconciler != nil {
		if err := h.reconciler.Dispatch(ctx, ev); err != nil {
			return err
		}
	}

	if h.webhooks != nil {
		payload, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		// Webhook failures are logged, not retried through the changelog:
		// redelivering to tenants because one endpoint is down would reapply
		// the whole fan-out.
		if err := h.webhooks.Deliver(ctx, events.TopicCanonicalChangedV1, ev.EventID, payload); err != nil {
			h.log.WithError(err).WithField("event_id", ev.EventID).Warn("webhook delivery failed")
		}
	}
	return nil
}

func (h *ChangeEventsHandler) invalidate(ctx context.Context, ev events.ChangeEventV1) {
	if h.cache == nil {
		return
	}
	paths := []string{ev.NewPath}
	if ev.PreviousPath != "" && ev.PreviousPath != ev.NewPath {
		paths = append(paths, ev.PreviousPath)
	}
	for _, p := range paths {
		if _, err := h.cache.InvalidateBranch(ctx, uuid.Nil, p); err != nil {
			h.log.WithError(err).WithField("path", p).Warn("backstop cache invalidation failed")
		}
	}
}
