package services

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/hierarchy/modules/hierarchy/domain/events"
)

type ReconciliationOptions struct {
	// MaxAttempts bounds retries per (tenant, event) before the replica node
	// is marked diverged.
	MaxAttempts int
	MaxBackoff  time.Duration
	// QueueSize is the per-tenant buffered queue depth.
	QueueSize int
}

func (o *ReconciliationOptions) setDefaults() {
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 5
	}
	if o.MaxBackoff == 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.QueueSize == 0 {
		o.QueueSize = 256
	}
}

// ReconciliationService fans canonical change events out to tenant replicas.
// Tenants are processed in parallel, but each tenant consumes its events in
// order through a dedicated worker, so replica state never interleaves.
type ReconciliationService struct {
	replicas *ReplicaService
	opts     ReconciliationOptions
	log      *logrus.Logger

	mu      sync.Mutex
	queues  map[uuid.UUID]chan events.ChangeEventV1
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func NewReconciliationService(replicas *ReplicaService, opts ReconciliationOptions, log *logrus.Logger) *ReconciliationService {
	opts.setDefaults()
	return &ReconciliationService{
		replicas: replicas,
		opts:     opts,
		log:      log,
		queues:   make(map[uuid.UUID]chan events.ChangeEventV1),
	}
}

// Start binds worker lifetimes to ctx. Must be called before Dispatch.
func (s *ReconciliationService) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.baseCtx, s.cancel = context.WithCancel(ctx)
	s.started = true
}

// Stop cancels all workers and waits for in-flight applications to finish.
// Queues are never closed so a concurrent Dispatch cannot panic; a blocked
// send unblocks through the cancelled service context instead. Events still
// queued at that point are dropped, which is safe because application is
// idempotent and the changelog retains them.
func (s *ReconciliationService) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.started = false
	s.queues = make(map[uuid.UUID]chan events.ChangeEventV1)
	s.mu.Unlock()

	s.wg.Wait()
}

// Dispatch enqueues one canonical change for every known tenant. Called by
// the changelog event handler; blocking here backpressures the relay.
func (s *ReconciliationService) Dispatch(ctx context.Context, ev events.ChangeEventV1) error {
	tenantIDs, err := s.replicas.TenantIDs(ctx)
	if err != nil {
		return err
	}
	for _, tenantID := range tenantIDs {
		q, stopped, err := s.tenantQueue(tenantID)
		if err != nil {
			return err
		}
		select {
		case q <- ev:
		case <-stopped:
			return context.Canceled
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *ReconciliationService) tenantQueue(tenantID uuid.UUID) (chan events.ChangeEventV1, <-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil, nil, context.Canceled
	}
	q, ok := s.queues[tenantID]
	if !ok {
		q = make(chan events.ChangeEventV1, s.opts.QueueSize)
		s.queues[tenantID] = q
		s.wg.Add(1)
		go s.worker(s.baseCtx, tenantID, q)
	}
	return q, s.baseCtx.Done(), nil
}

func (s *ReconciliationService) worker(ctx context.Context, tenantID uuid.UUID, q chan events.ChangeEventV1) {
	defer s.wg.Done()
	for {
		select {
		case ev := <-q:
			s.apply(ctx, tenantID, ev)
		case <-ctx.Done():
			return
		}
	}
}

func (s *ReconciliationService) apply(ctx context.Context, tenantID uuid.UUID, ev events.ChangeEventV1) {
	fields := logrus.Fields{
		"tenant_id":   tenantID,
		"node_id":     ev.NodeID,
		"change_type": ev.ChangeType,
		"event_id":    ev.EventID,
	}

	var lastErr error
	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		lastErr = s.replicas.ApplyCanonicalChange(ctx, tenantID, ev)
		if lastErr == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		s.log.WithError(lastErr).WithFields(fields).
			WithField("attempt", attempt).Warn("reconciliation attempt failed")

		select {
		case <-time.After(s.backoff(attempt)):
		case <-ctx.Done():
			return
		}
	}

	s.log.WithError(lastErr).WithFields(fields).Error("reconciliation retries exhausted, marking diverged")
	if err := s.replicas.MarkDivergedByOrigin(ctx, tenantID, ev.NodeID); err != nil {
		s.log.WithError(err).WithFields(fields).Error("failed to mark replica diverged")
	}
}

func (s *ReconciliationService) backoff(attempt int) time.Duration {
	d := time.Duration(math.Pow(2, float64(attempt-1)) * float64(time.Second))
	if d > s.opts.MaxBackoff {
		return s.opts.MaxBackoff
	}
	return d
}
