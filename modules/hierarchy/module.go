// Package hierarchy assembles the reference-data engine: the canonical tree,
// tenant replicas with reconciliation, branch-tagged caching and the query
// surface.
package hierarchy

import (
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/hierarchy/modules/hierarchy/domain/node"
	"github.com/iota-uz/hierarchy/modules/hierarchy/handlers"
	"github.com/iota-uz/hierarchy/modules/hierarchy/infrastructure/cache"
	"github.com/iota-uz/hierarchy/modules/hierarchy/infrastructure/persistence"
	"github.com/iota-uz/hierarchy/modules/hierarchy/presentation/controllers"
	"github.com/iota-uz/hierarchy/modules/hierarchy/services"
	"github.com/iota-uz/hierarchy/pkg/application"
	"github.com/iota-uz/hierarchy/pkg/changelog"
	"github.com/iota-uz/hierarchy/pkg/configuration"
	"github.com/iota-uz/hierarchy/pkg/webhooks"
)

type Module struct {
	reconciler *services.ReconciliationService
	dispatcher *handlers.ChangelogDispatcher
}

func NewModule() *Module {
	return &Module{}
}

// Reconciler exposes the reconciliation worker pool for lifecycle control.
// Nil when reconciliation is disabled by configuration.
func (m *Module) Reconciler() *services.ReconciliationService {
	return m.reconciler
}

// ChangelogDispatcher is the sink the changelog relay drains into.
func (m *Module) ChangelogDispatcher() *handlers.ChangelogDispatcher {
	return m.dispatcher
}

func (m *Module) Register(app application.Application) error {
	conf := configuration.Use()
	log := app.Logger()

	var branchCache services.BranchCache
	switch conf.Cache.Backend {
	case "redis":
		redisCache, err := cache.NewRedisCacheFromURL(conf.Cache.RedisURL)
		if err != nil {
			return err
		}
		branchCache = redisCache
	default:
		branchCache = cache.NewMemoryCache()
	}

	canonicalRepo := persistence.NewCanonicalRepository()
	replicaRepo := persistence.NewReplicaRepository()

	validator := services.NewRoleLevelValidator()
	roleLevels, err := conf.RoleLevels.Parse()
	if err != nil {
		return err
	}
	for role, level := range roleLevels {
		validator.Register(role, node.Level(level))
	}

	canonicalService := services.NewCanonicalService(canonicalRepo, changelog.NewPublisher(), branchCache, conf.Cache.TTL, log)
	replicaService := services.NewReplicaService(replicaRepo, canonicalRepo, validator, branchCache, log)
	queryService := services.NewQueryService(replicaRepo, branchCache, services.QueryOptions{
		TTL:         conf.Cache.TTL,
		PageSize:    conf.PageSize,
		MaxPageSize: conf.MaxPageSize,
	}, log)

	if conf.Reconciliation.Enabled {
		m.reconciler = services.NewReconciliationService(replicaService, services.ReconciliationOptions{
			MaxAttempts: conf.Reconciliation.MaxAttempts,
			MaxBackoff:  conf.Reconciliation.MaxBackoff,
		}, log)
	}

	var webhookDispatcher *webhooks.Dispatcher
	if conf.Webhooks.Enabled {
		var err error
		webhookDispatcher, err = webhooks.NewDispatcher(webhooks.Options{
			Endpoints:     conf.Webhooks.Endpoints,
			SigningSecret: conf.Webhooks.SigningSecret,
			Timeout:       conf.Webhooks.Timeout,
			Logger:        logrus.NewEntry(log),
		})
		if err != nil {
			return err
		}
	}

	m.dispatcher = handlers.NewChangelogDispatcher(app.EventPublisher())
	handlers.RegisterChangeEventsHandler(app.EventPublisher(), branchCache, m.reconciler, webhookDispatcher, log)

	app.RegisterServices(
		canonicalService,
		replicaService,
		queryService,
		validator,
	)
	app.RegisterControllers(
		controllers.NewHealthController(app),
		controllers.NewCanonicalAPIController(app),
		controllers.NewTenantAPIController(app),
	)
	return nil
}
