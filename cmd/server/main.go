package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	hierarchy "github.com/iota-uz/hierarchy/modules/hierarchy"
	"github.com/iota-uz/hierarchy/pkg/application"
	"github.com/iota-uz/hierarchy/pkg/changelog"
	"github.com/iota-uz/hierarchy/pkg/composables"
	"github.com/iota-uz/hierarchy/pkg/configuration"
	"github.com/iota-uz/hierarchy/pkg/eventbus"
	"github.com/iota-uz/hierarchy/pkg/httpapi"
	"github.com/iota-uz/hierarchy/pkg/metrics"
	"github.com/iota-uz/hierarchy/pkg/middleware"
	"github.com/iota-uz/hierarchy/pkg/server"
)

const shutdownTimeout = 15 * time.Second

func main() {
	conf := configuration.Use()
	log := conf.Logger()

	if err := run(conf, log); err != nil {
		log.WithError(err).Fatal("server exited with error")
	}
}

func run(conf *configuration.Configuration, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, conf.Database.ConnectionString())
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return err
	}

	app := application.New(&application.ApplicationOptions{
		Pool:     pool,
		EventBus: eventbus.NewEventPublisher(log),
		Logger:   log,
	})

	mod := hierarchy.NewModule()
	if err := mod.Register(app); err != nil {
		return err
	}

	app.RegisterMiddleware(
		middleware.ProvidePool(pool),
		middleware.RequestLogger(log),
	)
	if conf.Prometheus.Enabled {
		app.RegisterControllers(metrics.NewPrometheusController(conf.Prometheus.Path))
	}

	// Background workers share the pool through the context so repository
	// calls made from event handlers resolve a connection.
	workerCtx, cancelWorkers := context.WithCancel(composables.WithPool(ctx, pool))
	defer cancelWorkers()

	if reconciler := mod.Reconciler(); reconciler != nil {
		reconciler.Start(workerCtx)
		defer reconciler.Stop()
	}

	errCh := make(chan error, 3)

	if conf.Changelog.RelayEnabled {
		relay, err := changelog.NewRelay(pool, mod.ChangelogDispatcher(), changelog.RelayOptions{
			PollInterval:    conf.Changelog.RelayPollInterval,
			BatchSize:       conf.Changelog.RelayBatchSize,
			LockTTL:         conf.Changelog.RelayLockTTL,
			MaxAttempts:     conf.Changelog.RelayMaxAttempts,
			SingleActive:    conf.Changelog.RelaySingleActive,
			DispatchTimeout: conf.Changelog.RelayDispatchTimeout,
			LastErrorMaxLen: conf.Changelog.LastErrorMaxBytes,
			Logger:          logrus.NewEntry(log),
		})
		if err != nil {
			return err
		}
		go func() {
			errCh <- relay.Run(workerCtx)
		}()
	}

	if conf.Changelog.CleanerEnabled {
		cleaner, err := changelog.NewCleaner(pool, changelog.CleanerOptions{
			Enabled:   true,
			Interval:  conf.Changelog.CleanerInterval,
			Retention: conf.Changelog.CleanerRetention,
			Logger:    logrus.NewEntry(log),
		})
		if err != nil {
			return err
		}
		go func() {
			errCh <- cleaner.Run(workerCtx)
		}()
	}

	srv := server.NewHTTPServer(app, notFoundHandler(), methodNotAllowedHandler())
	go func() {
		log.WithField("address", conf.SocketAddress).Info("server listening")
		errCh <- srv.Start(conf.SocketAddress)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, context.Canceled) {
			return err
		}
	}

	cancelWorkers()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func notFoundHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = httpapi.WriteError(w, http.StatusNotFound, "NOT_FOUND", "resource not found", nil)
	})
}

func methodNotAllowedHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = httpapi.WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
	})
}
