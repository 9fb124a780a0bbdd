package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/rolegraph/pkg/async"
	"github.com/platinummonkey/rolegraph/pkg/audit"
	"github.com/platinummonkey/rolegraph/pkg/config"
	"github.com/platinummonkey/rolegraph/pkg/graphview"
	"github.com/platinummonkey/rolegraph/pkg/httputil"
	"github.com/platinummonkey/rolegraph/pkg/middleware"
	"github.com/platinummonkey/rolegraph/pkg/observability"
	"github.com/platinummonkey/rolegraph/pkg/rbac"
	"github.com/platinummonkey/rolegraph/pkg/review"
	"github.com/platinummonkey/rolegraph/pkg/seed"
	"github.com/platinummonkey/rolegraph/pkg/storage"
	"github.com/platinummonkey/rolegraph/pkg/storage/snapshot"
	"github.com/platinummonkey/rolegraph/pkg/swagger"
	"github.com/platinummonkey/rolegraph/pkg/webhooks"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "rolegraph: %v\n", err)
		os.Exit(1)
	}
}

func run() (err error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).
		WithField("service", "rolegraph").
		WithField("version", version)
	defer observability.RecoverPanic(logger, "main")

	ctx := observability.WithLogger(context.Background(), logger)
	async.SetLogger(logger)

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)

	var recorder rbac.MetricsRecorder = metrics
	if providers != nil {
		otelMetrics, err := observability.NewOTelMetrics()
		if err != nil {
			return err
		}
		recorder = observability.FanOut(metrics, otelMetrics)
	}

	health := observability.NewHealthChecker(version)

	backend, err := openBackend(ctx, cfg.Storage, health, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			backend.close()
		}
	}()
	repo := storage.Instrument(backend.repo, cfg.Storage.Type, metrics)

	var snapshots *snapshot.Store
	if cfg.Snapshot.Enabled() {
		snapshots, err = openSnapshots(ctx, cfg.Snapshot, logger)
		if err != nil {
			return err
		}
		if err := restoreIfEmpty(ctx, repo, snapshots, cfg.Engine.MaxDepth, logger); err != nil {
			return err
		}
	}

	auditing, err := openAudit(ctx, cfg.Audit, backend, logger)
	if err != nil {
		return err
	}
	opts := []rbac.Option{rbac.WithLogger(logger), rbac.WithMetrics(recorder)}
	if auditing != nil {
		opts = append(opts, rbac.WithChangeListener(auditing.recorder.Listener()))
	}

	manager, err := rbac.NewManager(ctx, repo, cfg.Engine, opts...)
	if err != nil {
		return err
	}
	engine := manager.Engine()

	if cfg.Seed.Path != "" {
		if err := applySeed(ctx, cfg.Seed.Path, engine, logger); err != nil {
			return err
		}
	}

	health.AddCheck("engine", true, func(ctx context.Context) error {
		if _, err := repo.LoadPermissions(ctx); err != nil {
			return fmt.Errorf("repository unreachable at generation %d: %w", engine.Generation(), err)
		}
		return nil
	})

	scheduler := review.NewScheduler(logger)
	reviewer := review.NewReviewer(engine, logger, metrics)
	if cfg.Review.Schedule != "" {
		if err := scheduler.AddReview(cfg.Review.Schedule, reviewer); err != nil {
			return err
		}
	}
	if snapshots != nil && cfg.Snapshot.Schedule != "" {
		if err := scheduler.AddSnapshotExport(cfg.Snapshot.Schedule, engine, snapshots); err != nil {
			return err
		}
	}
	if auditing != nil && auditing.pruner != nil && cfg.Audit.Retention > 0 && cfg.Review.Schedule != "" {
		if err := scheduler.AddAuditCleanup(cfg.Review.Schedule, cfg.Audit.Retention, auditing.pruner); err != nil {
			return err
		}
	}

	router := mux.NewRouter()
	router.Use(observability.HTTPMetricsMiddleware(metrics))
	swagger.NewSwaggerHandlers().RegisterRoutes(router)
	registerAPI(ctx, router, cfg, manager, backend, auditing, scheduler, reviewer, logger)

	handler := httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(logger),
		httputil.RecoveryMiddleware(logger),
		httputil.MaxBytesMiddleware(cfg.Server.MaxBodyBytes),
		httputil.ContentTypeMiddleware,
	)(router)

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      otelhttp.NewHandler(handler, "rolegraph"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	healthRouter := mux.NewRouter()
	observability.RegisterHealthRoutes(healthRouter, health)
	if cfg.Observability.MetricsEnabled {
		healthRouter.Handle("/metrics", metrics.Handler()).Methods("GET")
	}
	healthServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:           healthRouter,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	watchCtx, stopWatching := context.WithCancel(gctx)

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc("health server", healthServer.Shutdown)
	shutdown.RegisterShutdownFunc("scheduler", scheduler.Stop)
	shutdown.RegisterShutdownFunc("seed watcher", func(context.Context) error {
		stopWatching()
		return nil
	})
	shutdown.RegisterShutdownFunc("storage", func(context.Context) error {
		// queued audit events are written before the database goes away
		if auditing != nil {
			if err := auditing.recorder.Close(cfg.Server.ShutdownTimeout / 2); err != nil {
				logger.WithError(err).Error("Audit trail did not drain")
			}
		}
		return backend.close()
	})
	shutdown.RegisterShutdownFunc("opentelemetry", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers, logger)
	})

	if cfg.Seed.Path != "" && cfg.Seed.Watch {
		watcher, err := seed.NewWatcher(cfg.Seed.Path, engine, logger)
		if err != nil {
			stopWatching()
			return err
		}
		g.Go(func() error { return watcher.Run(watchCtx) })
	}

	g.Go(func() error {
		logger.WithField("addr", server.Addr).Info("Starting rolegraph API server")
		return serve(server)
	})
	g.Go(func() error {
		logger.WithField("addr", healthServer.Addr).Info("Starting health server")
		return serve(healthServer)
	})
	g.Go(func() error {
		return shutdown.WaitForShutdown(gctx)
	})

	scheduler.Start()
	// an initial review populates the conflict gauges before the first tick
	scheduler.RunReview(ctx, reviewer)

	err = g.Wait()
	stopWatching()
	if err != nil {
		return err
	}
	logger.Info("rolegraph stopped")
	return nil
}

func serve(server *http.Server) error {
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s: %w", server.Addr, err)
	}
	return nil
}

// registerAPI mounts the admin API behind caller identification, rate limiting and the
// optional admin permission
func registerAPI(ctx context.Context, router *mux.Router, cfg *config.Config, manager *rbac.Manager, backend *storageBackend, auditing *auditStack, scheduler *review.Scheduler, reviewer *review.Reviewer, logger *observability.Logger) {
	api := router.NewRoute().Subrouter()

	adminRequired := cfg.Server.AdminPermission != ""
	api.Use(middleware.NewCallerMiddleware(!adminRequired).Handler)

	if cfg.Server.RateLimitPerMinute > 0 {
		limits := &middleware.RateLimitConfig{
			RequestsPerWindow: cfg.Server.RateLimitPerMinute,
			WindowDuration:    time.Minute,
			BurstSize:         cfg.Server.RateLimitBurst,
		}
		var limiter middleware.Limiter
		if backend.redis != nil {
			limiter = middleware.NewDistributedRateLimiter(backend.redis, limits, cfg.Storage.RedisKeyPrefix+":ratelimit")
		} else {
			local := middleware.NewRateLimiter(limits)
			local.StartCleanup(ctx)
			limiter = local
		}
		api.Use(middleware.NewRateLimitMiddleware(limiter, logger).Handler)
	}

	if adminRequired {
		// validated by config
		key, _ := rbac.ParsePermissionKey(cfg.Server.AdminPermission)
		api.Use(manager.Middleware().RequirePermission(key))
	}

	api.HandleFunc("/rbac/stats", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteSuccess(w, manager.Stats())
	}).Methods("GET")
	api.HandleFunc("/rbac/review", func(w http.ResponseWriter, r *http.Request) {
		refresh, err := httputil.QueryBool(r, "refresh")
		if err != nil {
			httputil.WriteBadRequest(w, err.Error())
			return
		}
		report, ok := scheduler.LastReport()
		if !ok || refresh {
			report = scheduler.RunReview(r.Context(), reviewer)
		}
		httputil.WriteSuccess(w, report)
	}).Methods("GET")

	manager.RegisterRoutes(api)
	graphview.NewHandlers(manager.Engine()).RegisterRoutes(api)
	if auditing != nil {
		audit.NewHandlers(auditing.store).RegisterRoutes(api)
		if auditing.webhooks != nil {
			webhooks.NewHandlers(auditing.webhooks).RegisterRoutes(api)
		}
	}
}
