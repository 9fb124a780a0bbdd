// Package observability provides structured logging, Prometheus and OpenTelemetry metrics,
// tracing setup, health checks, and graceful shutdown for the rolegraph service.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("role_id", id).Info("role created")
//
// # Metrics
//
// Metrics and OTelMetrics both satisfy the engine's recorder callbacks. FanOut combines them:
//
//	prom := observability.NewMetrics(prometheus.NewRegistry())
//	engine, err := rbac.NewEngine(ctx, repo, rbac.WithMetrics(observability.FanOut(prom, otelMetrics)))
//	router.Handle("/metrics", prom.Handler())
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(version)
//	checker.AddDatabase(db)
//	observability.RegisterHealthRoutes(router, checker)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:     true,
//		Endpoint:    "otel-collector:4317",
//		ServiceName: "rolegraph",
//	}, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
package observability
