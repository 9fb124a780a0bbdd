package main

import (
	"context"
	"fmt"

	"github.com/platinummonkey/rolegraph/pkg/audit"
	"github.com/platinummonkey/rolegraph/pkg/config"
	"github.com/platinummonkey/rolegraph/pkg/observability"
	"github.com/platinummonkey/rolegraph/pkg/webhooks"
)

// auditStack is the audit trail and the sinks fed from it
type auditStack struct {
	store    audit.Store
	pruner   *audit.SQLStore
	recorder *audit.Recorder
	webhooks *webhooks.Manager
}

// openAudit builds the audit store, the optional file and webhook sinks, and the recorder
// that feeds them engine changes. It returns nil when auditing is disabled.
func openAudit(ctx context.Context, cfg config.AuditConfig, backend *storageBackend, logger *observability.Logger) (*auditStack, error) {
	if !cfg.Enabled {
		logger.Info("Audit trail disabled")
		return nil, nil
	}

	stack := &auditStack{}
	if backend.db != nil {
		store, err := audit.NewSQLStore(ctx, backend.db)
		if err != nil {
			return nil, err
		}
		stack.store = store
		stack.pruner = store
	} else {
		stack.store = audit.NewMemoryStore(cfg.MemoryCapacity)
	}
	sinks := []audit.Logger{stack.store}

	if cfg.FilePath != "" {
		file, err := audit.NewFileLogger(audit.FileLoggerConfig{
			BasePath: cfg.FilePath,
			Rotate:   true,
			MaxSize:  cfg.FileMaxSize,
			MaxFiles: cfg.FileMaxFiles,
		})
		if err != nil {
			return nil, fmt.Errorf("audit file: %w", err)
		}
		sinks = append(sinks, file)
	}

	if cfg.WebhooksEnabled {
		hooks := webhooks.DefaultConfig()
		hooks.Timeout = cfg.WebhookTimeout
		hooks.RetryInterval = cfg.WebhookRetryInterval
		hooks.Retry.MaxAttempts = cfg.WebhookMaxAttempts
		hooks.RateLimit = cfg.WebhookRateLimit
		hooks.Logger = logger.WithField("component", "webhooks")
		stack.webhooks = webhooks.NewManager(hooks)
		stack.webhooks.StartRetryWorker(ctx)
		sinks = append(sinks, stack.webhooks)
	}

	stack.recorder = audit.NewRecorder(ctx, audit.NewMultiLogger(sinks...), audit.RecorderConfig{
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
		AppLogger: logger.WithField("component", "audit"),
	})
	logger.WithFields(map[string]interface{}{
		"sinks":    len(sinks),
		"webhooks": cfg.WebhooksEnabled,
	}).Info("Audit trail enabled")
	return stack, nil
}
