package review

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/rolegraph/pkg/observability"
	"github.com/platinummonkey/rolegraph/pkg/rbac"
)

// Exporter persists engine snapshots. snapshot.Store implements it.
type Exporter interface {
	Export(ctx context.Context, snap rbac.Snapshot) (string, error)
}

// Pruner deletes audit events older than a cutoff. audit.SQLStore implements it.
type Pruner interface {
	Cleanup(ctx context.Context, olderThan time.Time) (int64, error)
}

// Scheduler runs review and export jobs on cron schedules. Overlapping runs of the same job
// are skipped and panics are logged.
type Scheduler struct {
	cron    *cron.Cron
	logger  *observability.Logger
	timeout time.Duration

	mu           sync.Mutex
	lastReport   *Report
	exportedGen  uint64
	exportedOnce bool
	lastKey      string
}

// NewScheduler creates a stopped scheduler. Schedules use the standard five field format
// and descriptors such as "@every 15m" or "@daily".
func NewScheduler(logger *observability.Logger) *Scheduler {
	if logger == nil {
		logger = observability.Discard()
	}
	cl := cronLogger{logger: logger.WithField("component", "scheduler")}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger:  logger,
		timeout: 5 * time.Minute,
	}
}

// AddReview schedules a conflict review
func (s *Scheduler) AddReview(schedule string, reviewer *Reviewer) error {
	_, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		s.RunReview(ctx, reviewer)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule conflict review %q: %w", schedule, err)
	}
	s.logger.WithField("schedule", schedule).Info("Conflict review scheduled")
	return nil
}

// AddSnapshotExport schedules a snapshot export of engine
func (s *Scheduler) AddSnapshotExport(schedule string, engine *rbac.Engine, exporter Exporter) error {
	_, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if _, err := s.RunExport(ctx, engine, exporter); err != nil {
			s.logger.WithError(err).Error("Snapshot export failed")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule snapshot export %q: %w", schedule, err)
	}
	s.logger.WithField("schedule", schedule).Info("Snapshot export scheduled")
	return nil
}

// AddAuditCleanup schedules pruning of audit events older than retention
func (s *Scheduler) AddAuditCleanup(schedule string, retention time.Duration, pruner Pruner) error {
	if retention <= 0 {
		return fmt.Errorf("audit retention must be positive")
	}
	_, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if _, err := s.RunAuditCleanup(ctx, time.Now().Add(-retention), pruner); err != nil {
			s.logger.WithError(err).Error("Audit cleanup failed")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule audit cleanup %q: %w", schedule, err)
	}
	s.logger.WithFields(map[string]interface{}{
		"schedule":  schedule,
		"retention": retention.String(),
	}).Info("Audit cleanup scheduled")
	return nil
}

// RunAuditCleanup prunes events older than cutoff and returns how many were removed
func (s *Scheduler) RunAuditCleanup(ctx context.Context, cutoff time.Time, pruner Pruner) (int64, error) {
	removed, err := pruner.Cleanup(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("audit cleanup: %w", err)
	}
	if removed > 0 {
		s.logger.WithFields(map[string]interface{}{
			"removed": removed,
			"cutoff":  cutoff.UTC().Format(time.RFC3339),
		}).Info("Pruned audit events")
	}
	return removed, nil
}

// RunReview runs a review now and remembers its report
func (s *Scheduler) RunReview(ctx context.Context, reviewer *Reviewer) Report {
	report := reviewer.Review(ctx)
	s.mu.Lock()
	s.lastReport = &report
	s.mu.Unlock()
	return report
}

// RunExport exports a snapshot unless the graph has not changed since the last export.
// It returns the written key, or "" when the export was skipped.
func (s *Scheduler) RunExport(ctx context.Context, engine *rbac.Engine, exporter Exporter) (string, error) {
	gen := engine.Generation()

	s.mu.Lock()
	unchanged := s.exportedOnce && s.exportedGen == gen
	s.mu.Unlock()
	if unchanged {
		s.logger.WithField("generation", gen).Debug("Graph unchanged, skipping snapshot export")
		return "", nil
	}

	snap := engine.Snapshot()
	key, err := exporter.Export(ctx, snap)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.exportedGen = snap.Generation
	s.exportedOnce = true
	s.lastKey = key
	s.mu.Unlock()
	return key, nil
}

// LastReport returns the most recent review, if any ran
func (s *Scheduler) LastReport() (Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastReport == nil {
		return Report{}, false
	}
	return *s.lastReport, true
}

// LastExport returns the key of the most recent snapshot export
func (s *Scheduler) LastExport() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastKey
}

// Start runs the scheduler in the background
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling and waits for running jobs, or for ctx to end
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// cronLogger adapts observability.Logger to cron.Logger
type cronLogger struct {
	logger *observability.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(kvFields(keysAndValues)).WithError(err).Error(msg)
}

func kvFields(keysAndValues []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}
