package rbac

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/rolegraph/pkg/observability"
)

// MetricsRecorder receives engine measurements. observability.Metrics implements it.
type MetricsRecorder interface {
	ObserveDecision(effect string, cached bool, duration time.Duration)
	ObserveCache(hit bool)
	ObserveMutation(op string, err error)
	SetGeneration(generation uint64)
}

type noopMetrics struct{}

func (noopMetrics) ObserveDecision(string, bool, time.Duration) {}
func (noopMetrics) ObserveCache(bool)                           {}
func (noopMetrics) ObserveMutation(string, error)               {}
func (noopMetrics) SetGeneration(uint64)                        {}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the engine logger
func WithLogger(logger *observability.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(metrics MetricsRecorder) Option {
	return func(e *Engine) {
		if metrics != nil {
			e.metrics = metrics
		}
	}
}

// WithConfig sets the engine configuration
func WithConfig(config Config) Option {
	return func(e *Engine) {
		e.config = config
	}
}

// WithClock overrides the time source used for timestamps
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithIDGenerator overrides how role, permission and rule ids are generated
func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) {
		if newID != nil {
			e.newID = newID
		}
	}
}

// Engine is the in-memory permission graph: role hierarchy, permission catalog and rule
// store, with the resolver, conflict detector and bulk service on top. Reads run
// concurrently under a shared lock; mutations are serialized, persisted through the
// repository first, then applied in memory, and finally bump the generation that
// invalidates every cached effective permission set.
type Engine struct {
	mu         sync.RWMutex
	g          *graph
	generation atomic.Uint64
	cache      *decisionCache

	repo    Repository
	config  Config
	logger  *observability.Logger
	metrics MetricsRecorder
	tracer  trace.Tracer
	now     func() time.Time
	newID   func() string

	listeners []ChangeListener
}

// NewEngine hydrates an engine from the repository
func NewEngine(ctx context.Context, repo Repository, opts ...Option) (*Engine, error) {
	if repo == nil {
		return nil, fmt.Errorf("%w: repository is required", ErrValidation)
	}

	e := &Engine{
		repo:    repo,
		config:  DefaultConfig(),
		logger:  observability.Discard(),
		metrics: noopMetrics{},
		tracer:  otel.Tracer("github.com/platinummonkey/rolegraph/pkg/rbac"),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.config.WildcardPolicy == "" {
		e.config.WildcardPolicy = WildcardMerge
	}
	if err := e.config.Validate(); err != nil {
		return nil, err
	}
	e.cache = newDecisionCache(e.config.CacheSize, e.config.CacheTTL)

	g, err := e.hydrate(ctx)
	if err != nil {
		return nil, err
	}
	e.g = g
	e.metrics.SetGeneration(e.generation.Load())

	e.logger.WithFields(map[string]interface{}{
		"roles":       len(g.roles),
		"permissions": len(g.permissions),
		"rules":       len(g.rules),
	}).Info("Permission graph loaded")

	return e, nil
}

func (e *Engine) hydrate(ctx context.Context) (*graph, error) {
	roles, err := e.repo.LoadRoles(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load roles: %w", err)
	}
	permissions, err := e.repo.LoadPermissions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load permissions: %w", err)
	}
	rules, err := e.repo.LoadRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	for i := range rules {
		rules[i].Conditions = cloneConditions(rules[i].Conditions)
	}
	return buildGraph(roles, permissions, rules, e.config.MaxDepth)
}

// Reload re-hydrates the graph from the repository, for example after another process
// changed the store. Cached sets are invalidated.
func (e *Engine) Reload(ctx context.Context) error {
	ctx, span := e.tracer.Start(ctx, "rbac.Reload")
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()

	g, err := e.hydrate(ctx)
	if err != nil {
		spanError(span, err)
		return e.fail("reload", err)
	}
	e.g = g
	e.cache.purge()
	e.commit(ctx, "reload", "", map[string]any{
		"roles":       len(g.roles),
		"permissions": len(g.permissions),
		"rules":       len(g.rules),
	})

	e.logger.WithFields(map[string]interface{}{
		"roles":       len(g.roles),
		"permissions": len(g.permissions),
		"rules":       len(g.rules),
		"generation":  e.generation.Load(),
	}).Info("Permission graph reloaded")
	return nil
}

// commit publishes a mutation: chains are recomputed lazily, cached sets go stale and
// listeners see the change. Callers hold the write lock.
func (e *Engine) commit(ctx context.Context, op, subject string, details map[string]any) {
	e.g.invalidateChains()
	gen := e.generation.Add(1)
	e.metrics.SetGeneration(gen)
	e.metrics.ObserveMutation(op, nil)
	e.notify(ctx, Change{
		Op:         op,
		Generation: gen,
		At:         e.now(),
		Subject:    subject,
		Details:    details,
	})
}

// fail records a rejected mutation and returns err unchanged
func (e *Engine) fail(op string, err error) error {
	e.metrics.ObserveMutation(op, err)
	e.logger.WithField("op", op).WithError(err).Debug("Mutation rejected")
	return err
}

// Generation returns the current mutation counter
func (e *Engine) Generation() uint64 {
	return e.generation.Load()
}

// CacheStats returns effective permission cache statistics
func (e *Engine) CacheStats() CacheStats {
	return e.cache.stats(e.generation.Load())
}

// Stats summarises the loaded graph
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	stats := Stats{
		Roles:       len(e.g.roles),
		Permissions: len(e.g.permissions),
		ActiveRules: len(e.g.active),
		Cache:       e.CacheStats(),
	}
	stats.RevokedRules = len(e.g.rules) - stats.ActiveRules
	for _, role := range e.g.roles {
		if !role.IsActive {
			stats.InactiveRoles++
		}
	}
	return stats
}

// Snapshot exports the whole graph, including revoked rules
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	snap := Snapshot{
		Roles:       make([]Role, 0, len(e.g.roles)),
		Permissions: make([]Permission, 0, len(e.g.permissions)),
		Rules:       make([]PermissionRule, 0, len(e.g.rules)),
		Generation:  e.generation.Load(),
		TakenAt:     e.now(),
	}
	for _, role := range e.g.roles {
		snap.Roles = append(snap.Roles, copyRole(role))
	}
	for _, perm := range e.g.permissions {
		snap.Permissions = append(snap.Permissions, *perm)
	}
	for _, rule := range e.g.rules {
		snap.Rules = append(snap.Rules, copyRule(rule))
	}
	sort.Slice(snap.Roles, func(i, j int) bool { return snap.Roles[i].ID < snap.Roles[j].ID })
	sort.Slice(snap.Permissions, func(i, j int) bool { return snap.Permissions[i].ID < snap.Permissions[j].ID })
	sort.Slice(snap.Rules, func(i, j int) bool { return snap.Rules[i].ID < snap.Rules[j].ID })
	return snap
}

func copyRole(role *Role) Role {
	out := *role
	if role.ParentRoleID != nil {
		parent := *role.ParentRoleID
		out.ParentRoleID = &parent
	}
	return out
}

func copyRule(rule *PermissionRule) PermissionRule {
	out := *rule
	out.Conditions = cloneConditions(rule.Conditions)
	if rule.RevokedAt != nil {
		revoked := *rule.RevokedAt
		out.RevokedAt = &revoked
	}
	return out
}

func spanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func roleAttrs(roleIDs []RoleID) attribute.KeyValue {
	return attribute.StringSlice("rbac.role_ids", roleIDStrings(roleIDs))
}

func roleIDStrings(roleIDs []RoleID) []string {
	ids := make([]string, len(roleIDs))
	for i, id := range roleIDs {
		ids[i] = string(id)
	}
	return ids
}
