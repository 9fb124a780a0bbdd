package storage

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/rolegraph/pkg/rbac"
)

var tracer = otel.Tracer("github.com/platinummonkey/rolegraph/pkg/storage")

// Observer receives one callback per repository call
type Observer interface {
	ObserveStorage(operation, backend string, d time.Duration, err error)
}

var _ rbac.Repository = (*InstrumentedRepository)(nil)

// InstrumentedRepository wraps a repository with spans and per-operation metrics
type InstrumentedRepository struct {
	next     rbac.Repository
	backend  string
	observer Observer
}

// Instrument wraps repo. backend labels the metrics and spans ("postgres", "redis", ...).
func Instrument(repo rbac.Repository, backend string, observer Observer) *InstrumentedRepository {
	return &InstrumentedRepository{next: repo, backend: backend, observer: observer}
}

func (r *InstrumentedRepository) observe(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	attrs = append(attrs,
		attribute.String("storage.operation", op),
		attribute.String("storage.backend", r.backend),
	)
	ctx, span := tracer.Start(ctx, "Repository."+op, trace.WithAttributes(attrs...))
	start := time.Now()

	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if r.observer != nil {
			r.observer.ObserveStorage(op, r.backend, time.Since(start), err)
		}
	}
}

func (r *InstrumentedRepository) LoadRoles(ctx context.Context) ([]rbac.Role, error) {
	ctx, done := r.observe(ctx, "load_roles")
	roles, err := r.next.LoadRoles(ctx)
	done(err)
	return roles, err
}

func (r *InstrumentedRepository) LoadPermissions(ctx context.Context) ([]rbac.Permission, error) {
	ctx, done := r.observe(ctx, "load_permissions")
	perms, err := r.next.LoadPermissions(ctx)
	done(err)
	return perms, err
}

func (r *InstrumentedRepository) LoadRules(ctx context.Context) ([]rbac.PermissionRule, error) {
	ctx, done := r.observe(ctx, "load_rules")
	rules, err := r.next.LoadRules(ctx)
	done(err)
	return rules, err
}

func (r *InstrumentedRepository) SaveRole(ctx context.Context, role rbac.Role) error {
	ctx, done := r.observe(ctx, "save_role", attribute.String("role.id", string(role.ID)))
	err := r.next.SaveRole(ctx, role)
	done(err)
	return err
}

func (r *InstrumentedRepository) DeleteRoles(ctx context.Context, ids []rbac.RoleID) error {
	ctx, done := r.observe(ctx, "delete_roles", attribute.Int("role.count", len(ids)))
	err := r.next.DeleteRoles(ctx, ids)
	done(err)
	return err
}

func (r *InstrumentedRepository) SavePermission(ctx context.Context, perm rbac.Permission) error {
	ctx, done := r.observe(ctx, "save_permission", attribute.String("permission.id", string(perm.ID)))
	err := r.next.SavePermission(ctx, perm)
	done(err)
	return err
}

func (r *InstrumentedRepository) DeletePermission(ctx context.Context, id rbac.PermissionID) error {
	ctx, done := r.observe(ctx, "delete_permission", attribute.String("permission.id", string(id)))
	err := r.next.DeletePermission(ctx, id)
	done(err)
	return err
}

func (r *InstrumentedRepository) SaveRules(ctx context.Context, rules []rbac.PermissionRule) error {
	ctx, done := r.observe(ctx, "save_rules", attribute.Int("rule.count", len(rules)))
	err := r.next.SaveRules(ctx, rules)
	done(err)
	return err
}
