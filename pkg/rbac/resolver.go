package rbac

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Resolve decides whether the role set may use the permission key in the given request
// context. It never fails: unknown roles, unknown keys and empty role sets resolve to deny.
// Deactivating a role drops only the rules it owns. A subject holding an inactive role still
// inherits the rules of that role's active ancestors; to cut off the whole chain, remove the
// role from the subject's role set.
func (e *Engine) Resolve(ctx context.Context, roleIDs []RoleID, key PermissionKey, attrs map[string]any) Decision {
	start := time.Now()
	_, span := e.tracer.Start(ctx, "rbac.Resolve", trace.WithAttributes(
		attribute.String("rbac.permission_key", key.String()),
		roleAttrs(roleIDs),
	))
	defer span.End()

	e.mu.RLock()
	d := e.resolveLocked(roleIDs, key, attrs)
	e.mu.RUnlock()

	e.metrics.ObserveDecision(string(d.Effect), d.Cached, time.Since(start))
	span.SetAttributes(
		attribute.String("rbac.effect", string(d.Effect)),
		attribute.Bool("rbac.cached", d.Cached),
		attribute.String("rbac.rule_id", string(d.RuleID)),
	)
	e.logger.WithFields(map[string]interface{}{
		"key":     key.String(),
		"effect":  d.Effect,
		"rule_id": d.RuleID,
		"cached":  d.Cached,
	}).Debug("Permission resolved")
	return d
}

// Allowed is shorthand for Resolve(...).Allowed
func (e *Engine) Allowed(ctx context.Context, roleIDs []RoleID, key PermissionKey, attrs map[string]any) bool {
	return e.Resolve(ctx, roleIDs, key, attrs).Allowed
}

// EffectivePermissions resolves every permission key with an active rule anywhere on the
// role set's ancestor chains, with an empty request context. Conditional rules therefore do
// not contribute.
func (e *Engine) EffectivePermissions(ctx context.Context, roleIDs []RoleID) map[PermissionKey]Decision {
	_, span := e.tracer.Start(ctx, "rbac.EffectivePermissions", trace.WithAttributes(roleAttrs(roleIDs)))
	defer span.End()

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, ids := fingerprint(roleIDs)
	keys := e.g.keysFor(ids)
	out := make(map[PermissionKey]Decision, len(keys))
	for _, key := range keys {
		out[key] = e.resolveLocked(ids, key, nil)
	}
	span.SetAttributes(attribute.Int("rbac.keys", len(out)))
	return out
}

// resolveLocked runs the cached pipeline. Callers hold the read lock, so the generation
// cannot advance underneath.
func (e *Engine) resolveLocked(roleIDs []RoleID, key PermissionKey, attrs map[string]any) Decision {
	fp, ids := fingerprint(roleIDs)
	set := e.cache.set(fp, e.generation.Load(), ids)
	cands, hit := e.cache.candidates(fp, set, key, func() []candidate {
		return e.g.collectCandidates(ids, key)
	})
	e.metrics.ObserveCache(hit)

	d := decide(key, cands, attrs, e.config.WildcardPolicy)
	d.Cached = hit
	return d
}
