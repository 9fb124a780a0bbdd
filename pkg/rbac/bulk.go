package rbac

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// BulkAssign applies one effect, priority and condition set to every role x permission
// pair as a single write. Every pair is validated before anything changes; if any pair is
// rejected the call fails with ErrValidation, lists the rejections in Failed and mutates
// nothing. Created counts pairs that had no active rule, Replaced counts pairs whose active
// rule was superseded.
func (e *Engine) BulkAssign(ctx context.Context, req BulkRequest) (BulkResult, error) {
	const op = "bulk_assign"

	ctx, span := e.tracer.Start(ctx, "rbac.BulkAssign", trace.WithAttributes(
		attribute.Int("rbac.roles", len(req.RoleIDs)),
		attribute.Int("rbac.permissions", len(req.PermissionIDs)),
	))
	defer span.End()

	roleIDs := uniqueRoleIDs(req.RoleIDs)
	permIDs := uniquePermissionIDs(req.PermissionIDs)

	// validation and mutation share one critical section
	e.mu.Lock()
	defer e.mu.Unlock()

	if failed := e.validateBulk(req, roleIDs, permIDs); len(failed) > 0 {
		err := fmt.Errorf("%w: bulk assignment rejected, %d problem(s)", ErrValidation, len(failed))
		spanError(span, err)
		return BulkResult{Failed: failed}, e.fail(op, err)
	}

	var (
		result BulkResult
		batch  []PermissionRule
		now    = e.now()
	)
	for _, roleID := range roleIDs {
		for _, permID := range permIDs {
			writes, replaced := e.replacement(roleID, permID, req.Effect, req.Priority, req.Conditions, now)
			batch = append(batch, writes...)
			if replaced {
				result.Replaced++
			} else {
				result.Created++
			}
		}
	}

	if err := e.repo.SaveRules(ctx, batch); err != nil {
		err = fmt.Errorf("failed to save bulk assignment: %w", err)
		spanError(span, err)
		return BulkResult{}, e.fail(op, err)
	}
	e.applyRules(batch)
	e.commit(ctx, op, "", map[string]any{
		"roles":    len(roleIDs),
		"perms":    len(permIDs),
		"created":  result.Created,
		"replaced": result.Replaced,
		"effect":   string(req.Effect),
		"priority": req.Priority,
	})

	span.SetAttributes(
		attribute.Int("rbac.created", result.Created),
		attribute.Int("rbac.replaced", result.Replaced),
	)
	e.logger.WithFields(map[string]interface{}{
		"op":       op,
		"roles":    len(roleIDs),
		"perms":    len(permIDs),
		"created":  result.Created,
		"replaced": result.Replaced,
		"effect":   req.Effect,
		"priority": req.Priority,
	}).Info("Bulk assignment applied")
	return result, nil
}

// validateBulk collects every reason the request cannot be applied. Callers hold the
// write lock.
func (e *Engine) validateBulk(req BulkRequest, roleIDs []RoleID, permIDs []PermissionID) []PairFailure {
	var failed []PairFailure

	if len(roleIDs) == 0 {
		failed = append(failed, PairFailure{Reason: "no role ids given"})
	}
	if len(permIDs) == 0 {
		failed = append(failed, PairFailure{Reason: "no permission ids given"})
	}
	if err := validateRuleValues(req.Effect, req.Priority, req.Conditions); err != nil {
		failed = append(failed, PairFailure{Reason: err.Error()})
	}

	for _, id := range roleIDs {
		role, ok := e.g.roles[id]
		switch {
		case !ok:
			failed = append(failed, PairFailure{RoleID: id, Reason: roleNotFound(id).Error()})
		case role.IsProtected:
			failed = append(failed, PairFailure{RoleID: id, Reason: fmt.Sprintf("rules of %s are protected", role.Name)})
		}
	}
	for _, id := range permIDs {
		if _, ok := e.g.permissions[id]; !ok {
			failed = append(failed, PairFailure{PermissionID: id, Reason: permissionNotFound(id).Error()})
		}
	}
	return failed
}

func uniqueRoleIDs(ids []RoleID) []RoleID {
	seen := make(map[RoleID]struct{}, len(ids))
	out := make([]RoleID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func uniquePermissionIDs(ids []PermissionID) []PermissionID {
	seen := make(map[PermissionID]struct{}, len(ids))
	out := make([]PermissionID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
