package rbac

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// AssignRule binds a role to a permission. An existing active rule for the same pair is
// revoked and replaced in the same write, so exactly one active rule remains.
func (e *Engine) AssignRule(ctx context.Context, spec RuleSpec) (PermissionRule, error) {
	const op = "assign_rule"

	if err := validateRuleValues(spec.Effect, spec.Priority, spec.Conditions); err != nil {
		return PermissionRule{}, e.fail(op, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkRuleTarget(spec.RoleID, spec.PermissionID); err != nil {
		return PermissionRule{}, e.fail(op, err)
	}

	batch, replaced := e.replacement(spec.RoleID, spec.PermissionID, spec.Effect, spec.Priority, spec.Conditions, e.now())
	if err := e.repo.SaveRules(ctx, batch); err != nil {
		return PermissionRule{}, e.fail(op, fmt.Errorf("failed to save rule: %w", err))
	}
	e.applyRules(batch)
	rule := batch[len(batch)-1]
	e.commit(ctx, op, string(rule.ID), map[string]any{
		"role_id":       string(rule.RoleID),
		"permission_id": string(rule.PermissionID),
		"effect":        string(rule.Effect),
		"priority":      rule.Priority,
		"replaced":      replaced,
	})

	e.logger.WithFields(map[string]interface{}{
		"op":            op,
		"role_id":       rule.RoleID,
		"permission_id": rule.PermissionID,
		"rule_id":       rule.ID,
		"effect":        rule.Effect,
		"priority":      rule.Priority,
		"replaced":      replaced,
	}).Info("Rule assigned")
	return copyRule(&rule), nil
}

// RevokeRule deactivates the active rule for the pair. The rule is kept as a revoked record.
// Revoking a pair without an active rule does nothing.
func (e *Engine) RevokeRule(ctx context.Context, roleID RoleID, permID PermissionID) error {
	const op = "revoke_rule"

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkRuleTarget(roleID, permID); err != nil {
		return e.fail(op, err)
	}
	current, ok := e.g.activeRule(roleID, permID)
	if !ok {
		return nil
	}

	tombstone := revoked(current, e.now())
	if err := e.repo.SaveRules(ctx, []PermissionRule{tombstone}); err != nil {
		return e.fail(op, fmt.Errorf("failed to revoke rule: %w", err))
	}
	e.applyRules([]PermissionRule{tombstone})
	e.commit(ctx, op, string(tombstone.ID), map[string]any{
		"role_id":       string(roleID),
		"permission_id": string(permID),
	})

	e.logger.WithFields(map[string]interface{}{
		"op":            op,
		"role_id":       roleID,
		"permission_id": permID,
		"rule_id":       tombstone.ID,
	}).Info("Rule revoked")
	return nil
}

// RulesForRole returns the active rules assigned directly to the role, without inherited
// ones, sorted by permission key
func (e *Engine) RulesForRole(id RoleID) []PermissionRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := e.g.activeRulesOf(id)
	out := make([]PermissionRule, 0, len(rules))
	for _, rule := range rules {
		out = append(out, copyRule(rule))
	}
	return out
}

// RuleHistory returns every rule ever assigned for the pair, oldest first, revoked ones
// included
func (e *Engine) RuleHistory(roleID RoleID, permID PermissionID) []PermissionRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []PermissionRule
	for id := range e.g.rulesByRole[roleID] {
		if rule := e.g.rules[id]; rule.PermissionID == permID {
			out = append(out, copyRule(rule))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func validateRuleValues(effect Effect, priority int, conds Conditions) error {
	if !effect.Valid() {
		return fmt.Errorf("%w: effect must be %q or %q, got %q", ErrValidation, EffectAllow, EffectDeny, effect)
	}
	if priority < MinPriority || priority > MaxPriority {
		return fmt.Errorf("%w: priority %d outside [%d, %d]", ErrValidation, priority, MinPriority, MaxPriority)
	}
	return validateConditions(conds)
}

// checkRuleTarget requires the role and permission to exist and the role to accept rule
// changes. Callers hold the write lock.
func (e *Engine) checkRuleTarget(roleID RoleID, permID PermissionID) error {
	role, ok := e.g.roles[roleID]
	if !ok {
		return roleNotFound(roleID)
	}
	if _, ok := e.g.permissions[permID]; !ok {
		return permissionNotFound(permID)
	}
	if role.IsProtected {
		return fmt.Errorf("%w: rules of %s are protected", ErrProtectedRole, role.Name)
	}
	return nil
}

// replacement builds the writes for assigning a rule: the revoked predecessor, if any,
// followed by the new rule
func (e *Engine) replacement(roleID RoleID, permID PermissionID, effect Effect, priority int, conds Conditions, now time.Time) ([]PermissionRule, bool) {
	var batch []PermissionRule
	replaced := false
	if current, ok := e.g.activeRule(roleID, permID); ok {
		batch = append(batch, revoked(current, now))
		replaced = true
	}
	batch = append(batch, PermissionRule{
		ID:           RuleID(e.newID()),
		RoleID:       roleID,
		PermissionID: permID,
		Effect:       effect,
		Priority:     priority,
		Conditions:   cloneConditions(conds),
		IsActive:     true,
		CreatedAt:    now,
	})
	return batch, replaced
}

// applyRules installs persisted rules in the arena, in order
func (e *Engine) applyRules(batch []PermissionRule) {
	for i := range batch {
		rule := copyRule(&batch[i])
		e.g.putRule(&rule)
	}
}

func revoked(rule *PermissionRule, at time.Time) PermissionRule {
	out := copyRule(rule)
	out.IsActive = false
	out.RevokedAt = &at
	return out
}
