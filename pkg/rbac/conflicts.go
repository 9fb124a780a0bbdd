package rbac

import (
	"sort"
)

// DetectConflicts reports every permission key on which the role's ancestor chain holds
// both an allow and a deny rule. The winner and resolution text come from the same
// precedence the resolver uses with an empty request context, so the report always agrees
// with Resolve([roleID], key, {}).
func (e *Engine) DetectConflicts(roleID RoleID) []ConflictReport {
	return e.DetectConflictsForRoles([]RoleID{roleID})
}

// DetectConflictsForRoles is DetectConflicts over the merged chains of a role set
func (e *Engine) DetectConflictsForRoles(roleIDs []RoleID) []ConflictReport {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ids := fingerprint(roleIDs)
	return e.detectLocked(ids)
}

// DetectAllConflicts runs DetectConflicts for every role and returns the non-empty reports
func (e *Engine) DetectAllConflicts() map[RoleID][]ConflictReport {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make(map[RoleID][]ConflictReport)
	for id := range e.g.roles {
		if reports := e.detectLocked([]RoleID{id}); len(reports) > 0 {
			out[id] = reports
		}
	}
	return out
}

func (e *Engine) detectLocked(roleIDs []RoleID) []ConflictReport {
	var reports []ConflictReport
	for _, key := range e.g.keysFor(roleIDs) {
		cands := e.g.collectCandidates(roleIDs, key)
		contributors := scopeCandidates(cands, e.config.WildcardPolicy)
		if !hasBothEffects(contributors) {
			continue
		}

		d := decide(key, cands, nil, e.config.WildcardPolicy)
		reports = append(reports, ConflictReport{
			Key:        key,
			Rules:      conflictingRules(contributors),
			Severity:   severityOf(contributors),
			Winner:     d.Effect,
			Resolution: d.Reason,
		})
	}
	return reports
}

func hasBothEffects(cands []candidate) bool {
	var allow, deny bool
	for _, c := range cands {
		switch c.rule.Effect {
		case EffectAllow:
			allow = true
		case EffectDeny:
			deny = true
		}
	}
	return allow && deny
}

// severityOf compares the strongest allow with the strongest deny: equal is high, within
// ten is medium, anything further apart is low
func severityOf(cands []candidate) Severity {
	maxAllow, maxDeny := MinPriority-1, MinPriority-1
	for _, c := range cands {
		switch c.rule.Effect {
		case EffectAllow:
			maxAllow = max(maxAllow, c.rule.Priority)
		case EffectDeny:
			maxDeny = max(maxDeny, c.rule.Priority)
		}
	}
	diff := maxAllow - maxDeny
	if diff < 0 {
		diff = -diff
	}
	switch {
	case diff == 0:
		return SeverityHigh
	case diff <= 10:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func conflictingRules(cands []candidate) []ConflictingRule {
	out := make([]ConflictingRule, 0, len(cands))
	for _, c := range cands {
		out = append(out, ConflictingRule{
			RuleID:      c.rule.ID,
			RoleID:      c.rule.RoleID,
			RoleName:    c.roleName,
			Effect:      c.rule.Effect,
			Priority:    c.rule.Priority,
			Conditional: c.rule.IsConditional(),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Effect == EffectDeny && out[j].Effect != EffectDeny
	})
	return out
}
