package rbac

import (
	"fmt"
	"sort"
	"strings"
)

// candidate is an active rule reachable from a role set for one permission key, before
// conditions are evaluated. Candidates hold copies so a cached set never observes later
// mutations.
type candidate struct {
	rule     PermissionRule
	roleName string
	distance int  // 0 for a role in the requested set, 1 for its parent, ...
	instance bool // rule targets the exact resource instance rather than the wildcard
}

// collectCandidates walks the ancestor chain of every role in roleIDs and gathers the active
// rules for key. Rules owned by inactive roles are skipped, but the walk still continues to
// their ancestors. A role reached through several chains is counted once at its nearest
// distance.
func (g *graph) collectCandidates(roleIDs []RoleID, key PermissionKey) []candidate {
	distances := g.reachable(roleIDs)

	type target struct {
		id       PermissionID
		instance bool
	}
	var targets []target
	if id, ok := g.keys[key]; ok {
		targets = append(targets, target{id: id, instance: !key.IsWildcard()})
	}
	if !key.IsWildcard() {
		if id, ok := g.keys[key.Wildcard()]; ok {
			targets = append(targets, target{id: id})
		}
	}
	if len(targets) == 0 {
		return nil
	}

	var out []candidate
	for roleID, distance := range distances {
		role := g.roles[roleID]
		if !role.IsActive {
			continue
		}
		for _, t := range targets {
			rule, ok := g.activeRule(roleID, t.id)
			if !ok {
				continue
			}
			out = append(out, candidate{
				rule:     *rule,
				roleName: role.Name,
				distance: distance,
				instance: t.instance,
			})
		}
	}
	sortCandidates(out)
	return out
}

// reachable maps every role on the ancestor chains of roleIDs to its nearest distance.
// Unknown role ids contribute nothing.
func (g *graph) reachable(roleIDs []RoleID) map[RoleID]int {
	distances := make(map[RoleID]int)
	for _, id := range roleIDs {
		for distance, ancestor := range g.chain(id) {
			if prev, seen := distances[ancestor]; !seen || distance < prev {
				distances[ancestor] = distance
			}
		}
	}
	return distances
}

// keysFor returns every permission key with an active rule on an active role reachable
// from roleIDs, sorted by string form.
func (g *graph) keysFor(roleIDs []RoleID) []PermissionKey {
	seen := make(map[PermissionKey]struct{})
	for roleID := range g.reachable(roleIDs) {
		if !g.roles[roleID].IsActive {
			continue
		}
		for _, rule := range g.activeRulesOf(roleID) {
			seen[g.permissions[rule.PermissionID].Key] = struct{}{}
		}
	}
	keys := make([]PermissionKey, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// sortCandidates orders candidates for the tie-break: nearest role first, then oldest rule
func sortCandidates(cands []candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.distance != b.distance {
			return a.distance < b.distance
		}
		if !a.rule.CreatedAt.Equal(b.rule.CreatedAt) {
			return a.rule.CreatedAt.Before(b.rule.CreatedAt)
		}
		return a.rule.ID < b.rule.ID
	})
}

// selectCandidates keeps the candidates whose conditions hold against attrs, then applies the
// wildcard policy. A nil attrs map drops every conditional rule.
func selectCandidates(cands []candidate, attrs map[string]any, policy WildcardPolicy) []candidate {
	out := make([]candidate, 0, len(cands))
	for _, c := range cands {
		if c.rule.IsConditional() && !matchConditions(c.rule.Conditions, attrs) {
			continue
		}
		out = append(out, c)
	}
	return scopeCandidates(out, policy)
}

// scopeCandidates drops wildcard candidates under InstanceFirst when an instance candidate
// is present
func scopeCandidates(cands []candidate, policy WildcardPolicy) []candidate {
	if policy != InstanceFirst {
		return cands
	}
	hasInstance := false
	for _, c := range cands {
		if c.instance {
			hasInstance = true
			break
		}
	}
	if !hasInstance {
		return cands
	}
	out := make([]candidate, 0, len(cands))
	for _, c := range cands {
		if c.instance {
			out = append(out, c)
		}
	}
	return out
}

// verdict is the outcome of precedence over a candidate set
type verdict struct {
	effect  Effect
	matched bool
	winner  candidate
	top     int // candidates sharing the winning priority
	opposed int // of those, how many carry the losing effect
	total   int
}

// applyPrecedence decides a candidate set: highest priority wins, deny wins ties at the top
// priority, and an empty set is denied. Candidates must already be in tie-break order.
func applyPrecedence(cands []candidate) verdict {
	v := verdict{effect: EffectDeny, total: len(cands)}
	if len(cands) == 0 {
		return v
	}

	best := MinPriority - 1
	for _, c := range cands {
		if c.rule.Priority > best {
			best = c.rule.Priority
		}
	}

	effect := EffectAllow
	for _, c := range cands {
		if c.rule.Priority == best && c.rule.Effect == EffectDeny {
			effect = EffectDeny
			break
		}
	}

	v.effect = effect
	v.matched = true
	found := false
	for _, c := range cands {
		if c.rule.Priority != best {
			continue
		}
		v.top++
		if c.rule.Effect != effect {
			v.opposed++
			continue
		}
		if !found {
			v.winner = c
			found = true
		}
	}
	return v
}

// explain renders the verdict for audit logs and conflict reports. The text always starts
// with the winning effect.
func explain(key PermissionKey, v verdict) string {
	if !v.matched {
		return fmt.Sprintf("%s wins: no rule matches %s, default deny", EffectDeny, key)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s wins: rule %s on role %q at priority %d", v.effect, v.winner.rule.ID, v.winner.roleName, v.winner.rule.Priority)
	switch {
	case v.opposed > 0:
		fmt.Fprintf(&b, " ties with %d %s rule(s), deny wins ties", v.opposed, EffectAllow)
	case v.total > v.top:
		fmt.Fprintf(&b, " outranks %d lower-priority rule(s)", v.total-v.top)
	}
	if v.winner.distance > 0 {
		fmt.Fprintf(&b, " (inherited, %d level(s) up)", v.winner.distance)
	}
	return b.String()
}

// decide runs the shared pipeline for one key
func decide(key PermissionKey, cands []candidate, attrs map[string]any, policy WildcardPolicy) Decision {
	v := applyPrecedence(selectCandidates(cands, attrs, policy))
	d := Decision{
		Key:     key,
		Effect:  v.effect,
		Allowed: v.effect == EffectAllow,
		Matched: v.matched,
		Reason:  explain(key, v),
	}
	if v.matched {
		d.RoleID = v.winner.rule.RoleID
		d.RoleName = v.winner.roleName
		d.RuleID = v.winner.rule.ID
		d.Priority = v.winner.rule.Priority
	}
	return d
}
