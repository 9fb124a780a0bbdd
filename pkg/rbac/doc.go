// Package rbac resolves hierarchical role-based permissions.
//
// # Overview
//
// The package keeps a permission graph in memory and answers one question quickly and
// consistently: may this set of roles use this permission key, in this request context?
// It is built from five parts that share a single Engine:
//
//  1. Role hierarchy: roles form a forest. Each role has at most one parent and inherits
//     every rule of its ancestors. Cycles are rejected and chains are bounded by
//     Config.MaxDepth.
//  2. Permission catalog: permissions are registered by key, "resource.action" for every
//     instance of a resource type or "resource.action:id" for one instance.
//  3. Rule store: a rule binds one role to one permission with an effect (allow or deny), a
//     priority in [0, 100] and optional conditions. A role holds at most one active rule per
//     permission; assigning again revokes the old rule and keeps it as history.
//  4. Conflict detector: reports keys where a role's ancestor chain holds both an allow and
//     a deny rule, with a severity and the same winner the resolver would pick.
//  5. Resolver and bulk assignment: Resolve decides a key, EffectivePermissions renders a
//     role set's whole matrix, and BulkAssign applies one rule to many pairs atomically.
//
// # Precedence
//
// Resolution gathers the active rules for the key (and, for an instance key, its wildcard)
// from every active role on the ancestor chains of the requested roles, drops conditional
// rules whose conditions do not hold, then:
//
//	highest priority wins
//	deny wins ties at the highest priority
//	no rule at all is a deny
//
// Rules owned by an inactive role are skipped, but its ancestors still apply.
//
// With WildcardMerge (the default) wildcard and instance rules compete in one set. With
// InstanceFirst a wildcard rule only counts when no instance rule applies.
//
// # Conditions
//
// Conditions map attribute names to a string, number or boolean, or to a list of them:
//
//	rbac.Conditions{"department": []any{"legal", "finance"}, "mfa": true}
//
// Every attribute must be present in the request context. A list condition matches when
// the context value is one of the listed values; a list context value matches when it
// contains the expected value. Numbers compare as float64, so 3 and 3.0 are equal.
//
// # Usage
//
//	engine, err := rbac.NewEngine(ctx, rbac.NewMemoryRepository())
//	if err != nil {
//		return err
//	}
//	viewer, _ := engine.CreateRole(ctx, rbac.RoleSpec{Name: "Viewer"})
//	admin, _ := engine.CreateRole(ctx, rbac.RoleSpec{Name: "Admin", ParentRoleID: &viewer.ID})
//	read, _ := engine.RegisterPermission(ctx, rbac.PermissionSpec{Key: rbac.NewPermissionKey("document", "read")})
//	_, err = engine.AssignRule(ctx, rbac.RuleSpec{
//		RoleID:       viewer.ID,
//		PermissionID: read.ID,
//		Effect:       rbac.EffectAllow,
//		Priority:     10,
//	})
//
//	d := engine.Resolve(ctx, []rbac.RoleID{admin.ID}, read.Key, nil)
//	// d.Allowed == true, d.RoleName == "Viewer"
//
// # Consistency
//
// Reads run concurrently. Mutations are serialized: each one is written through the
// Repository first and only then applied in memory, so a failed write leaves the graph as
// it was. Every successful mutation advances Generation, which makes every cached
// effective permission set stale; a Resolve that starts after a mutation returns always
// sees it.
//
// Listeners registered with WithChangeListener receive a Change for each committed
// mutation, stamped with the new generation and the caller's roles and request id.
// Rejected mutations and no-op revokes produce none.
//
// # Persistence
//
// MemoryRepository serves tests and seeded deployments. Store persists to PostgreSQL or
// SQLite through database/sql after RunMigrations. Snapshot and RestoreSnapshot move a
// whole graph between repositories.
//
// # HTTP
//
// Handlers exposes the engine as a JSON admin API under /rbac, and PermissionMiddleware
// guards other handlers with RequirePermission, RequireAnyPermission,
// RequireAllPermissions and RequireInstancePermission. The caller's roles and attributes
// are read from the request context (see WithRoles and WithAttributes). Engine errors map
// to status codes through StatusForError.
package rbac
