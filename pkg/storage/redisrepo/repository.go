// Package redisrepo stores the permission graph in Redis hashes.
//
// Layout, with the configured key prefix:
//
//	<prefix>:roles              hash  role id -> role JSON
//	<prefix>:permissions        hash  permission id -> permission JSON
//	<prefix>:rules              hash  rule id -> rule JSON
//	<prefix>:role_rules:<id>    set   rule ids owned by a role
//	<prefix>:perm_rules:<id>    set   rule ids referencing a permission
//
// Every write runs in a MULTI/EXEC transaction so a failed call leaves nothing behind.
package redisrepo

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/rolegraph/pkg/rbac"
)

var _ rbac.Repository = (*Repository)(nil)

// Options configures the client created by Dial
type Options struct {
	URL       string
	Password  string
	DB        int
	PoolSize  int
	KeyPrefix string
}

// Repository implements rbac.Repository on Redis
type Repository struct {
	client *redis.Client
	prefix string
}

// Dial connects to Redis and verifies the connection
func Dial(ctx context.Context, opts Options) (*Repository, error) {
	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if opts.Password != "" {
		redisOpts.Password = opts.Password
	}
	if opts.DB > 0 {
		redisOpts.DB = opts.DB
	}
	if opts.PoolSize > 0 {
		redisOpts.PoolSize = opts.PoolSize
	}
	redisOpts.DialTimeout = 5 * time.Second
	redisOpts.ReadTimeout = 3 * time.Second
	redisOpts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return New(client, opts.KeyPrefix), nil
}

// New wraps an existing client
func New(client *redis.Client, prefix string) *Repository {
	if prefix == "" {
		prefix = "rolegraph"
	}
	return &Repository{client: client, prefix: prefix}
}

// Client returns the underlying client, for health checks
func (r *Repository) Client() *redis.Client {
	return r.client
}

// Close closes the client
func (r *Repository) Close() error {
	return r.client.Close()
}

func (r *Repository) rolesKey() string       { return r.prefix + ":roles" }
func (r *Repository) permissionsKey() string { return r.prefix + ":permissions" }
func (r *Repository) rulesKey() string       { return r.prefix + ":rules" }

func (r *Repository) roleRulesKey(id rbac.RoleID) string {
	return r.prefix + ":role_rules:" + string(id)
}

func (r *Repository) permRulesKey(id rbac.PermissionID) string {
	return r.prefix + ":perm_rules:" + string(id)
}

// loadAll decodes every value of a hash, sorted by field
func loadAll[T any](ctx context.Context, client *redis.Client, key, kind string) ([]T, error) {
	values, err := client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", kind, err)
	}

	fields := make([]string, 0, len(values))
	for field := range values {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	out := make([]T, 0, len(values))
	for _, field := range fields {
		var item T
		if err := json.Unmarshal([]byte(values[field]), &item); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s %s: %w", kind, field, err)
		}
		out = append(out, item)
	}
	return out, nil
}

// LoadRoles returns every role
func (r *Repository) LoadRoles(ctx context.Context) ([]rbac.Role, error) {
	return loadAll[rbac.Role](ctx, r.client, r.rolesKey(), "role")
}

// LoadPermissions returns the whole catalog
func (r *Repository) LoadPermissions(ctx context.Context) ([]rbac.Permission, error) {
	return loadAll[rbac.Permission](ctx, r.client, r.permissionsKey(), "permission")
}

// LoadRules returns every rule, revoked ones included
func (r *Repository) LoadRules(ctx context.Context) ([]rbac.PermissionRule, error) {
	return loadAll[rbac.PermissionRule](ctx, r.client, r.rulesKey(), "rule")
}

// SaveRole inserts or updates a role
func (r *Repository) SaveRole(ctx context.Context, role rbac.Role) error {
	data, err := json.Marshal(role)
	if err != nil {
		return fmt.Errorf("failed to marshal role: %w", err)
	}
	if err := r.client.HSet(ctx, r.rolesKey(), string(role.ID), data).Err(); err != nil {
		return fmt.Errorf("failed to save role: %w", err)
	}
	return nil
}

// DeleteRoles removes the roles together with every rule they own
func (r *Repository) DeleteRoles(ctx context.Context, ids []rbac.RoleID) error {
	// the rule index is read up front so the transaction can unlink permission sets too
	owned := make(map[rbac.RoleID][]rbac.PermissionRule, len(ids))
	for _, id := range ids {
		rules, err := r.rulesOf(ctx, r.roleRulesKey(id))
		if err != nil {
			return err
		}
		owned[id] = rules
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			for _, rule := range owned[id] {
				pipe.HDel(ctx, r.rulesKey(), string(rule.ID))
				pipe.SRem(ctx, r.permRulesKey(rule.PermissionID), string(rule.ID))
			}
			pipe.Del(ctx, r.roleRulesKey(id))
			pipe.HDel(ctx, r.rolesKey(), string(id))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete roles: %w", err)
	}
	return nil
}

// SavePermission inserts or updates a permission
func (r *Repository) SavePermission(ctx context.Context, perm rbac.Permission) error {
	data, err := json.Marshal(perm)
	if err != nil {
		return fmt.Errorf("failed to marshal permission: %w", err)
	}
	if err := r.client.HSet(ctx, r.permissionsKey(), string(perm.ID), data).Err(); err != nil {
		return fmt.Errorf("failed to save permission: %w", err)
	}
	return nil
}

// DeletePermission removes a permission and the rules that still reference it
func (r *Repository) DeletePermission(ctx context.Context, id rbac.PermissionID) error {
	rules, err := r.rulesOf(ctx, r.permRulesKey(id))
	if err != nil {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, rule := range rules {
			pipe.HDel(ctx, r.rulesKey(), string(rule.ID))
			pipe.SRem(ctx, r.roleRulesKey(rule.RoleID), string(rule.ID))
		}
		pipe.Del(ctx, r.permRulesKey(id))
		pipe.HDel(ctx, r.permissionsKey(), string(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete permission: %w", err)
	}
	return nil
}

// SaveRules upserts the rules and their indexes in one transaction
func (r *Repository) SaveRules(ctx context.Context, rules []rbac.PermissionRule) error {
	encoded := make([][]byte, len(rules))
	for i, rule := range rules {
		data, err := json.Marshal(rule)
		if err != nil {
			return fmt.Errorf("failed to marshal rule %s: %w", rule.ID, err)
		}
		encoded[i] = data
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, rule := range rules {
			pipe.HSet(ctx, r.rulesKey(), string(rule.ID), encoded[i])
			pipe.SAdd(ctx, r.roleRulesKey(rule.RoleID), string(rule.ID))
			pipe.SAdd(ctx, r.permRulesKey(rule.PermissionID), string(rule.ID))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save rules: %w", err)
	}
	return nil
}

// rulesOf loads the rules whose ids are members of the index set at key
func (r *Repository) rulesOf(ctx context.Context, key string) ([]rbac.PermissionRule, error) {
	ids, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read rule index %s: %w", key, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	values, err := r.client.HMGet(ctx, r.rulesKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load indexed rules: %w", err)
	}

	rules := make([]rbac.PermissionRule, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// dangling index entry
			rules = append(rules, rbac.PermissionRule{ID: rbac.RuleID(ids[i])})
			continue
		}
		var rule rbac.PermissionRule
		if err := json.Unmarshal([]byte(s), &rule); err != nil {
			return nil, fmt.Errorf("failed to unmarshal rule %s: %w", ids[i], err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}
