package rbac

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/mux"
)

// WildcardPolicy controls how a rule on a wildcard permission (no resource id) competes with
// a rule on an instance permission when a request names a specific instance.
type WildcardPolicy string

const (
	// WildcardMerge puts wildcard and instance rules in the same candidate set
	WildcardMerge WildcardPolicy = "merge"

	// InstanceFirst only considers wildcard rules when no instance rule applies
	InstanceFirst WildcardPolicy = "instance_first"
)

// ParseWildcardPolicy accepts "merge" or "instance_first" (case insensitive)
func ParseWildcardPolicy(s string) (WildcardPolicy, error) {
	switch WildcardPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case WildcardMerge, "":
		return WildcardMerge, nil
	case InstanceFirst:
		return InstanceFirst, nil
	}
	return "", fmt.Errorf("%w: unknown wildcard policy %q", ErrValidation, s)
}

// Config holds engine configuration
type Config struct {
	// MaxDepth is the longest allowed ancestor chain, counting the role itself
	MaxDepth int

	// CacheSize is the number of role-set fingerprints kept in the effective permission cache
	CacheSize int

	// CacheTTL expires cached role sets regardless of generation. Zero disables expiry.
	CacheTTL time.Duration

	// WildcardPolicy decides how wildcard and instance rules combine
	WildcardPolicy WildcardPolicy
}

// DefaultConfig returns default engine configuration
func DefaultConfig() Config {
	return Config{
		MaxDepth:       16,
		CacheSize:      1024,
		CacheTTL:       0,
		WildcardPolicy: WildcardMerge,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.MaxDepth < 1 {
		return fmt.Errorf("%w: max depth must be at least 1", ErrValidation)
	}
	if c.CacheSize < 1 {
		return fmt.Errorf("%w: cache size must be at least 1", ErrValidation)
	}
	if c.CacheTTL < 0 {
		return fmt.Errorf("%w: cache ttl cannot be negative", ErrValidation)
	}
	if _, err := ParseWildcardPolicy(string(c.WildcardPolicy)); err != nil {
		return err
	}
	return nil
}

// Manager bundles the engine with its HTTP surface
type Manager struct {
	engine     *Engine
	handlers   *Handlers
	middleware *PermissionMiddleware
	config     Config
}

// NewManager hydrates an engine from repo and builds the handlers and middleware around it
func NewManager(ctx context.Context, repo Repository, config Config, opts ...Option) (*Manager, error) {
	opts = append([]Option{WithConfig(config)}, opts...)
	engine, err := NewEngine(ctx, repo, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize engine: %w", err)
	}

	return &Manager{
		engine:     engine,
		handlers:   NewHandlers(engine),
		middleware: NewPermissionMiddleware(engine),
		config:     config,
	}, nil
}

// RegisterRoutes registers the admin routes with a router
func (m *Manager) RegisterRoutes(router *mux.Router) {
	m.handlers.RegisterRoutes(router)
}

// Engine returns the engine
func (m *Manager) Engine() *Engine {
	return m.engine
}

// Middleware returns the permission middleware
func (m *Manager) Middleware() *PermissionMiddleware {
	return m.middleware
}

// Stats summarises the loaded graph
type Stats struct {
	Roles         int        `json:"roles"`
	InactiveRoles int        `json:"inactive_roles"`
	Permissions   int        `json:"permissions"`
	ActiveRules   int        `json:"active_rules"`
	RevokedRules  int        `json:"revoked_rules"`
	Cache         CacheStats `json:"cache"`
}

// Stats returns statistics about the loaded graph
func (m *Manager) Stats() Stats {
	return m.engine.Stats()
}
