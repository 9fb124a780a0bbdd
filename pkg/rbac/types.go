package rbac

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// RoleID identifies a role
type RoleID string

// PermissionID identifies a permission in the catalog
type PermissionID string

// RuleID identifies a single permission rule (active or tombstoned)
type RuleID string

// Effect is the outcome a rule contributes to a decision
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Valid reports whether the effect is allow or deny
func (e Effect) Valid() bool {
	return e == EffectAllow || e == EffectDeny
}

// Priority bounds for permission rules
const (
	MinPriority = 0
	MaxPriority = 100
)

// PermissionKey is the identity of a permission: resource type, permission type and an
// optional resource instance. An empty ResourceID applies to every instance.
type PermissionKey struct {
	ResourceType   string `json:"resource_type"`
	PermissionType string `json:"permission_type"`
	ResourceID     string `json:"resource_id,omitempty"`
}

// NewPermissionKey builds a key for all instances of a resource type
func NewPermissionKey(resourceType, permissionType string) PermissionKey {
	return PermissionKey{ResourceType: resourceType, PermissionType: permissionType}
}

// String returns "resource.action" or "resource.action:instance"
func (k PermissionKey) String() string {
	s := k.ResourceType + "." + k.PermissionType
	if k.ResourceID != "" {
		s += ":" + k.ResourceID
	}
	return s
}

// IsWildcard reports whether the key applies to all instances
func (k PermissionKey) IsWildcard() bool {
	return k.ResourceID == ""
}

// Wildcard returns the key with the instance scope removed
func (k PermissionKey) Wildcard() PermissionKey {
	return PermissionKey{ResourceType: k.ResourceType, PermissionType: k.PermissionType}
}

// ForInstance returns the key scoped to a single resource instance
func (k PermissionKey) ForInstance(resourceID string) PermissionKey {
	return PermissionKey{ResourceType: k.ResourceType, PermissionType: k.PermissionType, ResourceID: resourceID}
}

// MarshalText implements encoding.TextMarshaler so keys can be used as JSON map keys
func (k PermissionKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (k *PermissionKey) UnmarshalText(text []byte) error {
	parsed, err := ParsePermissionKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParsePermissionKey parses the String form of a key
func ParsePermissionKey(s string) (PermissionKey, error) {
	var key PermissionKey
	base := s
	if idx := strings.Index(s, ":"); idx >= 0 {
		base = s[:idx]
		key.ResourceID = s[idx+1:]
		if key.ResourceID == "" {
			return PermissionKey{}, fmt.Errorf("%w: empty resource id in permission key %q", ErrValidation, s)
		}
	}
	dot := strings.LastIndex(base, ".")
	if dot <= 0 || dot == len(base)-1 {
		return PermissionKey{}, fmt.Errorf("%w: permission key %q must look like resource.action", ErrValidation, s)
	}
	key.ResourceType = base[:dot]
	key.PermissionType = base[dot+1:]
	return key, nil
}

// Permission is a catalog entry
type Permission struct {
	ID          PermissionID  `json:"id"`
	Key         PermissionKey `json:"key"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	IsSystem    bool          `json:"is_system"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Role is a node in the hierarchy. Child roles are derived from the parent index and are
// not stored on the role itself.
type Role struct {
	ID           RoleID    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	ParentRoleID *RoleID   `json:"parent_role_id,omitempty"`
	IsSystem     bool      `json:"is_system"`
	IsActive     bool      `json:"is_active"`
	IsProtected  bool      `json:"is_protected"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Conditions are attribute-name to expected-value comparisons against the request context.
// Values are limited to strings, booleans, numbers and lists of those.
type Conditions map[string]any

// PermissionRule binds a role to a permission
type PermissionRule struct {
	ID           RuleID       `json:"id"`
	RoleID       RoleID       `json:"role_id"`
	PermissionID PermissionID `json:"permission_id"`
	Effect       Effect       `json:"effect"`
	Priority     int          `json:"priority"`
	Conditions   Conditions   `json:"conditions,omitempty"`
	IsActive     bool         `json:"is_active"`
	CreatedAt    time.Time    `json:"created_at"`
	RevokedAt    *time.Time   `json:"revoked_at,omitempty"`
}

// IsConditional reports whether the rule only applies when its conditions match
func (r PermissionRule) IsConditional() bool {
	return len(r.Conditions) > 0
}

// RoleSpec describes a role to create
type RoleSpec struct {
	Name         string  `json:"name"`
	Description  string  `json:"description"`
	ParentRoleID *RoleID `json:"parent_role_id,omitempty"`
	IsSystem     bool    `json:"is_system"`
	IsProtected  bool    `json:"is_protected"`
}

// RoleUpdate carries the mutable attributes of a role. Nil fields are unchanged.
type RoleUpdate struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	IsActive    *bool   `json:"is_active,omitempty"`
	IsProtected *bool   `json:"is_protected,omitempty"`
}

func (u RoleUpdate) empty() bool {
	return u.Name == nil && u.Description == nil && u.IsActive == nil && u.IsProtected == nil
}

// op names the change an update produces: a lone activation or protection toggle keeps
// its own op, anything else is an update_role
func (u RoleUpdate) op() string {
	if u.Name == nil && u.Description == nil {
		switch {
		case u.IsActive != nil && u.IsProtected == nil:
			return "set_role_active"
		case u.IsProtected != nil && u.IsActive == nil:
			return "set_role_protected"
		}
	}
	return "update_role"
}

// PermissionSpec describes a permission to register
type PermissionSpec struct {
	Key         PermissionKey `json:"key"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	IsSystem    bool          `json:"is_system"`
}

// RuleSpec describes a rule to assign
type RuleSpec struct {
	RoleID       RoleID       `json:"role_id"`
	PermissionID PermissionID `json:"permission_id"`
	Effect       Effect       `json:"effect"`
	Priority     int          `json:"priority"`
	Conditions   Conditions   `json:"conditions,omitempty"`
}

// Decision is the result of resolving a permission key for a role set
type Decision struct {
	Key      PermissionKey `json:"key"`
	Effect   Effect        `json:"effect"`
	Allowed  bool          `json:"allowed"`
	Matched  bool          `json:"matched"` // false means default deny
	RoleID   RoleID        `json:"role_id,omitempty"`
	RoleName string        `json:"role_name,omitempty"`
	RuleID   RuleID        `json:"rule_id,omitempty"`
	Priority int           `json:"priority"`
	Cached   bool          `json:"cached"`
	Reason   string        `json:"reason,omitempty"`
}

// Severity ranks how surprising a conflict is to an operator
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// ConflictingRule is one contributor to a conflict
type ConflictingRule struct {
	RuleID      RuleID `json:"rule_id"`
	RoleID      RoleID `json:"role_id"`
	RoleName    string `json:"role_name"`
	Effect      Effect `json:"effect"`
	Priority    int    `json:"priority"`
	Conditional bool   `json:"conditional"`
}

// ConflictReport lists the rules that disagree on a permission key and which one wins
type ConflictReport struct {
	Key        PermissionKey     `json:"key"`
	Rules      []ConflictingRule `json:"rules"`
	Severity   Severity          `json:"severity"`
	Winner     Effect            `json:"winner"`
	Resolution string            `json:"resolution"`
}

// BulkRequest applies one effect/priority/conditions to every role x permission pair
type BulkRequest struct {
	RoleIDs       []RoleID       `json:"role_ids"`
	PermissionIDs []PermissionID `json:"permission_ids"`
	Effect        Effect         `json:"effect"`
	Priority      int            `json:"priority"`
	Conditions    Conditions     `json:"conditions,omitempty"`
}

// PairFailure explains why one pair of a bulk request was rejected
type PairFailure struct {
	RoleID       RoleID       `json:"role_id,omitempty"`
	PermissionID PermissionID `json:"permission_id,omitempty"`
	Reason       string       `json:"reason"`
}

// BulkResult summarises a bulk assignment
type BulkResult struct {
	Created  int           `json:"created"`
	Replaced int           `json:"replaced"`
	Failed   []PairFailure `json:"failed,omitempty"`
}

// Snapshot is a full export of the graph, including rule tombstones
type Snapshot struct {
	Roles       []Role           `json:"roles"`
	Permissions []Permission     `json:"permissions"`
	Rules       []PermissionRule `json:"rules"`
	Generation  uint64           `json:"generation"`
	TakenAt     time.Time        `json:"taken_at"`
}

// fingerprint hashes the sorted, de-duplicated role ids into a cache key
func fingerprint(roleIDs []RoleID) (string, []RoleID) {
	seen := make(map[RoleID]struct{}, len(roleIDs))
	unique := make([]RoleID, 0, len(roleIDs))
	for _, id := range roleIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	sort.Slice(unique, func(i, j int) bool { return unique[i] < unique[j] })

	parts := make([]string, len(unique))
	for i, id := range unique {
		parts[i] = string(id)
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:]), unique
}
