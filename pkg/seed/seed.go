// Package seed loads system roles, permissions and rules from a YAML file and applies them
// to an engine. Applying a file twice changes nothing the second time.
//
// Example file:
//
//	permissions:
//	  - key: document.read
//	    system: true
//	roles:
//	  - name: Viewer
//	    system: true
//	  - name: Admin
//	    parent: Viewer
//	rules:
//	  - role: Viewer
//	    permission: document.read
//	    effect: allow
//	    priority: 50
package seed

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/rolegraph/pkg/rbac"
)

// File is the parsed seed document
type File struct {
	Permissions []PermissionEntry `yaml:"permissions"`
	Roles       []RoleEntry       `yaml:"roles"`
	Rules       []RuleEntry       `yaml:"rules"`
}

// PermissionEntry declares a catalog entry by key
type PermissionEntry struct {
	Key         string `yaml:"key"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	System      bool   `yaml:"system"`
}

// RoleEntry declares a role. Parent is a role name.
type RoleEntry struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Parent      string `yaml:"parent"`
	System      bool   `yaml:"system"`
	Protected   bool   `yaml:"protected"`
	Inactive    bool   `yaml:"inactive"`
}

// RuleEntry binds a role name to a permission key
type RuleEntry struct {
	Role       string          `yaml:"role"`
	Permission string          `yaml:"permission"`
	Effect     rbac.Effect     `yaml:"effect"`
	Priority   int             `yaml:"priority"`
	Conditions rbac.Conditions `yaml:"conditions"`
}

// Load reads and validates a seed file
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a seed document
func Parse(data []byte) (*File, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	if err := file.Validate(); err != nil {
		return nil, err
	}
	return &file, nil
}

// Validate checks references inside the file. Engine-level rules (cycles, priorities,
// condition types) are enforced when the file is applied.
func (f *File) Validate() error {
	var errs []error

	keys := make(map[rbac.PermissionKey]bool, len(f.Permissions))
	for i, p := range f.Permissions {
		key, err := rbac.ParsePermissionKey(p.Key)
		if err != nil {
			errs = append(errs, fmt.Errorf("permissions[%d]: %w", i, err))
			continue
		}
		if keys[key] {
			errs = append(errs, fmt.Errorf("permissions[%d]: %w: key %s listed twice", i, rbac.ErrDuplicate, key))
		}
		keys[key] = true
	}

	names := make(map[string]bool, len(f.Roles))
	for i, r := range f.Roles {
		if r.Name == "" {
			errs = append(errs, fmt.Errorf("roles[%d]: %w: name is required", i, rbac.ErrValidation))
			continue
		}
		if names[r.Name] {
			errs = append(errs, fmt.Errorf("roles[%d]: %w: role %q listed twice", i, rbac.ErrDuplicate, r.Name))
		}
		names[r.Name] = true
	}
	for i, r := range f.Roles {
		if r.Parent != "" && !names[r.Parent] {
			errs = append(errs, fmt.Errorf("roles[%d]: %w: parent %q is not declared", i, rbac.ErrValidation, r.Parent))
		}
	}

	pairs := make(map[[2]string]bool, len(f.Rules))
	for i, r := range f.Rules {
		if !names[r.Role] {
			errs = append(errs, fmt.Errorf("rules[%d]: %w: role %q is not declared", i, rbac.ErrValidation, r.Role))
		}
		key, err := rbac.ParsePermissionKey(r.Permission)
		if err != nil {
			errs = append(errs, fmt.Errorf("rules[%d]: %w", i, err))
		} else if !keys[key] {
			errs = append(errs, fmt.Errorf("rules[%d]: %w: permission %s is not declared", i, rbac.ErrValidation, key))
		}
		pair := [2]string{r.Role, r.Permission}
		if pairs[pair] {
			errs = append(errs, fmt.Errorf("rules[%d]: %w: rule %s -> %s listed twice", i, rbac.ErrDuplicate, r.Role, r.Permission))
		}
		pairs[pair] = true
	}

	return errors.Join(errs...)
}

// roleOrder returns the roles with every parent before its children
func (f *File) roleOrder() ([]RoleEntry, error) {
	byName := make(map[string]RoleEntry, len(f.Roles))
	for _, r := range f.Roles {
		byName[r.Name] = r
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(f.Roles))
	ordered := make([]RoleEntry, 0, len(f.Roles))

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("%w: seed roles form a cycle through %q", rbac.ErrCycle, name)
		}
		state[name] = visiting
		if parent := byName[name].Parent; parent != "" {
			if err := visit(parent); err != nil {
				return err
			}
		}
		state[name] = done
		ordered = append(ordered, byName[name])
		return nil
	}

	for _, r := range f.Roles {
		if err := visit(r.Name); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}
