package rbac

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by a mutation wraps exactly one of these, so callers
// match with errors.Is.
var (
	// ErrValidation indicates malformed input: bad priority, unknown effect, bad conditions,
	// unknown references in a bulk request.
	ErrValidation = errors.New("rbac: validation failed")

	// ErrDuplicate indicates a name or identity collision. It is a validation error.
	ErrDuplicate = fmt.Errorf("%w: duplicate", ErrValidation)

	// ErrCycle indicates a hierarchy mutation that would create a cycle or exceed max depth
	ErrCycle = errors.New("rbac: hierarchy cycle or depth limit")

	// ErrProtected indicates a mutation of a system or protected object
	ErrProtected = errors.New("rbac: protected")

	// ErrProtectedRole indicates a structural mutation of a system role, or a rule change
	// on a protected role
	ErrProtectedRole = fmt.Errorf("%w: role", ErrProtected)

	// ErrProtectedPermission indicates an attempt to unregister a system permission
	ErrProtectedPermission = fmt.Errorf("%w: permission", ErrProtected)

	// ErrHasDependents indicates deletion of a role or permission that still has dependents
	ErrHasDependents = errors.New("rbac: has dependents")

	// ErrNotFound indicates a reference to a nonexistent role, permission or rule
	ErrNotFound = errors.New("rbac: not found")
)

func roleNotFound(id RoleID) error {
	return fmt.Errorf("%w: role %s", ErrNotFound, id)
}

func permissionNotFound(id PermissionID) error {
	return fmt.Errorf("%w: permission %s", ErrNotFound, id)
}
