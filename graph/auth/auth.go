// Package auth defines the acting principal model shared by the checkpoint
// store and the tool sandbox: who is performing an operation, what role they
// hold, and which permissions they carry.
package auth

import "fmt"

// Role is an ordered privilege level. Higher values include the capabilities
// of lower ones, so checks are simple >= comparisons.
type Role int

const (
	// RoleAnonymous is an unauthenticated caller. It cannot own checkpoints
	// or execute tools that declare a minimum role.
	RoleAnonymous Role = iota

	// RoleUser is a regular authenticated user.
	RoleUser

	// RoleOperator is a trusted user allowed to run higher-risk tools.
	RoleOperator

	// RoleAdmin bypasses ownership checks and may read administrative stats.
	RoleAdmin
)

// String returns the lowercase role name.
func (r Role) String() string {
	switch r {
	case RoleAnonymous:
		return "anonymous"
	case RoleUser:
		return "user"
	case RoleOperator:
		return "operator"
	case RoleAdmin:
		return "admin"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// PermissionWildcard grants every permission when present in a principal's
// permission set.
const PermissionWildcard = "*"

// Principal identifies the caller of a store or sandbox operation.
//
// A zero Principal is an anonymous caller with no permissions.
type Principal struct {
	// UserID is the stable identifier used for checkpoint ownership.
	UserID string

	// Role is the caller's privilege level.
	Role Role

	// Permissions is the set of named capabilities the caller holds.
	// A single "*" entry grants everything.
	Permissions []string
}

// IsAdmin reports whether the principal holds the admin role.
func (p Principal) IsAdmin() bool {
	return p.Role >= RoleAdmin
}

// HasPermission reports whether the principal holds the named permission,
// either directly or through the wildcard.
func (p Principal) HasPermission(name string) bool {
	for _, perm := range p.Permissions {
		if perm == PermissionWildcard || perm == name {
			return true
		}
	}
	return false
}

// AccessDeniedError reports an ownership, role, or permission violation.
// It is never retried and is surfaced to the caller unchanged.
//
// Returning a distinct denial (rather than a uniform not-found) reveals that
// the guarded resource exists. That tradeoff is accepted here because the
// store and sandbox sit behind the engine rather than on a public surface.
type AccessDeniedError struct {
	// Resource names what was being accessed, e.g. "checkpoint run-42" or
	// `tool "search_web"`.
	Resource string

	// Reason explains which check failed.
	Reason string

	// UserID is the denied principal's identifier.
	UserID string
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("access denied: %s: %s (user %q)", e.Resource, e.Reason, e.UserID)
}

// Denied constructs an AccessDeniedError for the given resource and principal.
func Denied(resource, reason string, p Principal) *AccessDeniedError {
	return &AccessDeniedError{Resource: resource, Reason: reason, UserID: p.UserID}
}
