// Package authn gates WebSocket handshakes and privileged actions. It builds
// the per-connection authentication context, enforces the sliding-window
// attempt budgets and emits the security audit trail.
package authn

import (
	"context"
	"time"
)

// Role is the coarse access level resolved for a connection.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// Permission names a capability a role grants.
type Permission string

const (
	PermReceiveNotifications Permission = "notifications.receive"
	PermAdminNotifications   Permission = "notifications.admin"
	PermSecurityAlerts       Permission = "security.alerts"
	PermHealthChecks         Permission = "health.checks"
	PermManageUsers          Permission = "users.manage"
)

// rolePermissions is the static role capability table. It is plain lookup
// data; roles do not inherit from each other.
var rolePermissions = map[Role][]Permission{
	RoleAdmin: {
		PermReceiveNotifications,
		PermAdminNotifications,
		PermSecurityAlerts,
		PermHealthChecks,
		PermManageUsers,
	},
	RoleUser: {
		PermReceiveNotifications,
	},
}

// PermissionsFor returns a copy of the capability set for role.
func PermissionsFor(role Role) []Permission {
	perms := rolePermissions[role]
	out := make([]Permission, len(perms))
	copy(out, perms)
	return out
}

// AuthContext is the resolved identity bundle attached to a live connection.
// It is built once at handshake and never mutated afterwards.
type AuthContext struct {
	UserID      int64
	Username    string
	Email       string
	Role        Role
	SessionID   string
	Permissions []Permission
	IssuedAt    time.Time
}

// NewAuthContext resolves the permission set for role and returns the
// immutable context for a connection.
func NewAuthContext(userID int64, username, email string, role Role, sessionID string) *AuthContext {
	return &AuthContext{
		UserID:      userID,
		Username:    username,
		Email:       email,
		Role:        role,
		SessionID:   sessionID,
		Permissions: PermissionsFor(role),
		IssuedAt:    time.Now(),
	}
}

// IsAdmin reports whether the context carries the admin role.
func (a *AuthContext) IsAdmin() bool {
	return a != nil && a.Role == RoleAdmin
}

// HasPermission checks membership in the precomputed permission set.
func (a *AuthContext) HasPermission(p Permission) bool {
	if a == nil {
		return false
	}
	for _, have := range a.Permissions {
		if have == p {
			return true
		}
	}
	return false
}

type contextKey struct{}

// WithAuth stores the auth context on ctx for downstream handlers.
func WithAuth(ctx context.Context, authCtx *AuthContext) context.Context {
	return context.WithValue(ctx, contextKey{}, authCtx)
}

// FromContext returns the auth context stored on ctx, or nil.
func FromContext(ctx context.Context) *AuthContext {
	authCtx, ok := ctx.Value(contextKey{}).(*AuthContext)
	if !ok {
		return nil
	}
	return authCtx
}
