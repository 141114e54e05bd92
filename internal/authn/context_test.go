package authn

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPermissionsForReturnsCopy(t *testing.T) {
	perms := PermissionsFor(RoleAdmin)
	require.NotEmpty(t, perms)
	perms[0] = Permission("mutated")
	assert.NotContains(t, PermissionsFor(RoleAdmin), Permission("mutated"))

	assert.Equal(t, []Permission{PermReceiveNotifications}, PermissionsFor(RoleUser))
	assert.Empty(t, PermissionsFor(Role("ghost")))
}

func TestAuthContextPermissions(t *testing.T) {
	admin := NewAuthContext(1, "root", "root@example.com", RoleAdmin, "sess-1")
	assert.True(t, admin.IsAdmin())
	assert.True(t, admin.HasPermission(PermManageUsers))

	user := NewAuthContext(2, "alice", "", RoleUser, "sess-2")
	assert.False(t, user.IsAdmin())
	assert.True(t, user.HasPermission(PermReceiveNotifications))
	assert.False(t, user.HasPermission(PermAdminNotifications))

	var nilCtx *AuthContext
	assert.False(t, nilCtx.IsAdmin())
	assert.False(t, nilCtx.HasPermission(PermReceiveNotifications))
}

func TestAuthContextEmbedding(t *testing.T) {
	authCtx := NewAuthContext(2, "alice", "", RoleUser, "sess-2")
	ctx := WithAuth(context.Background(), authCtx)
	assert.Same(t, authCtx, FromContext(ctx))
	assert.Nil(t, FromContext(context.Background()))
}
