package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/opsdeck/pushgate/internal/authn"
)

func newTestManager(t *testing.T) *NamespaceManager {
	t.Helper()
	return NewNamespaceManager(zaptest.NewLogger(t), fakeAuthorizer{})
}

func TestAttachUserNamespace(t *testing.T) {
	ns := newTestManager(t)
	ctx := context.Background()
	user := authn.NewAuthContext(2, "alice", "", authn.RoleUser, "sess-2")
	conn := &fakeConn{}

	require.True(t, ns.Attach(ctx, user, conn, NamespaceUser))
	assert.True(t, ns.IsAttached(user, NamespaceUser))
	assert.False(t, ns.IsAttached(user, NamespaceAdmin))
	assert.True(t, ns.UserAttached(2))
}

func TestAttachAdminNamespaceFailsClosed(t *testing.T) {
	ns := newTestManager(t)
	ctx := context.Background()

	user := authn.NewAuthContext(2, "alice", "", authn.RoleUser, "sess-2")
	assert.False(t, ns.Attach(ctx, user, &fakeConn{}, NamespaceAdmin))
	assert.False(t, ns.IsAttached(user, NamespaceAdmin))

	admin := authn.NewAuthContext(1, "root", "", authn.RoleAdmin, "sess-1")
	assert.True(t, ns.Attach(ctx, admin, &fakeConn{}, NamespaceAdmin))
	assert.True(t, ns.IsAttached(admin, NamespaceAdmin))
}

func TestAttachUnknownNamespaceRefused(t *testing.T) {
	ns := newTestManager(t)
	user := authn.NewAuthContext(2, "alice", "", authn.RoleUser, "sess-2")
	assert.False(t, ns.Attach(context.Background(), user, &fakeConn{}, "backstage"))
}

func TestAttachNilArguments(t *testing.T) {
	ns := newTestManager(t)
	user := authn.NewAuthContext(2, "alice", "", authn.RoleUser, "sess-2")
	assert.False(t, ns.Attach(context.Background(), nil, &fakeConn{}, NamespaceUser))
	assert.False(t, ns.Attach(context.Background(), user, nil, NamespaceUser))
}

func TestDetachIsIdempotent(t *testing.T) {
	ns := newTestManager(t)
	ctx := context.Background()
	user := authn.NewAuthContext(2, "alice", "", authn.RoleUser, "sess-2")
	require.True(t, ns.Attach(ctx, user, &fakeConn{}, NamespaceUser))

	ns.Detach(user)
	assert.False(t, ns.IsAttached(user, NamespaceUser))
	assert.False(t, ns.UserAttached(2))

	// Second detach of the same context changes nothing.
	ns.Detach(user)
	ns.Detach(nil)
	assert.False(t, ns.UserAttached(2))
}

func TestDetachReleasesAllNamespaces(t *testing.T) {
	ns := newTestManager(t)
	ctx := context.Background()
	admin := authn.NewAuthContext(1, "root", "", authn.RoleAdmin, "sess-1")
	conn := &fakeConn{}
	require.True(t, ns.Attach(ctx, admin, conn, NamespaceUser))
	require.True(t, ns.Attach(ctx, admin, conn, NamespaceAdmin))

	ns.Detach(admin)
	assert.False(t, ns.IsAttached(admin, NamespaceUser))
	assert.False(t, ns.IsAttached(admin, NamespaceAdmin))
}

func TestBroadcastReachesOnlyNamespaceMembers(t *testing.T) {
	ns := newTestManager(t)
	ctx := context.Background()
	admin := authn.NewAuthContext(1, "root", "", authn.RoleAdmin, "sess-1")
	user := authn.NewAuthContext(2, "alice", "", authn.RoleUser, "sess-2")
	adminConn := &fakeConn{}
	userConn := &fakeConn{}
	require.True(t, ns.Attach(ctx, admin, adminConn, NamespaceAdmin))
	require.True(t, ns.Attach(ctx, user, userConn, NamespaceUser))

	msg := adminMessage(t)
	assert.Equal(t, 1, ns.Broadcast(NamespaceAdmin, msg))
	assert.Len(t, adminConn.messages(), 1)
	assert.Empty(t, userConn.messages())
}

func TestBroadcastCountsAcceptedDeliveriesOnly(t *testing.T) {
	ns := newTestManager(t)
	ctx := context.Background()
	a := authn.NewAuthContext(1, "root", "", authn.RoleAdmin, "sess-1")
	b := authn.NewAuthContext(4, "ops", "", authn.RoleAdmin, "sess-4")
	healthy := &fakeConn{}
	saturated := &fakeConn{reject: true}
	require.True(t, ns.Attach(ctx, a, healthy, NamespaceAdmin))
	require.True(t, ns.Attach(ctx, b, saturated, NamespaceAdmin))

	assert.Equal(t, 1, ns.Broadcast(NamespaceAdmin, adminMessage(t)))
}

func TestDeliverUserFansOutAcrossConnections(t *testing.T) {
	ns := newTestManager(t)
	ctx := context.Background()

	// Two concurrent sessions for the same account, e.g. two browser tabs.
	tabOne := authn.NewAuthContext(2, "alice", "", authn.RoleUser, "sess-2a")
	tabTwo := authn.NewAuthContext(2, "alice", "", authn.RoleUser, "sess-2b")
	connOne := &fakeConn{}
	connTwo := &fakeConn{}
	require.True(t, ns.Attach(ctx, tabOne, connOne, NamespaceUser))
	require.True(t, ns.Attach(ctx, tabTwo, connTwo, NamespaceUser))

	msg := systemMessage(t)
	assert.True(t, ns.DeliverUser(2, msg))
	assert.Len(t, connOne.messages(), 1)
	assert.Len(t, connTwo.messages(), 1)

	ns.Detach(tabOne)
	assert.True(t, ns.UserAttached(2))
	ns.Detach(tabTwo)
	assert.False(t, ns.DeliverUser(2, msg))
}

func TestDeliverUserReportsFalseWhenAllRejected(t *testing.T) {
	ns := newTestManager(t)
	user := authn.NewAuthContext(2, "alice", "", authn.RoleUser, "sess-2")
	require.True(t, ns.Attach(context.Background(), user, &fakeConn{reject: true}, NamespaceUser))
	assert.False(t, ns.DeliverUser(2, systemMessage(t)))
}
