package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/opsdeck/pushgate/internal/authn"
)

type fakeConn struct {
	mu        sync.Mutex
	delivered []Message
	reject    bool
}

func (f *fakeConn) Deliver(msg Message) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject {
		return false
	}
	f.delivered = append(f.delivered, msg)
	return true
}

func (f *fakeConn) messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Message, len(f.delivered))
	copy(out, f.delivered)
	return out
}

type fakeAuthorizer struct{}

func (fakeAuthorizer) AuthorizeAdminAccess(_ context.Context, authCtx *authn.AuthContext, _ authn.Permission) bool {
	return authCtx.IsAdmin()
}

type fakeDirectory struct {
	accounts  map[int64]*authn.Account
	adminErr  error
	lookupErr error
}

func (f *fakeDirectory) Lookup(_ context.Context, userID int64) (*authn.Account, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	account, ok := f.accounts[userID]
	if !ok {
		return nil, errors.New("user not found")
	}
	return account, nil
}

func (f *fakeDirectory) ListAdmins(_ context.Context) ([]int64, error) {
	if f.adminErr != nil {
		return nil, f.adminErr
	}
	var ids []int64
	for id, account := range f.accounts {
		if account.Role == authn.RoleAdmin && account.Active {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type fakeStore struct {
	mu        sync.Mutex
	appended  map[int64][]Message
	unseen    map[int64][]Message
	seen      map[string]int64
	appendErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		appended: make(map[int64][]Message),
		unseen:   make(map[int64][]Message),
		seen:     make(map[string]int64),
	}
}

func (f *fakeStore) Append(_ context.Context, userID int64, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	f.appended[userID] = append(f.appended[userID], msg)
	return nil
}

func (f *fakeStore) Unseen(_ context.Context, userID int64) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unseen[userID], nil
}

func (f *fakeStore) MarkSeen(_ context.Context, userID int64, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen[messageID] = userID
	return nil
}

func (f *fakeStore) appendedFor(userID int64) []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appended[userID]
}

type recordingAuditor struct {
	mu     sync.Mutex
	events []authn.AuditEvent
}

func (r *recordingAuditor) Emit(_ context.Context, event authn.AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

type routerFixture struct {
	router  *Router
	ns      *NamespaceManager
	store   *fakeStore
	auditor *recordingAuditor
	admin   *authn.AuthContext
	user    *authn.AuthContext
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	dir := &fakeDirectory{accounts: map[int64]*authn.Account{
		1: {ID: 1, Username: "root", Role: authn.RoleAdmin, Active: true},
		2: {ID: 2, Username: "alice", Role: authn.RoleUser, Active: true},
		3: {ID: 3, Username: "gone", Role: authn.RoleUser, Active: false},
	}}
	store := newFakeStore()
	auditor := &recordingAuditor{}
	ns := NewNamespaceManager(log, fakeAuthorizer{})
	history := NewHistory(100)
	throttle := NewThrottle(time.Minute, 1000)
	router := NewRouter(log, dir, store, ns, history, throttle, auditor, time.Second)
	return &routerFixture{
		router:  router,
		ns:      ns,
		store:   store,
		auditor: auditor,
		admin:   authn.NewAuthContext(1, "root", "", authn.RoleAdmin, "sess-1"),
		user:    authn.NewAuthContext(2, "alice", "", authn.RoleUser, "sess-2"),
	}
}

func adminMessage(t *testing.T) Message {
	t.Helper()
	msg, err := NewMessage(TypeWarning, CategoryAdmin, PriorityHigh, "Admin alert", "body")
	require.NoError(t, err)
	return msg
}

func systemMessage(t *testing.T) Message {
	t.Helper()
	msg, err := NewMessage(TypeInfo, CategorySystem, PriorityNormal, "System notice", "body")
	require.NoError(t, err)
	return msg
}

func TestSendUserNotificationCategoryGating(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	// Admin-only categories reach admin recipients and land in history.
	msg := adminMessage(t)
	assert.True(t, f.router.SendUserNotification(ctx, 1, msg))
	require.Len(t, f.router.MessageHistory(1), 1)
	assert.Equal(t, msg.ID, f.router.MessageHistory(1)[0].ID)

	// The same message to a non-admin is refused, audited, and never appears
	// in that user's history.
	assert.False(t, f.router.SendUserNotification(ctx, 2, msg))
	assert.Empty(t, f.router.MessageHistory(2))
	require.Len(t, f.auditor.events, 1)
	assert.Equal(t, authn.EventPermissionDenied, f.auditor.events[0].Event)

	securityMsg, err := NewMessage(TypeError, CategorySecurity, PriorityHigh, "Security alert", "body")
	require.NoError(t, err)
	assert.False(t, f.router.SendUserNotification(ctx, 2, securityMsg))
}

func TestSendUserNotificationSystemCategoryForAnyActiveUser(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	assert.True(t, f.router.SendUserNotification(ctx, 1, systemMessage(t)))
	assert.True(t, f.router.SendUserNotification(ctx, 2, systemMessage(t)))
	assert.Len(t, f.router.MessageHistory(1), 1)
	assert.Len(t, f.router.MessageHistory(2), 1)
}

func TestSendUserNotificationInvalidRecipient(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	// Unknown, inactive: false with no side effects and no audit.
	assert.False(t, f.router.SendUserNotification(ctx, 999999, systemMessage(t)))
	assert.False(t, f.router.SendUserNotification(ctx, 3, systemMessage(t)))
	assert.Empty(t, f.router.MessageHistory(999999))
	assert.Empty(t, f.store.appendedFor(999999))
	assert.Empty(t, f.auditor.events)
}

func TestSendUserNotificationPersistsRegardlessOfLiveDelivery(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	// Offline: queued durably.
	offline := systemMessage(t)
	assert.True(t, f.router.SendUserNotification(ctx, 2, offline))
	require.Len(t, f.store.appendedFor(2), 1)

	// Online: delivered live and still persisted.
	conn := &fakeConn{}
	require.True(t, f.ns.Attach(ctx, f.user, conn, NamespaceUser))
	online := systemMessage(t)
	assert.True(t, f.router.SendUserNotification(ctx, 2, online))
	require.Len(t, conn.messages(), 1)
	assert.Equal(t, online.ID, conn.messages()[0].ID)
	assert.Len(t, f.store.appendedFor(2), 2)
}

func TestSendUserNotificationLivePushFailureFallsThroughToPersistence(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	conn := &fakeConn{reject: true}
	require.True(t, f.ns.Attach(ctx, f.user, conn, NamespaceUser))

	msg := systemMessage(t)
	assert.True(t, f.router.SendUserNotification(ctx, 2, msg))
	assert.Len(t, f.store.appendedFor(2), 1)
}

func TestSendUserNotificationThrottled(t *testing.T) {
	log := zaptest.NewLogger(t)
	dir := &fakeDirectory{accounts: map[int64]*authn.Account{
		2: {ID: 2, Role: authn.RoleUser, Active: true},
	}}
	store := newFakeStore()
	ns := NewNamespaceManager(log, fakeAuthorizer{})
	router := NewRouter(log, dir, store, ns, NewHistory(10), NewThrottle(time.Minute, 1), &recordingAuditor{}, time.Second)
	ctx := context.Background()

	assert.True(t, router.SendUserNotification(ctx, 2, systemMessage(t)))
	// Throttled: still accepted from the producer's point of view, but
	// dropped before delivery and persistence.
	assert.True(t, router.SendUserNotification(ctx, 2, systemMessage(t)))
	assert.Len(t, store.appendedFor(2), 1)
	assert.Len(t, router.MessageHistory(2), 1)

	// Critical bypasses the throttle.
	critical, err := NewMessage(TypeError, CategorySystem, PriorityCritical, "Critical", "body")
	require.NoError(t, err)
	assert.True(t, router.SendUserNotification(ctx, 2, critical))
	assert.Len(t, store.appendedFor(2), 2)
}

func TestSendUserNotificationPersistenceFailureAlertsAdmins(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	f.store.appendErr = errors.New("store down")

	adminConn := &fakeConn{}
	require.True(t, f.ns.Attach(ctx, f.admin, adminConn, NamespaceAdmin))

	// Still accepted: the recipient was valid and permitted.
	assert.True(t, f.router.SendUserNotification(ctx, 2, systemMessage(t)))

	alerts := adminConn.messages()
	require.Len(t, alerts, 1)
	assert.Equal(t, CategoryAdmin, alerts[0].Category)
	assert.Equal(t, PriorityCritical, alerts[0].Priority)
}

func TestSendAdminNotification(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	adminConn := &fakeConn{}
	userConn := &fakeConn{}
	require.True(t, f.ns.Attach(ctx, f.admin, adminConn, NamespaceAdmin))
	require.True(t, f.ns.Attach(ctx, f.user, userConn, NamespaceUser))

	msg := adminMessage(t)
	assert.True(t, f.router.SendAdminNotification(ctx, msg))

	// Live broadcast reached only the admin namespace.
	require.Len(t, adminConn.messages(), 1)
	assert.Empty(t, userConn.messages())

	// Durably queued for the admin roster so offline admins replay it.
	assert.Len(t, f.store.appendedFor(1), 1)
	assert.Empty(t, f.store.appendedFor(2))
	assert.Len(t, f.router.MessageHistory(1), 1)
}

func TestSendAdminNotificationRejectsMissingID(t *testing.T) {
	f := newRouterFixture(t)
	assert.False(t, f.router.SendAdminNotification(context.Background(), Message{Title: "t", Body: "b"}))
}

func TestReplayUnseen(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	queued := systemMessage(t)
	f.store.unseen[2] = []Message{queued}

	conn := &fakeConn{}
	require.True(t, f.ns.Attach(ctx, f.user, conn, NamespaceUser))
	f.router.ReplayUnseen(ctx, f.user)

	require.Len(t, conn.messages(), 1)
	assert.Equal(t, queued.ID, conn.messages()[0].ID)
}

func TestMarkSeen(t *testing.T) {
	f := newRouterFixture(t)
	f.router.MarkSeen(context.Background(), 2, "m-1")
	assert.Equal(t, int64(2), f.store.seen["m-1"])
}
