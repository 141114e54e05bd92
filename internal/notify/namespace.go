package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/opsdeck/pushgate/internal/authn"
	"github.com/opsdeck/pushgate/pkg/metrics"
)

// Logical channels a connection can attach to.
const (
	NamespaceUser  = "user"
	NamespaceAdmin = "admin"
)

// Conn is the transport side of an attached connection. Deliver must never
// block; it reports false when the frame was dropped (full buffer, closing
// connection).
type Conn interface {
	Deliver(msg Message) bool
}

// AdminAuthorizer gates attachment to the admin namespace.
type AdminAuthorizer interface {
	AuthorizeAdminAccess(ctx context.Context, authCtx *authn.AuthContext, permission authn.Permission) bool
}

type member struct {
	authCtx    *authn.AuthContext
	conn       Conn
	namespaces map[string]struct{}
}

// NamespaceManager is the single source of truth for who is online where.
// The attachment table is updated under its lock; broadcasts snapshot the
// membership first so an in-flight detach can never be half-observed.
type NamespaceManager struct {
	log        *zap.Logger
	authorizer AdminAuthorizer

	mu      sync.RWMutex
	members map[*authn.AuthContext]*member
	byUser  map[int64]map[*authn.AuthContext]*member
}

func NewNamespaceManager(log *zap.Logger, authorizer AdminAuthorizer) *NamespaceManager {
	return &NamespaceManager{
		log:        log,
		authorizer: authorizer,
		members:    make(map[*authn.AuthContext]*member),
		byUser:     make(map[int64]map[*authn.AuthContext]*member),
	}
}

// Attach joins authCtx's connection to namespace. The admin namespace
// requires admin authorization; any failure attaches nothing (fail closed).
func (n *NamespaceManager) Attach(ctx context.Context, authCtx *authn.AuthContext, conn Conn, namespace string) bool {
	if authCtx == nil || conn == nil {
		return false
	}
	switch namespace {
	case NamespaceUser:
	case NamespaceAdmin:
		if n.authorizer != nil && !n.authorizer.AuthorizeAdminAccess(ctx, authCtx, authn.PermAdminNotifications) {
			return false
		}
	default:
		n.log.Warn("attach to unknown namespace refused",
			zap.String("namespace", namespace),
			zap.Int64("user_id", authCtx.UserID),
		)
		return false
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	m, ok := n.members[authCtx]
	if !ok {
		m = &member{authCtx: authCtx, conn: conn, namespaces: make(map[string]struct{})}
		n.members[authCtx] = m
		if n.byUser[authCtx.UserID] == nil {
			n.byUser[authCtx.UserID] = make(map[*authn.AuthContext]*member)
		}
		n.byUser[authCtx.UserID][authCtx] = m
		metrics.ActiveConnections.Inc()
	}
	m.namespaces[namespace] = struct{}{}
	return true
}

// Detach releases every membership held by authCtx. It is idempotent and
// covers both graceful and abrupt disconnects.
func (n *NamespaceManager) Detach(authCtx *authn.AuthContext) {
	if authCtx == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.members[authCtx]; !ok {
		return
	}
	delete(n.members, authCtx)
	if peers := n.byUser[authCtx.UserID]; peers != nil {
		delete(peers, authCtx)
		if len(peers) == 0 {
			delete(n.byUser, authCtx.UserID)
		}
	}
	metrics.ActiveConnections.Dec()
}

// IsAttached reports whether authCtx is currently attached to namespace.
func (n *NamespaceManager) IsAttached(authCtx *authn.AuthContext, namespace string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	m, ok := n.members[authCtx]
	if !ok {
		return false
	}
	_, ok = m.namespaces[namespace]
	return ok
}

// Broadcast pushes msg to every member of namespace. Membership is
// snapshotted first; delivery happens outside the lock.
func (n *NamespaceManager) Broadcast(namespace string, msg Message) int {
	targets := n.snapshot(namespace)
	delivered := 0
	for _, m := range targets {
		if m.conn.Deliver(msg) {
			delivered++
		} else {
			metrics.DroppedFrames.Inc()
		}
	}
	return delivered
}

// DeliverUser pushes msg to every connection userID holds in the user
// namespace. It reports whether at least one connection accepted the frame.
func (n *NamespaceManager) DeliverUser(userID int64, msg Message) bool {
	n.mu.RLock()
	var targets []*member
	for _, m := range n.byUser[userID] {
		if _, ok := m.namespaces[NamespaceUser]; ok {
			targets = append(targets, m)
		}
	}
	n.mu.RUnlock()

	delivered := false
	for _, m := range targets {
		if m.conn.Deliver(msg) {
			delivered = true
		} else {
			metrics.DroppedFrames.Inc()
		}
	}
	return delivered
}

// UserAttached reports whether userID has at least one live connection in the
// user namespace.
func (n *NamespaceManager) UserAttached(userID int64) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, m := range n.byUser[userID] {
		if _, ok := m.namespaces[NamespaceUser]; ok {
			return true
		}
	}
	return false
}

func (n *NamespaceManager) snapshot(namespace string) []*member {
	n.mu.RLock()
	defer n.mu.RUnlock()
	var targets []*member
	for _, m := range n.members {
		if _, ok := m.namespaces[namespace]; ok {
			targets = append(targets, m)
		}
	}
	return targets
}
