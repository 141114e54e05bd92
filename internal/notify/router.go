package notify

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/opsdeck/pushgate/internal/authn"
	"github.com/opsdeck/pushgate/pkg/metrics"
)

// Directory is the user-directory collaborator: recipient validation and the
// admin roster for admin broadcasts.
type Directory interface {
	Lookup(ctx context.Context, userID int64) (*authn.Account, error)
	ListAdmins(ctx context.Context) ([]int64, error)
}

// Store is the durable per-user message log. Append must be bounded; the
// Postgres implementation wraps writes in a circuit breaker and capped retry.
type Store interface {
	Append(ctx context.Context, userID int64, msg Message) error
	Unseen(ctx context.Context, userID int64) ([]Message, error)
	MarkSeen(ctx context.Context, userID int64, messageID string) error
}

// Auditor records authorization denials on the send path.
type Auditor interface {
	Emit(ctx context.Context, event authn.AuditEvent)
}

// Router validates recipients and category permissions, attempts live
// delivery through the namespace manager and always falls back to durable
// persistence. The returned boolean means "accepted for a permitted, valid
// recipient" — callers cannot distinguish live-delivered from queued.
type Router struct {
	log      *zap.Logger
	dir      Directory
	store    Store
	ns       *NamespaceManager
	history  *History
	throttle *Throttle
	auditor  Auditor

	persistTimeout time.Duration
}

func NewRouter(log *zap.Logger, dir Directory, store Store, ns *NamespaceManager, history *History, throttle *Throttle, auditor Auditor, persistTimeout time.Duration) *Router {
	if persistTimeout <= 0 {
		persistTimeout = 3 * time.Second
	}
	return &Router{
		log:            log,
		dir:            dir,
		store:          store,
		ns:             ns,
		history:        history,
		throttle:       throttle,
		auditor:        auditor,
		persistTimeout: persistTimeout,
	}
}

// SendUserNotification routes msg to userID. It returns true iff the
// recipient is a real active account permitted to receive msg's category;
// delivery beyond that point is best-effort live push plus durable queueing.
func (r *Router) SendUserNotification(ctx context.Context, userID int64, msg Message) bool {
	category := string(msg.Category)

	account, err := r.dir.Lookup(ctx, userID)
	if err != nil || account == nil || !account.Active {
		// Stale reference or caller bug, not a security event: no audit.
		metrics.NotificationsRouted.WithLabelValues(category, "invalid_recipient").Inc()
		return false
	}

	if msg.Category.AdminOnly() && account.Role != authn.RoleAdmin {
		if r.auditor != nil {
			r.auditor.Emit(ctx, authn.AuditEvent{
				Event:   authn.EventPermissionDenied,
				Subject: strconv.FormatInt(userID, 10),
				Source:  "router",
				Reason:  "category " + category + " requires admin role",
			})
		}
		metrics.NotificationsRouted.WithLabelValues(category, "unauthorized").Inc()
		return false
	}

	if !r.throttle.Allow(userID, msg.Category, msg.Priority) {
		// Admission control under event storms: the message is accepted from
		// the producer's point of view but dropped before delivery.
		r.log.Debug("notification throttled",
			zap.Int64("user_id", userID),
			zap.String("category", category),
			zap.String("message_id", msg.ID),
		)
		metrics.NotificationsRouted.WithLabelValues(category, "throttled").Inc()
		return true
	}

	r.dispatch(ctx, userID, msg)
	return true
}

// SendAdminNotification broadcasts msg live on the admin namespace and queues
// it durably for every admin account so offline admins replay it on
// reconnect.
func (r *Router) SendAdminNotification(ctx context.Context, msg Message) bool {
	if msg.ID == "" {
		return false
	}
	category := string(msg.Category)
	start := time.Now()
	delivered := r.ns.Broadcast(NamespaceAdmin, msg)
	metrics.DeliveryLatency.Observe(time.Since(start).Seconds())

	admins, err := r.dir.ListAdmins(ctx)
	if err != nil {
		r.log.Error("failed to list admin accounts for durable fan-out",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		metrics.NotificationsRouted.WithLabelValues(category, "delivered").Inc()
		return true
	}
	for _, adminID := range admins {
		r.persist(ctx, adminID, msg)
		r.history.Append(adminID, msg)
	}
	r.log.Info("admin notification routed",
		zap.String("message_id", msg.ID),
		zap.String("category", category),
		zap.Int("live_deliveries", delivered),
		zap.Int("admin_accounts", len(admins)),
	)
	metrics.NotificationsRouted.WithLabelValues(category, "delivered").Inc()
	return true
}

// MessageHistory returns the bounded recent-message buffer for userID in
// acceptance order.
func (r *Router) MessageHistory(userID int64) []Message {
	return r.history.ForUser(userID)
}

// ReplayUnseen pushes every durably queued message the user has not
// acknowledged. Replay order follows acceptance order.
func (r *Router) ReplayUnseen(ctx context.Context, authCtx *authn.AuthContext) {
	fetchCtx, cancel := context.WithTimeout(ctx, r.persistTimeout)
	defer cancel()
	pending, err := r.store.Unseen(fetchCtx, authCtx.UserID)
	if err != nil {
		r.log.Error("failed to fetch unseen messages for replay",
			zap.Int64("user_id", authCtx.UserID),
			zap.Error(err),
		)
		return
	}
	for _, msg := range pending {
		r.ns.DeliverUser(authCtx.UserID, msg)
	}
	if len(pending) > 0 {
		r.log.Info("replayed unseen messages",
			zap.Int64("user_id", authCtx.UserID),
			zap.Int("count", len(pending)),
		)
	}
}

// MarkSeen acknowledges a delivered message so it is excluded from replay.
func (r *Router) MarkSeen(ctx context.Context, userID int64, messageID string) {
	ackCtx, cancel := context.WithTimeout(ctx, r.persistTimeout)
	defer cancel()
	if err := r.store.MarkSeen(ackCtx, userID, messageID); err != nil {
		r.log.Warn("failed to mark message seen",
			zap.Int64("user_id", userID),
			zap.String("message_id", messageID),
			zap.Error(err),
		)
	}
}

// dispatch attempts the live push, then unconditionally persists and appends
// to history. A failed or timed-out live push is simply "not delivered live";
// the durable queue covers it.
func (r *Router) dispatch(ctx context.Context, userID int64, msg Message) {
	category := string(msg.Category)
	result := "queued"
	if r.ns.UserAttached(userID) {
		start := time.Now()
		if r.ns.DeliverUser(userID, msg) {
			result = "delivered"
		}
		metrics.DeliveryLatency.Observe(time.Since(start).Seconds())
	}

	r.persist(ctx, userID, msg)
	r.history.Append(userID, msg)
	metrics.NotificationsRouted.WithLabelValues(category, result).Inc()
}

// persist appends msg to the durable per-user log. Persistence failure is the
// one path surfaced loudly: it risks silent message loss, so it is error
// logged, counted and escalated with a best-effort critical admin alert that
// itself skips persistence to avoid recursion.
func (r *Router) persist(ctx context.Context, userID int64, msg Message) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.persistTimeout)
	defer cancel()
	err := r.store.Append(writeCtx, userID, msg)
	if err == nil {
		return
	}
	r.log.Error("durable store append failed: message may be lost",
		zap.Int64("user_id", userID),
		zap.String("message_id", msg.ID),
		zap.Error(err),
	)
	metrics.PersistenceFailures.Inc()

	alert, err := NewMessage(TypeError, CategoryAdmin, PriorityCritical,
		"Notification persistence failure",
		"The durable notification store rejected a write; queued delivery is degraded.")
	if err != nil {
		return
	}
	alert = alert.WithData(map[string]interface{}{
		"failed_message_id": msg.ID,
		"failed_user_id":    userID,
	})
	r.ns.Broadcast(NamespaceAdmin, alert)
}
