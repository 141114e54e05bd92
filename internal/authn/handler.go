package authn

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/opsdeck/pushgate/pkg/metrics"
)

// Sentinel errors for the handshake paths. The transport maps all of them to
// generic close reasons; internal detail never reaches the client.
var (
	ErrRateLimited    = errors.New("rate limited")
	ErrInvalidToken   = errors.New("invalid token")
	ErrSessionInvalid = errors.New("session invalid")
	ErrUnknownUser    = errors.New("unknown or inactive user")
)

// Account is the directory record backing an authenticated connection.
type Account struct {
	ID       int64
	Username string
	Email    string
	Role     Role
	Active   bool
}

// Directory resolves accounts. Implemented by the Postgres user repository;
// tests supply fakes.
type Directory interface {
	Lookup(ctx context.Context, userID int64) (*Account, error)
}

// Session is the session-store record referenced by a connection token.
type Session struct {
	UserID    int64
	ExpiresAt time.Time
}

// SessionStore fetches session records by id. Implemented by the Redis
// session store.
type SessionStore interface {
	Get(ctx context.Context, sessionID string) (*Session, error)
}

// Handler gates connection handshakes and privileged actions.
type Handler struct {
	log       *zap.Logger
	limiter   *RateLimiter
	sessions  SessionStore
	directory Directory
	auditor   *Auditor
	jwtSecret []byte
	ioTimeout time.Duration
}

func NewHandler(log *zap.Logger, limiter *RateLimiter, sessions SessionStore, directory Directory, auditor *Auditor, jwtSecret string) *Handler {
	return &Handler{
		log:       log,
		limiter:   limiter,
		sessions:  sessions,
		directory: directory,
		auditor:   auditor,
		jwtSecret: []byte(jwtSecret),
		ioTimeout: 2 * time.Second,
	}
}

// AuthenticateConnection runs the handshake state machine: rate-limit check,
// token parse, session validation, account resolution. Every failure is
// audited and resolves to a sentinel error; nothing here panics or leaks
// internal detail to the peer.
func (h *Handler) AuthenticateConnection(ctx context.Context, token, sourceAddr string) (*AuthContext, error) {
	if !h.limiter.CheckIPRateLimit(sourceAddr) {
		h.auditor.Emit(ctx, AuditEvent{
			Event:   EventRateLimited,
			Subject: "ip:" + sourceAddr,
			Source:  sourceAddr,
			Reason:  "source address attempt budget exhausted",
		})
		metrics.AuthAttempts.WithLabelValues("rate_limited").Inc()
		return nil, ErrRateLimited
	}

	userID, sessionID, err := h.parseToken(token)
	if err != nil {
		h.auditor.Emit(ctx, AuditEvent{
			Event:   EventAuthFailure,
			Subject: "anonymous",
			Source:  sourceAddr,
			Reason:  "token rejected: " + err.Error(),
		})
		metrics.AuthAttempts.WithLabelValues("rejected").Inc()
		return nil, ErrInvalidToken
	}
	subject := strconv.FormatInt(userID, 10)

	if !h.limiter.CheckUserRateLimit(userID) {
		h.auditor.Emit(ctx, AuditEvent{
			Event:   EventRateLimited,
			Subject: subject,
			Source:  sourceAddr,
			Reason:  "user attempt budget exhausted",
		})
		metrics.AuthAttempts.WithLabelValues("rate_limited").Inc()
		return nil, ErrRateLimited
	}

	switch h.checkSession(ctx, userID, sessionID) {
	case sessionOK:
	case sessionForged:
		h.auditor.Emit(ctx, AuditEvent{
			Event:   EventAuthFailure,
			Subject: subject,
			Source:  sourceAddr,
			Reason:  "session user mismatch: possible forged session",
		})
		metrics.AuthAttempts.WithLabelValues("rejected").Inc()
		return nil, ErrSessionInvalid
	default:
		h.auditor.Emit(ctx, AuditEvent{
			Event:   EventAuthFailure,
			Subject: subject,
			Source:  sourceAddr,
			Reason:  "session missing or expired",
		})
		metrics.AuthAttempts.WithLabelValues("rejected").Inc()
		return nil, ErrSessionInvalid
	}

	lookupCtx, cancel := context.WithTimeout(ctx, h.ioTimeout)
	defer cancel()
	account, err := h.directory.Lookup(lookupCtx, userID)
	if err != nil || account == nil || !account.Active {
		h.auditor.Emit(ctx, AuditEvent{
			Event:   EventAuthFailure,
			Subject: subject,
			Source:  sourceAddr,
			Reason:  "account unknown or inactive",
		})
		metrics.AuthAttempts.WithLabelValues("rejected").Inc()
		return nil, ErrUnknownUser
	}

	metrics.AuthAttempts.WithLabelValues("ok").Inc()
	h.log.Info("connection authenticated",
		zap.Int64("user_id", account.ID),
		zap.String("role", string(account.Role)),
		zap.String("remote_addr", sourceAddr),
	)
	return NewAuthContext(account.ID, account.Username, account.Email, account.Role, sessionID), nil
}

// ValidateUserSession checks that sessionID exists and belongs to the claimed
// user. A user mismatch is treated as a forged-session attempt: denied and
// audited, not a soft failure. Store errors fail closed.
func (h *Handler) ValidateUserSession(ctx context.Context, userID int64, sessionID string) bool {
	switch h.checkSession(ctx, userID, sessionID) {
	case sessionOK:
		return true
	case sessionForged:
		h.auditor.Emit(ctx, AuditEvent{
			Event:   EventAuthFailure,
			Subject: strconv.FormatInt(userID, 10),
			Source:  "session:" + sessionID,
			Reason:  "session user mismatch: possible forged session",
		})
		return false
	default:
		return false
	}
}

// AuthorizeAdminAccess requires the admin role, plus membership of permission
// in the context's precomputed set when one is named. Denials are audited.
func (h *Handler) AuthorizeAdminAccess(ctx context.Context, authCtx *AuthContext, permission Permission) bool {
	if authCtx == nil || !authCtx.IsAdmin() {
		h.auditPermissionDenied(ctx, authCtx, "admin role required")
		return false
	}
	if permission != "" && !authCtx.HasPermission(permission) {
		h.auditPermissionDenied(ctx, authCtx, "missing permission "+string(permission))
		return false
	}
	return true
}

// HasPermission checks membership in the context's permission set.
func (h *Handler) HasPermission(authCtx *AuthContext, permission Permission) bool {
	return authCtx.HasPermission(permission)
}

func (h *Handler) auditPermissionDenied(ctx context.Context, authCtx *AuthContext, reason string) {
	subject := "anonymous"
	if authCtx != nil {
		subject = strconv.FormatInt(authCtx.UserID, 10)
	}
	h.auditor.Emit(ctx, AuditEvent{
		Event:   EventPermissionDenied,
		Subject: subject,
		Source:  "connection",
		Reason:  reason,
	})
}

type sessionState int

const (
	sessionOK sessionState = iota
	sessionInvalid
	sessionForged
)

func (h *Handler) checkSession(ctx context.Context, userID int64, sessionID string) sessionState {
	if sessionID == "" {
		return sessionInvalid
	}
	storeCtx, cancel := context.WithTimeout(ctx, h.ioTimeout)
	defer cancel()
	session, err := h.sessions.Get(storeCtx, sessionID)
	if err != nil || session == nil {
		return sessionInvalid
	}
	if !session.ExpiresAt.IsZero() && session.ExpiresAt.Before(time.Now()) {
		return sessionInvalid
	}
	if session.UserID != userID {
		return sessionForged
	}
	return sessionOK
}

// parseToken extracts the claimed user and session ids from a signed token.
func (h *Handler) parseToken(tokenStr string) (userID int64, sessionID string, err error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return h.jwtSecret, nil
	})
	if err != nil {
		return 0, "", err
	}
	if !token.Valid {
		return 0, "", ErrInvalidToken
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return 0, "", errors.New("missing subject claim")
	}
	userID, err = strconv.ParseInt(sub, 10, 64)
	if err != nil {
		return 0, "", errors.New("malformed subject claim")
	}
	sid, ok := claims["sid"].(string)
	if !ok || sid == "" {
		return 0, "", errors.New("missing session claim")
	}
	return userID, sid, nil
}

// GenericReason maps handshake errors to the reason shown to the peer.
// Thresholds and internal causes are deliberately not revealed.
func GenericReason(err error) string {
	if errors.Is(err, ErrRateLimited) {
		return "try again later"
	}
	return "unauthorized"
}
