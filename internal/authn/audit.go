package authn

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/opsdeck/pushgate/pkg/metrics"
)

// Audit event types.
const (
	EventAuthFailure      = "auth_failure"
	EventRateLimited      = "rate_limited"
	EventPermissionDenied = "permission_denied"
)

// AuditEvent is the structured record emitted for every authentication
// failure, rate-limit rejection and permission denial.
type AuditEvent struct {
	Event     string    `json:"event"`
	Subject   string    `json:"subject"`
	Source    string    `json:"source"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Auditor writes audit events to the structured log and appends them to a
// Redis stream for retention. The log emission is unconditional; the stream
// append is bounded by a short timeout so a slow Redis cannot stall the
// connection path.
type Auditor struct {
	log     *zap.Logger
	rdb     *redis.Client
	stream  string
	timeout time.Duration
}

func NewAuditor(log *zap.Logger, rdb *redis.Client) *Auditor {
	return &Auditor{
		log:     log,
		rdb:     rdb,
		stream:  "audit:security",
		timeout: 500 * time.Millisecond,
	}
}

// Emit records event. It never returns an error: an unauditable failure is
// itself logged, and the caller's denial decision stands either way.
func (a *Auditor) Emit(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	metrics.AuditEvents.WithLabelValues(event.Event).Inc()
	a.log.Warn("security audit event",
		zap.String("event", event.Event),
		zap.String("subject", event.Subject),
		zap.String("source", event.Source),
		zap.String("reason", event.Reason),
		zap.Time("timestamp", event.Timestamp),
	)

	if a.rdb == nil {
		return
	}
	streamCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
	defer cancel()
	err := a.rdb.XAdd(streamCtx, &redis.XAddArgs{
		Stream: a.stream,
		MaxLen: 100000,
		Approx: true,
		Values: map[string]interface{}{
			"event":     event.Event,
			"subject":   event.Subject,
			"source":    event.Source,
			"reason":    event.Reason,
			"timestamp": event.Timestamp.Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		a.log.Error("failed to append audit event to stream",
			zap.String("stream", a.stream),
			zap.Error(err),
		)
	}
}
