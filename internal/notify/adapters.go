package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Adapters map domain events into typed messages and delegate to the router.
// They never touch the transport, and a construction error is caught here: a
// notification failure must never abort the producer's main workflow.
type Adapters struct {
	log    *zap.Logger
	router *Router
}

func NewAdapters(log *zap.Logger, router *Router) *Adapters {
	return &Adapters{log: log, router: router}
}

// StorageUsage is the input contract for storage notifications. Quota must be
// set; a zero quota is a construction error, not a silent default.
type StorageUsage struct {
	UsedBytes  int64
	QuotaBytes int64
	Mount      string
}

// SendStorageLimitNotification notifies userID about storage consumption.
func (a *Adapters) SendStorageLimitNotification(ctx context.Context, userID int64, usage StorageUsage) bool {
	if usage.QuotaBytes <= 0 || usage.Mount == "" {
		a.logConstructionError("storage", fmt.Errorf("quota and mount are required"))
		return false
	}
	percent := float64(usage.UsedBytes) / float64(usage.QuotaBytes) * 100

	msgType, priority := TypeInfo, PriorityNormal
	switch {
	case percent >= 100:
		msgType, priority = TypeError, PriorityCritical
	case percent >= 90:
		msgType, priority = TypeWarning, PriorityHigh
	}

	msg, err := NewMessage(msgType, CategoryStorage, priority,
		"Storage usage alert",
		fmt.Sprintf("Storage on %s is at %.1f%% of quota", usage.Mount, percent))
	if err != nil {
		a.logConstructionError("storage", err)
		return false
	}
	msg = msg.WithData(map[string]interface{}{
		"used_bytes":  usage.UsedBytes,
		"quota_bytes": usage.QuotaBytes,
		"mount":       usage.Mount,
		"percent":     percent,
	})
	return a.router.SendUserNotification(ctx, userID, msg)
}

// PlatformEvent is the input contract for platform lifecycle notifications.
type PlatformEvent struct {
	Action  string
	Target  string
	Success bool
	Detail  string
}

// SendPlatformNotification notifies userID about a platform action outcome.
func (a *Adapters) SendPlatformNotification(ctx context.Context, userID int64, event PlatformEvent) bool {
	if event.Action == "" || event.Target == "" {
		a.logConstructionError("platform", fmt.Errorf("action and target are required"))
		return false
	}
	msgType, priority := TypeSuccess, PriorityNormal
	body := fmt.Sprintf("%s on %s completed", event.Action, event.Target)
	if !event.Success {
		msgType, priority = TypeError, PriorityHigh
		body = fmt.Sprintf("%s on %s failed", event.Action, event.Target)
	}

	msg, err := NewMessage(msgType, CategoryPlatform, priority, "Platform event", body)
	if err != nil {
		a.logConstructionError("platform", err)
		return false
	}
	msg = msg.WithData(map[string]interface{}{
		"action":  event.Action,
		"target":  event.Target,
		"success": event.Success,
		"detail":  event.Detail,
	})
	return a.router.SendUserNotification(ctx, userID, msg)
}

// DashboardUpdate is the input contract for dashboard refresh notifications.
type DashboardUpdate struct {
	Widget  string
	Summary string
}

// SendDashboardNotification pushes a dashboard refresh hint to userID.
func (a *Adapters) SendDashboardNotification(ctx context.Context, userID int64, update DashboardUpdate) bool {
	if update.Widget == "" || update.Summary == "" {
		a.logConstructionError("dashboard", fmt.Errorf("widget and summary are required"))
		return false
	}
	msg, err := NewMessage(TypeInfo, CategoryDashboard, PriorityLow,
		"Dashboard updated", update.Summary)
	if err != nil {
		a.logConstructionError("dashboard", err)
		return false
	}
	msg = msg.WithData(map[string]interface{}{"widget": update.Widget})
	return a.router.SendUserNotification(ctx, userID, msg)
}

// MonitoringAlert is the input contract for monitoring notifications.
// Severity is one of critical, warning, info.
type MonitoringAlert struct {
	Check    string
	Severity string
	Detail   string
}

// SendMonitoringNotification notifies userID about a monitoring check result.
func (a *Adapters) SendMonitoringNotification(ctx context.Context, userID int64, alert MonitoringAlert) bool {
	if alert.Check == "" || alert.Severity == "" {
		a.logConstructionError("monitoring", fmt.Errorf("check and severity are required"))
		return false
	}
	var msgType Type
	var priority Priority
	switch alert.Severity {
	case "critical":
		msgType, priority = TypeError, PriorityCritical
	case "warning":
		msgType, priority = TypeWarning, PriorityHigh
	case "info":
		msgType, priority = TypeInfo, PriorityNormal
	default:
		a.logConstructionError("monitoring", fmt.Errorf("unknown severity %q", alert.Severity))
		return false
	}

	msg, err := NewMessage(msgType, CategoryMonitoring, priority,
		"Monitoring alert: "+alert.Check, alert.Detail)
	if err != nil {
		a.logConstructionError("monitoring", err)
		return false
	}
	msg = msg.WithData(map[string]interface{}{
		"check":    alert.Check,
		"severity": alert.Severity,
	})
	return a.router.SendUserNotification(ctx, userID, msg)
}

// PerformanceSample is the input contract for performance notifications.
type PerformanceSample struct {
	Operation string
	Duration  time.Duration
	Threshold time.Duration
}

// SendPerformanceNotification notifies userID when an operation's duration is
// worth reporting.
func (a *Adapters) SendPerformanceNotification(ctx context.Context, userID int64, sample PerformanceSample) bool {
	if sample.Operation == "" || sample.Threshold <= 0 {
		a.logConstructionError("performance", fmt.Errorf("operation and threshold are required"))
		return false
	}
	msgType, priority := TypeInfo, PriorityLow
	body := fmt.Sprintf("%s completed in %s", sample.Operation, sample.Duration)
	if sample.Duration > sample.Threshold {
		msgType, priority = TypeWarning, PriorityHigh
		body = fmt.Sprintf("%s took %s, exceeding the %s threshold", sample.Operation, sample.Duration, sample.Threshold)
	}

	msg, err := NewMessage(msgType, CategoryPerformance, priority, "Performance report", body)
	if err != nil {
		a.logConstructionError("performance", err)
		return false
	}
	msg = msg.WithData(map[string]interface{}{
		"operation":    sample.Operation,
		"duration_ms":  sample.Duration.Milliseconds(),
		"threshold_ms": sample.Threshold.Milliseconds(),
	})
	return a.router.SendUserNotification(ctx, userID, msg)
}

// healthTable is the fixed state mapping for health notifications.
var healthTable = map[string]struct {
	Type     Type
	Priority Priority
}{
	"healthy":   {TypeSuccess, PriorityLow},
	"degraded":  {TypeWarning, PriorityNormal},
	"unhealthy": {TypeError, PriorityHigh},
	"unknown":   {TypeInfo, PriorityNormal},
}

// HealthReport is the input contract for health-check notifications.
type HealthReport struct {
	Component string
	State     string
	Detail    string
}

// SendHealthNotification notifies userID about a component health state.
func (a *Adapters) SendHealthNotification(ctx context.Context, userID int64, report HealthReport) bool {
	if report.Component == "" {
		a.logConstructionError("health", fmt.Errorf("component is required"))
		return false
	}
	entry, ok := healthTable[report.State]
	if !ok {
		a.logConstructionError("health", fmt.Errorf("unknown health state %q", report.State))
		return false
	}
	detail := report.Detail
	if detail == "" {
		detail = fmt.Sprintf("%s is %s", report.Component, report.State)
	}

	msg, err := NewMessage(entry.Type, CategoryHealth, entry.Priority,
		"Health check: "+report.Component, detail)
	if err != nil {
		a.logConstructionError("health", err)
		return false
	}
	msg = msg.WithData(map[string]interface{}{
		"component": report.Component,
		"state":     report.State,
	})
	return a.router.SendUserNotification(ctx, userID, msg)
}

func (a *Adapters) logConstructionError(adapter string, err error) {
	a.log.Warn("notification construction failed",
		zap.String("adapter", adapter),
		zap.Error(err),
	)
}
