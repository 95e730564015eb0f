// Package notify delivers out-of-band alerts (safety alarms, budget
// thresholds, audit summaries).  Delivery is fire-and-forget and
// at-least-once: callers may send the same notification twice and
// receivers are expected to tolerate that.
package notify

import (
	"context"
	"log/slog"
	"time"
)

// Kind classifies a notification.
type Kind string

const (
	KindSafetyAlarm     Kind = "safety_alarm"
	KindBudgetThreshold Kind = "budget_threshold"
	KindAudit           Kind = "ledger_audit"
)

// Notification is the transport-neutral alert payload.
type Notification struct {
	Kind    Kind              `json:"kind"`
	Subject string            `json:"subject"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
	Time    time.Time         `json:"time"`
}

// Notifier sends notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to a logger.  It is the fallback
// when no webhook is configured so alerts still land somewhere
// searchable.
type LogNotifier struct {
	Logger *slog.Logger
}

var _ Notifier = LogNotifier{}

func (l LogNotifier) Notify(_ context.Context, n Notification) error {
	attrs := []any{
		slog.String("kind", string(n.Kind)),
		slog.String("subject", n.Subject),
		slog.String("message", n.Message),
	}
	for k, v := range n.Fields {
		attrs = append(attrs, slog.String(k, v))
	}
	l.Logger.Warn("notification", attrs...)
	return nil
}
