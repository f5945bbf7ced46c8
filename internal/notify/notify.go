// Package notify delivers newly created alerts to downstream channels.
package notify

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/kyb-monitor/internal/model"
)

// Notifier delivers one alert for a tenant.
type Notifier interface {
	Notify(ctx context.Context, tenantID string, a model.Alert) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, tenantID string, a model.Alert) error

// Notify implements Notifier.
func (f Func) Notify(ctx context.Context, tenantID string, a model.Alert) error {
	return f(ctx, tenantID, a)
}

// Event is the payload published for an alert.
type Event struct {
	TenantID  string      `json:"tenant_id"`
	Alert     model.Alert `json:"alert"`
	EmittedAt time.Time   `json:"emitted_at"`
}

// NewEvent builds the payload for a.
func NewEvent(tenantID string, a model.Alert) Event {
	return Event{TenantID: tenantID, Alert: a, EmittedAt: time.Now().UTC()}
}

// Multi fans an alert out to every notifier and joins their errors.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, tenantID string, a model.Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, tenantID, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes alerts to a zap logger.
type Log struct {
	log *zap.Logger
}

// NewLog creates a Log notifier on the global logger.
func NewLog() *Log {
	return &Log{log: zap.L().With(zap.String("component", "notify"))}
}

// Notify implements Notifier.
func (l *Log) Notify(_ context.Context, tenantID string, a model.Alert) error {
	l.log.Info("alert raised",
		zap.String("tenant_id", tenantID),
		zap.String("alert_id", a.ID),
		zap.String("counterparty_id", a.CounterpartyID),
		zap.String("source", string(a.Source)),
		zap.String("type", string(a.Type)),
		zap.String("severity", string(a.Severity)),
		zap.String("message", a.Message),
	)
	return nil
}

// Nop discards alerts.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, string, model.Alert) error { return nil }
