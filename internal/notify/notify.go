// Package notify delivers trading alerts to operators.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AlertType defines the category of alert
type AlertType string

const (
	AlertDecision AlertType = "decision"
	AlertVeto     AlertType = "veto"
	AlertTrip     AlertType = "breaker_trip"
	AlertReset    AlertType = "breaker_reset"
	AlertOrder    AlertType = "order"
	AlertError    AlertType = "error"
)

// Severity of an alert
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is a single operator notification
type Alert struct {
	ID        string      `json:"id"`
	Type      AlertType   `json:"type"`
	Severity  Severity    `json:"severity"`
	Ticker    string      `json:"ticker,omitempty"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewAlert creates an alert with a generated ID and the current time.
func NewAlert(alertType AlertType, severity Severity, ticker, message string, data interface{}) Alert {
	return Alert{
		ID:        uuid.New().String(),
		Type:      alertType,
		Severity:  severity,
		Ticker:    ticker,
		Message:   message,
		Data:      data,
		Timestamp: time.Now(),
	}
}

// Notifier delivers alerts. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to a zap logger
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a log notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("alerts")}
}

// Notify logs the alert at a level matching its severity.
func (n *LogNotifier) Notify(_ context.Context, alert Alert) error {
	fields := []zap.Field{
		zap.String("id", alert.ID),
		zap.String("type", string(alert.Type)),
		zap.String("ticker", alert.Ticker),
	}
	switch alert.Severity {
	case SeverityCritical:
		n.logger.Error(alert.Message, fields...)
	case SeverityWarning:
		n.logger.Warn(alert.Message, fields...)
	default:
		n.logger.Info(alert.Message, fields...)
	}
	return nil
}

// Multi fans an alert out to every notifier, in order. Every notifier is
// tried; failures are joined.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps alerts in memory, newest last, up to a limit.
type Recorder struct {
	mu     sync.RWMutex
	limit  int
	alerts []Alert
}

// NewRecorder creates a recorder; limit <= 0 keeps everything.
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit}
}

// Notify implements Notifier.
func (r *Recorder) Notify(_ context.Context, alert Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	if r.limit > 0 && len(r.alerts) > r.limit {
		r.alerts = r.alerts[len(r.alerts)-r.limit:]
	}
	return nil
}

// Alerts returns a copy of the recorded alerts.
func (r *Recorder) Alerts() []Alert {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Alert, len(r.alerts))
	copy(out, r.alerts)
	return out
}

// OfType returns recorded alerts of one type.
func (r *Recorder) OfType(alertType AlertType) []Alert {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Alert
	for _, a := range r.alerts {
		if a.Type == alertType {
			out = append(out, a)
		}
	}
	return out
}
