// Package notify delivers best-effort push alerts about sessions.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/dhruvalgolakiya/taskdex-sub000/shared/logger"
)

// Severity grades an alert.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Alert categories raised by the bridge.
const (
	CategoryAgentCrash   = "agent_crash"
	CategoryTurnComplete = "turn_complete"
	CategoryTurnFailed   = "turn_failed"
)

// dispatchTimeout bounds a single fire-and-forget delivery.
const dispatchTimeout = 10 * time.Second

// Alert is one push notification.
type Alert struct {
	Title    string
	Body     string
	Severity Severity
	AgentID  string
	Category string
}

// key de-duplicates alerts of the same kind for the same session.
func (a Alert) key() string {
	return a.Category + ":" + a.AgentID
}

// Notifier delivers alerts.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// Nop discards every alert.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, Alert) error { return nil }

// Multi fans an alert out to every notifier and joins their errors.
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

// Dispatch delivers alert in the background. Failures are logged and
// dropped; there is no retry.
func Dispatch(n Notifier, alert Alert) {
	if n == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()
		if err := n.Notify(ctx, alert); err != nil {
			logger.Warnf("[notify] %s for %s failed: %v", alert.Category, alert.AgentID, err)
		}
	}()
}
