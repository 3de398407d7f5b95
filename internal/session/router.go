package session

import (
	"encoding/json"
	"fmt"

	"github.com/dhruvalgolakiya/taskdex-sub000/internal/agentevent"
	"github.com/dhruvalgolakiya/taskdex-sub000/internal/notify"
	"github.com/dhruvalgolakiya/taskdex-sub000/shared/logger"
	"github.com/dhruvalgolakiya/taskdex-sub000/shared/wire"
)

// route applies one notification to the session and forwards it verbatim to
// clients. It runs on the session's stdout reader goroutine, so notifications
// for a session are handled strictly in arrival order.
func (m *Manager) route(s *Session, method string, params json.RawMessage) {
	n := agentevent.ParseNotification(method, params)
	change := s.apply(n, m.now())
	m.metrics.NotificationRouted(method)

	if params == nil {
		params = json.RawMessage("{}")
	}
	m.emitter.Emit(s.id, method, params)

	if change == nil {
		return
	}
	logger.Debugf("[session] %s %s -> %s (turn=%s)", s.id, method, change.status, change.turnID)
	m.emitter.Emit(s.id, wire.EventStatus, wire.StatusEvent{Status: change.status, TurnID: change.turnID})

	if !m.cfg.NotifyTurns {
		return
	}
	switch v := n.(type) {
	case agentevent.TurnCompleted:
		notify.Dispatch(m.notifier, notify.Alert{
			Title:    s.name,
			Body:     "Turn finished",
			Severity: notify.SeverityInfo,
			AgentID:  s.id,
			Category: notify.CategoryTurnComplete,
		})
	case agentevent.TurnFailed:
		body := "Turn failed"
		if v.Message != "" {
			body = fmt.Sprintf("Turn failed: %s", v.Message)
		}
		notify.Dispatch(m.notifier, notify.Alert{
			Title:    s.name,
			Body:     body,
			Severity: notify.SeverityWarning,
			AgentID:  s.id,
			Category: notify.CategoryTurnFailed,
		})
	}
}
