// Package agentevent parses app-server notifications into a closed set of
// typed events and renders thread items as message text.
package agentevent

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/dhruvalgolakiya/taskdex-sub000/internal/appserver"
	"github.com/dhruvalgolakiya/taskdex-sub000/shared/wire"
)

// Notification is a parsed app-server notification. The set of variants is
// closed; anything the router does not act on is a Passthrough.
type Notification interface {
	Method() string
	isNotification()
}

// TurnStarted marks the beginning of a turn.
type TurnStarted struct {
	TurnID string
}

// TurnCompleted marks the successful end of a turn.
type TurnCompleted struct {
	TurnID string
}

// TurnFailed marks a turn that ended in error.
type TurnFailed struct {
	TurnID  string
	Message string
}

// ItemStarted announces a new item.
type ItemStarted struct {
	Item Item
}

// ItemDelta carries an incremental text fragment for an item.
type ItemDelta struct {
	method string
	Kind   wire.MessageKind
	ItemID string
	Delta  string
}

// ItemCompleted carries the authoritative final state of an item.
type ItemCompleted struct {
	Item Item
}

// Passthrough is any other notification. It is forwarded unchanged.
type Passthrough struct {
	Name   string
	Params json.RawMessage
}

func (TurnStarted) Method() string { return appserver.NotifyTurnStarted }
func (TurnCompleted) Method() string { return appserver.NotifyTurnCompleted }
func (TurnFailed) Method() string { return appserver.NotifyTurnFailed }
func (ItemStarted) Method() string { return appserver.NotifyItemStarted }
func (d ItemDelta) Method() string { return d.method }
func (ItemCompleted) Method() string { return appserver.NotifyItemCompleted }
func (p Passthrough) Method() string { return p.Name }

func (TurnStarted) isNotification() {}
func (TurnCompleted) isNotification() {}
func (TurnFailed) isNotification() {}
func (ItemStarted) isNotification() {}
func (ItemDelta) isNotification() {}
func (ItemCompleted) isNotification() {}
func (Passthrough) isNotification() {}

type turnParams struct {
	Turn struct {
		ID    string `json:"id"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error,omitempty"`
	} `json:"turn"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type itemParams struct {
	Item Item `json:"item"`
}

type deltaParams struct {
	ItemID string `json:"itemId"`
	Delta  string `json:"delta"`
}

// ParseNotification maps a method and its params onto a variant. It never
// fails: params that do not match the expected shape yield a Passthrough.
func ParseNotification(method string, params json.RawMessage) Notification {
	pass := Passthrough{Name: method, Params: params}

	switch method {
	case appserver.NotifyTurnStarted, appserver.NotifyTurnCompleted, appserver.NotifyTurnFailed:
		var p turnParams
		if !isEmptyParams(params) {
			if err := json.Unmarshal(params, &p); err != nil {
				return pass
			}
		}
		switch method {
		case appserver.NotifyTurnStarted:
			return TurnStarted{TurnID: p.Turn.ID}
		case appserver.NotifyTurnCompleted:
			return TurnCompleted{TurnID: p.Turn.ID}
		}
		msg := ""
		if p.Turn.Error != nil {
			msg = p.Turn.Error.Message
		} else if p.Error != nil {
			msg = p.Error.Message
		}
		return TurnFailed{TurnID: p.Turn.ID, Message: msg}

	case appserver.NotifyItemStarted, appserver.NotifyItemCompleted:
		var p itemParams
		if err := json.Unmarshal(params, &p); err != nil || p.Item.ID == "" {
			return pass
		}
		if method == appserver.NotifyItemStarted {
			return ItemStarted{Item: p.Item}
		}
		return ItemCompleted{Item: p.Item}
	}

	if kind, ok := deltaKind(method); ok {
		var p deltaParams
		if err := json.Unmarshal(params, &p); err != nil || p.ItemID == "" {
			return pass
		}
		return ItemDelta{method: method, Kind: kind, ItemID: p.ItemID, Delta: p.Delta}
	}
	return pass
}

// isEmptyParams reports a missing or null params member. Turn lifecycle
// notifications still move the state machine without one.
func isEmptyParams(params json.RawMessage) bool {
	trimmed := bytes.TrimSpace(params)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// deltaKind recognizes "item/<type>/delta" methods.
func deltaKind(method string) (wire.MessageKind, bool) {
	if !strings.HasPrefix(method, "item/") || !strings.HasSuffix(method, "/delta") {
		return "", false
	}
	itemType := strings.TrimSuffix(strings.TrimPrefix(method, "item/"), "/delta")
	if itemType == "" || strings.Contains(itemType, "/") {
		return "", false
	}
	return ClassifyItemType(itemType), true
}
