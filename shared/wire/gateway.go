package wire

import "encoding/json"

// Gateway wire protocol (client <-> bridge). Every frame is a single JSON
// text message.

// CloseAuthFailed is the WebSocket close code sent when a connection fails or
// times out the auth handshake.
const CloseAuthFailed = 4001

// ErrTextBusy prefixes the error returned for a message sent while the
// session is running a turn. Clients queue the message when they see it.
const ErrTextBusy = "session is busy"

// Frame types carried in the "type" field of server frames.
const (
	TypeResponse = "response"
	TypeError    = "error"
	TypeStream   = "stream"
)

// Client actions.
const (
	ActionAuth           = "auth"
	ActionPing           = "ping"
	ActionListAgents     = "list_agents"
	ActionGetAgent       = "get_agent"
	ActionCreateAgent    = "create_agent"
	ActionStopAgent      = "stop_agent"
	ActionSendMessage    = "send_message"
	ActionInterrupt      = "interrupt"
	ActionUpdateModel    = "update_model"
	ActionRegisterPush   = "register_push"
	ActionUnregisterPush = "unregister_push"
)

// Bridge-originated stream events. Agent notifications are forwarded with
// their JSON-RPC method as the event name (for example "turn/started").
const (
	EventCreated      = "created"
	EventStopped      = "stopped"
	EventStatus       = "status"
	EventUserMessage  = "user_message"
	EventModelUpdated = "model_updated"
)

// Agent notification methods the client reconciler reacts to.
const (
	EventTurnStarted        = "turn/started"
	EventTurnCompleted      = "turn/completed"
	EventTurnFailed         = "turn/failed"
	EventItemStarted        = "item/started"
	EventItemCompleted      = "item/completed"
	EventAgentMessageDelta  = "item/agentMessage/delta"
	EventReasoningDelta     = "item/reasoning/delta"
	EventCommandOutputDelta = "item/commandOutput/delta"
)

// Request is a client request frame.
type Request struct {
	// Action names the operation.
	Action string `json:"action"`
	// Params is the action-specific payload.
	Params json.RawMessage `json:"params,omitempty"`
	// RequestID is echoed back in the reply.
	RequestID string `json:"requestId,omitempty"`
}

// Response is a reply frame. Type is TypeResponse with Data set, or TypeError
// with Error set.
type Response struct {
	Type      string          `json:"type"`
	Action    string          `json:"action"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// StreamEvent is a broadcast frame.
type StreamEvent struct {
	Type    string          `json:"type"`
	AgentID string          `json:"agentId"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Frame is used to peek at an inbound server frame before decoding it fully.
type Frame struct {
	Type      string          `json:"type"`
	Action    string          `json:"action,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	AgentID   string          `json:"agentId,omitempty"`
	Event     string          `json:"event,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// AuthParams is the payload of the first frame on a connection. Either Key or
// Token must be set.
type AuthParams struct {
	// Key is the shared secret configured on the bridge.
	Key string `json:"key,omitempty"`
	// Token is a resume token returned by a previous successful auth.
	Token string `json:"token,omitempty"`
	// ClientID optionally pins the client identity.
	ClientID string `json:"clientId,omitempty"`
}

// AuthResult is returned on successful authentication.
type AuthResult struct {
	ClientID string `json:"clientId"`
	Token    string `json:"token,omitempty"`
}

// AgentRef addresses an existing session.
type AgentRef struct {
	AgentID string `json:"agentId"`
}

// SendMessageParams carries a user message for a session.
type SendMessageParams struct {
	AgentID string `json:"agentId"`
	Text    string `json:"text"`
}

// SendMessageResult reports the turn started by a message.
type SendMessageResult struct {
	TurnID string `json:"turnId"`
}

// UpdateModelParams changes the model used for subsequent turns.
type UpdateModelParams struct {
	AgentID string `json:"agentId"`
	Model   string `json:"model"`
}

// PushRegistration registers a device push token for the calling client.
type PushRegistration struct {
	Token    string `json:"token"`
	Platform string `json:"platform,omitempty"`
}

// StoppedEvent is the payload of EventStopped. ExitCode is nil when the
// process was stopped on request or killed by a signal.
type StoppedEvent struct {
	ExitCode *int `json:"exitCode"`
}

// StatusEvent is the payload of EventStatus.
type StatusEvent struct {
	Status Status `json:"status"`
	TurnID string `json:"turnId,omitempty"`
}
