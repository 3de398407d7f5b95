package appserver

// Package appserver speaks JSON-RPC 2.0 over the newline-delimited stdio of a
// `codex app-server` subprocess.

const (
	// MethodInitialize must be called once after spawning the process.
	MethodInitialize = "initialize"
	// MethodInitialized is the client notification sent after initialize succeeds.
	MethodInitialized = "initialized"
)

const (
	// MethodThreadStart creates a new thread and subscribes to its events.
	MethodThreadStart = "thread/start"
	// MethodTurnStart starts a new turn for a thread (user input).
	MethodTurnStart = "turn/start"
	// MethodTurnInterrupt cancels an in-flight turn.
	MethodTurnInterrupt = "turn/interrupt"
)

const (
	NotifyTurnStarted            = "turn/started"
	NotifyTurnCompleted          = "turn/completed"
	NotifyTurnFailed             = "turn/failed"
	NotifyItemStarted            = "item/started"
	NotifyItemCompleted          = "item/completed"
	NotifyItemAgentMessageDelta  = "item/agentMessage/delta"
	NotifyItemReasoningDelta     = "item/reasoning/delta"
	NotifyItemCommandOutputDelta = "item/commandOutput/delta"
)

// jsonrpcVersion is stamped on every outbound message.
const jsonrpcVersion = "2.0"
