package wire

// Status is the lifecycle state of a session.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusReady        Status = "ready"
	StatusWorking      Status = "working"
	StatusError        Status = "error"
	StatusStopped      Status = "stopped"
)

// MessageKind classifies a message log entry.
type MessageKind string

const (
	KindUser          MessageKind = "user"
	KindAgent         MessageKind = "agent"
	KindThinking      MessageKind = "thinking"
	KindCommand       MessageKind = "command"
	KindCommandOutput MessageKind = "command_output"
	KindFileChange    MessageKind = "file_change"
	KindError         MessageKind = "error"
)

// MessageEntry is one entry in a session's ordered message log.
type MessageEntry struct {
	// ID is unique within the log.
	ID string `json:"id"`
	// ItemID links the entry to an agent item. Empty for user entries.
	ItemID string `json:"itemId,omitempty"`
	// TurnID is the turn the entry belongs to, when known.
	TurnID string      `json:"turnId,omitempty"`
	Kind   MessageKind `json:"kind"`
	Text   string      `json:"text"`
	// Streaming is true while deltas are still arriving.
	Streaming bool `json:"streaming,omitempty"`
	// CreatedAt is unix milliseconds.
	CreatedAt int64 `json:"createdAt"`
}

// CreateAgentParams describes a session to create.
type CreateAgentParams struct {
	// ID is optional; a fresh id is generated when empty. Restore passes the
	// persisted id.
	ID             string `json:"id,omitempty"`
	Name           string `json:"name"`
	Model          string `json:"model"`
	Cwd            string `json:"cwd"`
	ApprovalPolicy string `json:"approvalPolicy,omitempty"`
	SystemPrompt   string `json:"systemPrompt,omitempty"`
}

// AgentSummary is a snapshot of a session as seen by clients.
type AgentSummary struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Model          string         `json:"model"`
	Cwd            string         `json:"cwd"`
	ApprovalPolicy string         `json:"approvalPolicy,omitempty"`
	SystemPrompt   string         `json:"systemPrompt,omitempty"`
	Status         Status         `json:"status"`
	ThreadID       string         `json:"threadId,omitempty"`
	TurnID         string         `json:"turnId,omitempty"`
	CreatedAt      int64          `json:"createdAt"`
	Messages       []MessageEntry `json:"messages,omitempty"`
}
