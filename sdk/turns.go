package sdk

import (
	"encoding/json"
	"time"
)

// TokenUsage is the token accounting reported for a turn.
type TokenUsage struct {
	InputTokens       int64
	OutputTokens      int64
	CachedInputTokens int64
	ReasoningTokens   int64
	TotalTokens       int64
}

// TurnMetric describes one finished turn.
type TurnMetric struct {
	AgentID   string
	TurnID    string
	Model     string
	StartedAt time.Time
	Duration  time.Duration
	Failed    bool
	// HasUsage is false when the payload carried no recognizable usage.
	HasUsage bool
	Usage    TokenUsage
}

// usagePaths are searched in order; the first object carrying any token
// figure wins. The empty path is the payload itself.
var usagePaths = [][]string{
	{},
	{"usage"},
	{"turn"},
	{"turn", "usage"},
	{"result"},
	{"result", "usage"},
	{"response"},
	{"response", "usage"},
	{"metrics"},
	{"metrics", "usage"},
}

var (
	inputKeys     = []string{"inputTokens", "input_tokens", "promptTokens", "prompt_tokens"}
	outputKeys    = []string{"outputTokens", "output_tokens", "completionTokens", "completion_tokens"}
	totalKeys     = []string{"totalTokens", "total_tokens"}
	cachedKeys    = []string{"cachedInputTokens", "cached_input_tokens", "cachedTokens", "cached_tokens"}
	reasoningKeys = []string{"reasoningOutputTokens", "reasoning_output_tokens", "reasoningTokens", "reasoning_tokens"}
)

// ExtractUsage finds token usage in a turn notification payload.
func ExtractUsage(payload json.RawMessage) (TokenUsage, bool) {
	var root map[string]any
	if err := json.Unmarshal(payload, &root); err != nil {
		return TokenUsage{}, false
	}
	for _, path := range usagePaths {
		obj, ok := lookupObject(root, path)
		if !ok {
			continue
		}
		in, hasIn := firstNumber(obj, inputKeys)
		out, hasOut := firstNumber(obj, outputKeys)
		total, hasTotal := firstNumber(obj, totalKeys)
		if !hasIn && !hasOut && !hasTotal {
			continue
		}
		u := TokenUsage{InputTokens: in, OutputTokens: out, TotalTokens: total}
		u.CachedInputTokens, _ = firstNumber(obj, cachedKeys)
		u.ReasoningTokens, _ = firstNumber(obj, reasoningKeys)
		if !hasTotal {
			u.TotalTokens = in + out
		}
		return u, true
	}
	return TokenUsage{}, false
}

func lookupObject(root map[string]any, path []string) (map[string]any, bool) {
	cur := root
	for _, key := range path {
		next, ok := cur[key].(map[string]any)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

func firstNumber(obj map[string]any, keys []string) (int64, bool) {
	for _, k := range keys {
		if v, ok := obj[k].(float64); ok {
			return int64(v), true
		}
	}
	return 0, false
}

type turnStart struct {
	turnID  string
	model   string
	started time.Time
}

// turnTracker times turns per agent. At most one turn per agent is tracked.
type turnTracker struct {
	active map[string]turnStart
}

func newTurnTracker() *turnTracker {
	return &turnTracker{active: make(map[string]turnStart)}
}

func (t *turnTracker) start(agentID, turnID, model string, now time.Time) {
	if cur, ok := t.active[agentID]; ok && (turnID == "" || cur.turnID == turnID) {
		// Repeated start for the same turn keeps the original clock.
		return
	}
	t.active[agentID] = turnStart{turnID: turnID, model: model, started: now}
}

// finish closes the agent's turn. It reports false when no turn was tracked.
func (t *turnTracker) finish(agentID, turnID string, failed bool, payload json.RawMessage, now time.Time) (TurnMetric, bool) {
	st, ok := t.active[agentID]
	if !ok {
		return TurnMetric{}, false
	}
	delete(t.active, agentID)

	if turnID == "" {
		turnID = st.turnID
	}
	m := TurnMetric{
		AgentID:   agentID,
		TurnID:    turnID,
		Model:     st.model,
		StartedAt: st.started,
		Duration:  now.Sub(st.started),
		Failed:    failed,
	}
	m.Usage, m.HasUsage = ExtractUsage(payload)
	return m, true
}

func (t *turnTracker) drop(agentID string) {
	delete(t.active, agentID)
}
