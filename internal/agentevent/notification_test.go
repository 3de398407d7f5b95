package agentevent

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dhruvalgolakiya/taskdex-sub000/shared/wire"
)

func TestClassifyItemTypePrecedence(t *testing.T) {
	t.Parallel()

	cases := []struct {
		itemType string
		want     wire.MessageKind
	}{
		{"reasoning", wire.KindThinking},
		{"ReasoningCommand", wire.KindThinking},
		{"commandOutput", wire.KindCommandOutput},
		{"shellOutput", wire.KindCommandOutput},
		{"commandExecution", wire.KindCommand},
		{"ShellCommand", wire.KindCommand},
		{"fileChange", wire.KindFileChange},
		{"codeChange", wire.KindFileChange},
		{"agentMessage", wire.KindAgent},
		{"", wire.KindAgent},
	}
	for _, tc := range cases {
		if got := ClassifyItemType(tc.itemType); got != tc.want {
			t.Fatalf("ClassifyItemType(%q)=%q, want %q", tc.itemType, got, tc.want)
		}
	}
}

func TestParseNotificationVariants(t *testing.T) {
	t.Parallel()

	n := ParseNotification("turn/started", json.RawMessage(`{"turn":{"id":"t1"}}`))
	require.Equal(t, TurnStarted{TurnID: "t1"}, n)

	n = ParseNotification("turn/completed", json.RawMessage(`{"turn":{"id":"t1"}}`))
	require.Equal(t, TurnCompleted{TurnID: "t1"}, n)

	n = ParseNotification("turn/failed", json.RawMessage(`{"turn":{"id":"t1","error":{"message":"rate limited"}}}`))
	require.Equal(t, TurnFailed{TurnID: "t1", Message: "rate limited"}, n)

	// Lifecycle methods without params still drive the turn state.
	require.Equal(t, TurnStarted{}, ParseNotification("turn/started", nil))
	require.Equal(t, TurnCompleted{}, ParseNotification("turn/completed", json.RawMessage(`null`)))
	require.Equal(t, TurnFailed{}, ParseNotification("turn/failed", json.RawMessage(` `)))

	n = ParseNotification("item/started", json.RawMessage(`{"item":{"id":"c1","type":"commandExecution","command":["ls","-la"]}}`))
	started, ok := n.(ItemStarted)
	require.True(t, ok)
	require.Equal(t, "$ ls -la", started.Item.PartialText())

	n = ParseNotification("item/reasoning/delta", json.RawMessage(`{"itemId":"r1","delta":"hmm"}`))
	delta, ok := n.(ItemDelta)
	require.True(t, ok)
	require.Equal(t, wire.KindThinking, delta.Kind)
	require.Equal(t, "item/reasoning/delta", delta.Method())

	n = ParseNotification("item/completed", json.RawMessage(`{"item":{"id":"m1","type":"agentMessage","text":"done"}}`))
	completed, ok := n.(ItemCompleted)
	require.True(t, ok)
	require.Equal(t, "done", completed.Item.FinalText())
}

func TestParseNotificationFallsBackToPassthrough(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		method string
		params string
	}{
		{"thread/tokenUsage/updated", `{"usage":{}}`},
		{"turn/started", `not json`},
		{"item/completed", `{"item":{}}`},
		{"item/agentMessage/delta", `{"delta":"x"}`},
		{"item/a/b/delta", `{"itemId":"x"}`},
	} {
		n := ParseNotification(tc.method, json.RawMessage(tc.params))
		p, ok := n.(Passthrough)
		require.True(t, ok, tc.method)
		require.Equal(t, tc.method, p.Method())
	}
}

func TestItemFinalText(t *testing.T) {
	t.Parallel()

	code := 2
	cmd := Item{ID: "c1", Type: "commandExecution", Command: "make", AggregatedOutput: "boom\n", ExitCode: &code}
	require.Equal(t, "$ make\nboom\n[exit 2]", cmd.FinalText())

	var reasoning Item
	require.NoError(t, json.Unmarshal([]byte(`{"id":"r1","type":"reasoning","summary":[{"text":"a"},"b"]}`), &reasoning))
	require.Equal(t, "a\nb", reasoning.FinalText())

	var change Item
	require.NoError(t, json.Unmarshal([]byte(`{"id":"f1","type":"fileChange","changes":[{"path":"main.go","kind":{"type":"update"}},{"path":"new.go","kind":"add"}]}`), &change))
	require.Equal(t, "update main.go\nadd new.go", change.FinalText())
}
