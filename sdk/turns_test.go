package sdk

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestExtractUsagePaths(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    TokenUsage
		found   bool
	}{
		{
			name:    "top level camel case",
			payload: `{"inputTokens":10,"outputTokens":5}`,
			want:    TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
			found:   true,
		},
		{
			name:    "nested usage snake case",
			payload: `{"usage":{"input_tokens":7,"output_tokens":3,"total_tokens":12}}`,
			want:    TokenUsage{InputTokens: 7, OutputTokens: 3, TotalTokens: 12},
			found:   true,
		},
		{
			name:    "turn usage with prompt aliases",
			payload: `{"turn":{"id":"t1","usage":{"prompt_tokens":100,"completion_tokens":20,"cached_input_tokens":40}}}`,
			want:    TokenUsage{InputTokens: 100, OutputTokens: 20, CachedInputTokens: 40, TotalTokens: 120},
			found:   true,
		},
		{
			name:    "turn object before turn usage",
			payload: `{"turn":{"totalTokens":9,"usage":{"inputTokens":1}}}`,
			want:    TokenUsage{TotalTokens: 9},
			found:   true,
		},
		{
			name:    "metrics usage",
			payload: `{"metrics":{"usage":{"promptTokens":2,"completionTokens":2,"reasoningOutputTokens":1}}}`,
			want:    TokenUsage{InputTokens: 2, OutputTokens: 2, ReasoningTokens: 1, TotalTokens: 4},
			found:   true,
		},
		{
			name:    "response usage",
			payload: `{"response":{"usage":{"input_tokens":4}}}`,
			want:    TokenUsage{InputTokens: 4, TotalTokens: 4},
			found:   true,
		},
		{
			name:    "nothing",
			payload: `{"turn":{"id":"t1"}}`,
		},
		{
			name:    "not json",
			payload: `nope`,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, found := ExtractUsage(json.RawMessage(tc.payload))
			require.Equal(t, tc.found, found)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestTurnTracker(t *testing.T) {
	tr := newTurnTracker()
	t0 := time.Unix(100, 0)

	_, ok := tr.finish("a1", "t0", false, nil, t0)
	require.False(t, ok, "untracked turn yields no metric")

	tr.start("a1", "t1", "m1", t0)
	tr.start("a1", "t1", "m2", t0.Add(time.Second))

	m, ok := tr.finish("a1", "", true, json.RawMessage(`{"usage":{"inputTokens":3}}`), t0.Add(4*time.Second))
	require.True(t, ok)
	require.Equal(t, "t1", m.TurnID)
	require.Equal(t, "m1", m.Model)
	require.Equal(t, 4*time.Second, m.Duration)
	require.True(t, m.Failed)
	require.True(t, m.HasUsage)
	require.Equal(t, int64(3), m.Usage.InputTokens)

	_, ok = tr.finish("a1", "t1", false, nil, t0)
	require.False(t, ok, "tracking entry is discarded after finish")
}

func TestPrometheusSink(t *testing.T) {
	reg := prometheus.NewRegistry()
	s, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	s.RecordTurn(TurnMetric{Model: "m1", Duration: 2 * time.Second, HasUsage: true, Usage: TokenUsage{InputTokens: 10, OutputTokens: 4}})
	s.RecordTurn(TurnMetric{Model: "m1", Duration: time.Second, Failed: true})

	require.Equal(t, 1.0, testutil.ToFloat64(s.Turns.WithLabelValues("m1", "completed")))
	require.Equal(t, 1.0, testutil.ToFloat64(s.Turns.WithLabelValues("m1", "failed")))
	require.Equal(t, 10.0, testutil.ToFloat64(s.Tokens.WithLabelValues("m1", "input")))
	require.Equal(t, 4.0, testutil.ToFloat64(s.Tokens.WithLabelValues("m1", "output")))
}
