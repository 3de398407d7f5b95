package sdk

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsSink receives one record per finished turn.
type MetricsSink interface {
	RecordTurn(m TurnMetric)
}

// MetricsFunc adapts a function to MetricsSink.
type MetricsFunc func(TurnMetric)

func (f MetricsFunc) RecordTurn(m TurnMetric) { f(m) }

// PrometheusSink exports turn metrics.
type PrometheusSink struct {
	Turns    *prometheus.CounterVec
	Duration *prometheus.HistogramVec
	Tokens   *prometheus.CounterVec
}

// NewPrometheusSink creates the collectors and registers them with reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	s := &PrometheusSink{
		Turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskdex_client",
			Name:      "turns_total",
			Help:      "Finished turns by model and outcome.",
		}, []string{"model", "outcome"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "taskdex_client",
			Name:      "turn_duration_seconds",
			Help:      "Wall time from turn start to completion.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"model", "outcome"}),
		Tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskdex_client",
			Name:      "tokens_total",
			Help:      "Tokens reported by finished turns.",
		}, []string{"model", "kind"}),
	}
	for _, c := range []prometheus.Collector{s.Turns, s.Duration, s.Tokens} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// RecordTurn implements MetricsSink.
func (s *PrometheusSink) RecordTurn(m TurnMetric) {
	outcome := "completed"
	if m.Failed {
		outcome = "failed"
	}
	s.Turns.WithLabelValues(m.Model, outcome).Inc()
	s.Duration.WithLabelValues(m.Model, outcome).Observe(m.Duration.Seconds())
	if !m.HasUsage {
		return
	}
	s.Tokens.WithLabelValues(m.Model, "input").Add(float64(m.Usage.InputTokens))
	s.Tokens.WithLabelValues(m.Model, "output").Add(float64(m.Usage.OutputTokens))
	s.Tokens.WithLabelValues(m.Model, "cached_input").Add(float64(m.Usage.CachedInputTokens))
	s.Tokens.WithLabelValues(m.Model, "reasoning").Add(float64(m.Usage.ReasoningTokens))
}
