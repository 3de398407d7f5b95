// Package metrics holds the Prometheus collectors exported by the bridge.
package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dhruvalgolakiya/taskdex-sub000/internal/appserver"
)

const namespace = "taskdex"

// Bridge groups the bridge's collectors. A nil *Bridge is valid and records
// nothing.
type Bridge struct {
	Sessions       prometheus.Gauge
	Clients        prometheus.Gauge
	RPCDuration    *prometheus.HistogramVec
	RPCTimeouts    *prometheus.CounterVec
	ProcessExits   *prometheus.CounterVec
	Notifications  *prometheus.CounterVec
	RestoreResults *prometheus.CounterVec
}

// NewBridge creates the collectors and registers them with reg.
func NewBridge(reg prometheus.Registerer) (*Bridge, error) {
	b := &Bridge{
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Live agent sessions.",
		}),
		Clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gateway_clients",
			Help:      "Authenticated gateway connections.",
		}),
		RPCDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_duration_seconds",
			Help:      "App-server request latency by method and outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}, []string{"method", "outcome"}),
		RPCTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_timeouts_total",
			Help:      "App-server requests that received no response in time.",
		}, []string{"method"}),
		ProcessExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_exits_total",
			Help:      "Unplanned app-server exits by exit code.",
		}, []string{"code"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "App-server notifications routed, by method.",
		}, []string{"method"}),
		RestoreResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restore_results_total",
			Help:      "Sessions recreated at startup, by result.",
		}, []string{"result"}),
	}
	for _, c := range []prometheus.Collector{
		b.Sessions, b.Clients, b.RPCDuration, b.RPCTimeouts,
		b.ProcessExits, b.Notifications, b.RestoreResults,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// ObserveCall records an app-server request outcome.
func (b *Bridge) ObserveCall(method string, elapsed time.Duration, err error) {
	if b == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if errors.Is(err, appserver.ErrTimeout) {
			outcome = "timeout"
			b.RPCTimeouts.WithLabelValues(method).Inc()
		}
	}
	b.RPCDuration.WithLabelValues(method, outcome).Observe(elapsed.Seconds())
}

// SetSessions sets the live session gauge.
func (b *Bridge) SetSessions(n int) {
	if b == nil {
		return
	}
	b.Sessions.Set(float64(n))
}

// SetClients sets the authenticated connection gauge.
func (b *Bridge) SetClients(n int) {
	if b == nil {
		return
	}
	b.Clients.Set(float64(n))
}

// ProcessExited counts an unplanned exit. A nil code is recorded as "signal".
func (b *Bridge) ProcessExited(code *int) {
	if b == nil {
		return
	}
	label := "signal"
	if code != nil {
		label = strconv.Itoa(*code)
	}
	b.ProcessExits.WithLabelValues(label).Inc()
}

// NotificationRouted counts a routed notification.
func (b *Bridge) NotificationRouted(method string) {
	if b == nil {
		return
	}
	b.Notifications.WithLabelValues(method).Inc()
}

// Restored counts a restore attempt.
func (b *Bridge) Restored(ok bool) {
	if b == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	b.RestoreResults.WithLabelValues(result).Inc()
}
