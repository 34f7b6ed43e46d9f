package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arzzra/softphone/pkg/model"
)

// Исходы обработки сырого события
const (
	outcomeApplied   = "applied"
	outcomeIgnored   = "ignored"
	outcomeStale     = "stale"
	outcomeMalformed = "malformed"
	outcomeDetached  = "detached"
)

// Итоги операций
const (
	resultOK        = "ok"
	resultRejected  = "rejected"
	resultFailed    = "failed"
	resultCancelled = "cancelled"
)

// Metrics метрики фасада сессии
type Metrics struct {
	published        prometheus.Counter
	suppressed       prometheus.Counter
	events           *prometheus.CounterVec
	operations       *prometheus.CounterVec
	fallbacks        *prometheus.CounterVec
	directionAssumed prometheus.Counter
	callStatus       prometheus.Gauge
	connection       prometheus.Gauge
}

// NewMetrics регистрирует метрики в reg. Nil reg означает отдельный реестр,
// что удобно в тестах.
func NewMetrics(reg prometheus.Registerer, cfg MetricsConfig) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if cfg.Namespace == "" && cfg.Subsystem == "" {
		cfg = DefaultMetricsConfig()
	}
	f := promauto.With(reg)
	ns, sub := cfg.Namespace, cfg.Subsystem

	return &Metrics{
		published: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "snapshots_published_total",
			Help:      "Snapshots delivered to subscribers",
		}),
		suppressed: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "snapshots_suppressed_total",
			Help:      "Snapshots suppressed by the emitter because nothing visible changed",
		}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "backend_events_total",
			Help:      "Raw backend events by backend and outcome",
		}, []string{"backend", "outcome"}),
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "operations_total",
			Help:      "Session operations by name and result",
		}, []string{"operation", "result"}),
		fallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "transport_fallbacks_total",
			Help:      "Native transports served by the WebSocket backend",
		}, []string{"transport"}),
		directionAssumed: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "direction_assumed_total",
			Help:      "Established calls whose direction was unknown and assumed outgoing",
		}),
		callStatus: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "call_status",
			Help:      "Current call status as its numeric value",
		}),
		connection: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "connection_state",
			Help:      "Current connection state as its numeric value",
		}),
	}
}

func (m *Metrics) observe(s model.Snapshot) {
	m.callStatus.Set(float64(s.CallStatus))
	m.connection.Set(float64(s.Connection))
}

func (m *Metrics) event(backendName, outcome string) {
	m.events.WithLabelValues(backendName, outcome).Inc()
}

func (m *Metrics) operation(op, result string) {
	m.operations.WithLabelValues(op, result).Inc()
}
