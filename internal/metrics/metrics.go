package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Executor
	ActionDuration *prometheus.HistogramVec
	ActionsTotal   *prometheus.CounterVec
	ActiveActions  *prometheus.GaugeVec
	QueueDepth     *prometheus.GaugeVec

	// Message bus
	MessagesTotal   *prometheus.CounterVec
	SendFailures    *prometheus.CounterVec
	DroppedMessages prometheus.Counter

	// Scheduler
	ScheduleFires  *prometheus.CounterVec
	ScheduleErrors *prometheus.CounterVec

	// State manager cache
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter

	// Orchestrator
	AgentsByStatus *prometheus.GaugeVec

	// Host
	SystemCPU    prometheus.Gauge
	SystemMemory prometheus.Gauge
	ProcessRSS   prometheus.Gauge
}

// New registers the collectors on reg. A nil reg gets a private registry,
// so components can always record without a nil check.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		ActionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentspace_action_duration_seconds",
			Help:    "Histogram of action execution latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
		}, []string{"kind", "outcome"}),

		ActionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentspace_actions_total",
			Help: "Total number of finished actions by agent and outcome.",
		}, []string{"agent_id", "outcome"}),

		ActiveActions: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentspace_active_actions",
			Help: "Number of actions currently holding a concurrency permit.",
		}, []string{"agent_id"}),

		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentspace_queue_depth",
			Help: "Number of actions waiting in an executor queue.",
		}, []string{"agent_id"}),

		MessagesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentspace_messages_total",
			Help: "Total number of messages sent on the bus.",
		}, []string{"type", "delivery"}),

		SendFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentspace_message_send_failures_total",
			Help: "Direct sends that could not be delivered.",
		}, []string{"reason"}),

		DroppedMessages: f.NewCounter(prometheus.CounterOpts{
			Name: "agentspace_broadcast_dropped_total",
			Help: "Broadcast deliveries dropped because a subscriber lagged.",
		}),

		ScheduleFires: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentspace_schedule_fires_total",
			Help: "Total number of schedule rule firings.",
		}, []string{"kind"}),

		ScheduleErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentspace_schedule_errors_total",
			Help: "Schedule failures by stage.",
		}, []string{"stage"}),

		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "agentspace_state_cache_hits_total",
			Help: "State loads served from the in-memory cache.",
		}),

		CacheMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "agentspace_state_cache_misses_total",
			Help: "State loads that went to the store.",
		}),

		AgentsByStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentspace_agents",
			Help: "Number of agents by lifecycle status.",
		}, []string{"status"}),

		SystemCPU: f.NewGauge(prometheus.GaugeOpts{
			Name: "agentspace_system_cpu_percent",
			Help: "Host CPU utilization.",
		}),

		SystemMemory: f.NewGauge(prometheus.GaugeOpts{
			Name: "agentspace_system_memory_percent",
			Help: "Host memory utilization.",
		}),

		ProcessRSS: f.NewGauge(prometheus.GaugeOpts{
			Name: "agentspace_process_rss_bytes",
			Help: "Resident set size of the runtime process.",
		}),
	}
}

// ObserveAction records a finished action
func (m *Metrics) ObserveAction(agentID, kind, outcome string, d time.Duration) {
	m.ActionsTotal.WithLabelValues(agentID, outcome).Inc()
	m.ActionDuration.WithLabelValues(kind, outcome).Observe(d.Seconds())
}
