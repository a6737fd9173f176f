// Package observability exposes the Prometheus metrics the engine updates
// as it runs. The package-level promauto.New* globals mirror the teacher's
// control_plane/observability/metrics.go convention (one flat var block of
// registered collectors, grouped by subsystem comment headers) rather than
// an injected metrics struct, so every package can import this one and call
// straight into it.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// === Task queue ===

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "travianbot_queue_depth",
		Help: "Current number of tasks in the task queue",
	}, []string{"server", "status"})

	QueueOldestTaskAge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "travianbot_queue_oldest_task_age_seconds",
		Help: "Age of the oldest pending task in the queue",
	}, []string{"server"})

	TasksDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "travianbot_tasks_dispatched_total",
		Help: "Total tasks handed to a handler",
	}, []string{"server", "type"})

	TasksFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "travianbot_tasks_failed_total",
		Help: "Total tasks that exhausted retries",
	}, []string{"server", "type"})

	// === Engine loop ===

	LoopDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "travianbot_loop_duration_seconds",
		Help:    "Duration of one BotEngine main loop iteration",
		Buckets: prometheus.DefBuckets,
	}, []string{"server"})

	EngineLifecycle = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "travianbot_engine_lifecycle",
		Help: "Current engine lifecycle (0=stopped,1=active,2=paused,3=emergency_stopped)",
	}, []string{"server"})

	// === Bridge ===

	BridgeRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "travianbot_bridge_request_duration_seconds",
		Help:    "Round-trip duration of a content-script bridge call",
		Buckets: prometheus.DefBuckets,
	}, []string{"server", "method"})

	BridgeTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "travianbot_bridge_timeouts_total",
		Help: "Bridge calls that exceeded their adaptive timeout",
	}, []string{"server"})

	BridgeCurrentTimeout = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "travianbot_bridge_current_timeout_seconds",
		Help: "Current adaptive timeout applied to bridge calls",
	}, []string{"server"})

	// === Farm cycle ===

	FarmCycleState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "travianbot_farm_cycle_state",
		Help: "Current FarmManager FSM state, one gauge line per known state (1=current)",
	}, []string{"server", "state"})

	FarmCyclesCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "travianbot_farm_cycles_completed_total",
		Help: "Total farm cycles that reached IDLE normally",
	}, []string{"server"})

	ReraidsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "travianbot_reraids_sent_total",
		Help: "Total re-raid attacks sent",
	}, []string{"server"})

	// === Safety ===

	CooldownsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "travianbot_cooldowns_active",
		Help: "Number of task types currently cooling down",
	}, []string{"server"})

	EmergencyStops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "travianbot_emergency_stops_total",
		Help: "Total emergency stop activations",
	}, []string{"server", "reason"})

	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "travianbot_rate_limited_total",
		Help: "Engine cycles skipped by the hourly action cap or the per-server token-bucket limiter",
	}, []string{"server"})
)
