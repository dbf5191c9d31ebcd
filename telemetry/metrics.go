// Package telemetry provides Prometheus metrics, OpenTelemetry tracing, and
// correlation-id aware logging helpers for the bridge.
package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Outbound (log -> chat)
	LinesRead       prometheus.Counter
	LinesForwarded  prometheus.Counter
	LinesSuppressed *prometheus.CounterVec // label: reason
	SendFailures    prometheus.Counter

	// Inbound (chat -> console)
	CommandsTotal    *prometheus.CounterVec // label: result (ok|error)
	CommandsRejected prometheus.Counter
	CommandDuration  prometheus.Observer
	CommandsInFlight prometheus.Gauge

	// Tail process
	TailUp       prometheus.Gauge // 1=running,0=stopped
	TailRestarts prometheus.Counter
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		LinesRead = promauto.NewCounter(prometheus.CounterOpts{Name: "mcbridge_log_lines_read_total", Help: "Log lines read from the tail stream"})
		LinesForwarded = promauto.NewCounter(prometheus.CounterOpts{Name: "mcbridge_log_lines_forwarded_total", Help: "Log lines relayed to chat"})
		LinesSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{Name: "mcbridge_log_lines_suppressed_total", Help: "Log lines dropped by the filter"}, []string{"reason"})
		SendFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "mcbridge_chat_send_failures_total", Help: "Chat sends that returned an error"})
		CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "mcbridge_commands_total", Help: "Console commands executed"}, []string{"result"})
		CommandsRejected = promauto.NewCounter(prometheus.CounterOpts{Name: "mcbridge_commands_rejected_total", Help: "Commands ignored because they came from a room that is not allowed"})
		CommandDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "mcbridge_command_duration_seconds", Help: "Console client run time", Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}})
		CommandsInFlight = promauto.NewGauge(prometheus.GaugeOpts{Name: "mcbridge_commands_in_flight", Help: "Console clients currently running"})
		TailUp = promauto.NewGauge(prometheus.GaugeOpts{Name: "mcbridge_tail_up", Help: "Tail stream running=1 stopped=0"})
		TailRestarts = promauto.NewCounter(prometheus.CounterOpts{Name: "mcbridge_tail_restarts_total", Help: "Tail stream restarts after unexpected termination"})
	})
}

// SetTailUp sets the tail gauge to 1 if running else 0.
func SetTailUp(up bool) {
	if TailUp == nil {
		return
	}
	if up {
		TailUp.Set(1)
	} else {
		TailUp.Set(0)
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}
