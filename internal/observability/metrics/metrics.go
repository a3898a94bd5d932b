package metrics

import (
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "mdm_"

	resultSuccess = "success"
	resultError   = "error"

	commandResultAcknowledged = "acknowledged"
	commandResultFailed       = "failed"
	commandResultRequeued     = "requeued"
	commandResultExpired      = "expired"
	commandResultCancelled    = "cancelled"
	commandResultTimeout      = "timeout"
)

var (
	registerOnce sync.Once

	commandsEnqueued  prometheus.Counter
	commandsDelivered prometheus.Counter
	commandResults    *prometheus.CounterVec

	connectRequests *prometheus.CounterVec
	connectLatency  *prometheus.HistogramVec

	pushSent      prometheus.Counter
	pushFailed    prometheus.Counter
	pushSuspended prometheus.Counter
	pushSkipped   *prometheus.CounterVec

	exportTotal   *prometheus.CounterVec
	exportLatency *prometheus.HistogramVec
)

// Init registers observability metrics and DB-backed gauges.
func Init(db *sql.DB, logger *log.Logger) {
	registerOnce.Do(func() {
		commandsEnqueued = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "commands_enqueued_total",
				Help: "Total commands enqueued",
			},
		)
		commandsDelivered = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "commands_delivered_total",
				Help: "Total commands handed to devices",
			},
		)
		commandResults = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_results_total",
				Help: "Total command outcomes by result",
			},
			[]string{"result"},
		)

		connectRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "connect_requests_total",
				Help: "Total device check-in requests by result",
			},
			[]string{"result"},
		)
		connectLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "connect_latency_seconds",
				Help:    "Device check-in latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		pushSent = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "push_sent_total",
				Help: "Total wake notifications sent",
			},
		)
		pushFailed = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "push_failed_total",
				Help: "Total wake notification failures",
			},
		)
		pushSuspended = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "push_suspended_total",
				Help: "Total devices suspended after repeated push failures",
			},
		)
		pushSkipped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "push_skipped_total",
				Help: "Total wake notifications skipped by reason",
			},
			[]string{"reason"},
		)

		exportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "history_export_total",
				Help: "Total command history exports by format and result",
			},
			[]string{"format", "result"},
		)
		exportLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "history_export_latency_seconds",
				Help:    "Command history export latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"format", "result"},
		)

		prometheus.MustRegister(
			commandsEnqueued,
			commandsDelivered,
			commandResults,
			connectRequests,
			connectLatency,
			pushSent,
			pushFailed,
			pushSuspended,
			pushSkipped,
			exportTotal,
			exportLatency,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// IncCommandEnqueued increments the enqueued command counter.
func IncCommandEnqueued() {
	if commandsEnqueued != nil {
		commandsEnqueued.Inc()
	}
}

// IncCommandDelivered increments the delivered command counter.
func IncCommandDelivered() {
	if commandsDelivered != nil {
		commandsDelivered.Inc()
	}
}

// IncCommandResult increments the command outcome counter.
func IncCommandResult(result string) {
	if result == "" {
		result = "unknown"
	}
	if commandResults != nil {
		commandResults.WithLabelValues(result).Inc()
	}
}

// AddCommandTimeouts increments the timeout counter by count.
func AddCommandTimeouts(count int) {
	if count <= 0 {
		return
	}
	if commandResults != nil {
		commandResults.WithLabelValues(commandResultTimeout).Add(float64(count))
	}
}

// ObserveConnect records check-in request duration and result.
func ObserveConnect(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if connectRequests != nil {
		connectRequests.WithLabelValues(result).Inc()
	}
	if connectLatency != nil {
		connectLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncPushSent increments the sent push counter.
func IncPushSent() {
	if pushSent != nil {
		pushSent.Inc()
	}
}

// IncPushFailed increments the failed push counter.
func IncPushFailed() {
	if pushFailed != nil {
		pushFailed.Inc()
	}
}

// IncPushSuspended increments the suspended device counter.
func IncPushSuspended() {
	if pushSuspended != nil {
		pushSuspended.Inc()
	}
}

// IncPushSkipped increments the skipped push counter.
func IncPushSkipped(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if pushSkipped != nil {
		pushSkipped.WithLabelValues(reason).Inc()
	}
}

// ObserveHistoryExport records export latency and result.
func ObserveHistoryExport(format, result string, duration time.Duration) {
	if format == "" {
		format = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if exportTotal != nil {
		exportTotal.WithLabelValues(format, result).Inc()
	}
	if exportLatency != nil {
		exportLatency.WithLabelValues(format, result).Observe(duration.Seconds())
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError

	CommandResultAcknowledged = commandResultAcknowledged
	CommandResultFailed       = commandResultFailed
	CommandResultRequeued     = commandResultRequeued
	CommandResultExpired      = commandResultExpired
	CommandResultCancelled    = commandResultCancelled
	CommandResultTimeout      = commandResultTimeout
)
