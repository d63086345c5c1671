// Package metrics holds the process-wide prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesTotal counts inbound messages by transport and routing kind.
	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerbot_messages_total",
		Help: "Inbound chat messages by transport and routing kind",
	}, []string{"transport", "kind"})

	// HandlerDuration tracks how long one message takes to handle.
	HandlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledgerbot_handler_duration_seconds",
		Help:    "Message handling duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
	}, []string{"kind"})

	// FlowsTotal counts finished conversation flows by outcome.
	FlowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerbot_flows_total",
		Help: "Conversation flows by flow name and outcome",
	}, []string{"flow", "outcome"})

	RateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledgerbot_rate_limited_total",
		Help: "Inbound messages dropped by the per-user rate limiter",
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledgerbot_active_sessions",
		Help: "Conversation sessions currently held in memory",
	})

	// BackupsTotal counts backup steps by step and result.
	BackupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerbot_backups_total",
		Help: "Backup steps by step (snapshot, upload, compress, prune) and result",
	}, []string{"step", "result"})

	BackupLastSuccess = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledgerbot_backup_last_success_timestamp_seconds",
		Help: "Unix time of the last successful snapshot",
	})
)

// Result maps an error to the "result" label value.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
