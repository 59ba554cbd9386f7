// Package metrics declares the Prometheus collectors shared across forgebot.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ProviderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forgebot",
		Name:      "provider_requests_total",
		Help:      "Outbound provider API calls by operation and result",
	}, []string{"op", "result"}) // result: ok|rejected|upstream|unavailable|bad_response

	Commands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forgebot",
		Name:      "bot_commands_total",
		Help:      "Chat commands handled by command and outcome",
	}, []string{"command", "outcome"})

	ReconcileRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forgebot",
		Name:      "reconcile_runs_total",
		Help:      "Reconciliation passes by result",
	}, []string{"result"})

	ReconcileUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "forgebot",
		Name:      "reconcile_updates_total",
		Help:      "Status entries overwritten by reconciliation",
	})

	ScheduledActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forgebot",
		Name:      "scheduled_actions_total",
		Help:      "Scheduled world actions by action and result",
	}, []string{"action", "result"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "forgebot",
		Name:      "http_request_duration_seconds",
		Help:      "Admin API request latencies",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)
