// Package worker Prometheus 指标导出
package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "leadscan"

var (
	scansStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "scans_started_total",
			Help:      "Total scan jobs picked up by workers",
		},
	)
	scansCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "scans_completed_total",
			Help:      "Total scans that reached completed status",
		},
	)
	scansFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "scans_failed_total",
			Help:      "Total scans that reached failed status",
		},
	)
	agentsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "agents_completed_total",
			Help:      "Total successful agent resolutions",
		},
		[]string{"agent"},
	)
	agentsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "agents_failed_total",
			Help:      "Total failed agent resolutions by failure kind",
		},
		[]string{"agent", "kind"},
	)
	agentRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "agent_run_duration_seconds",
			Help:      "Agent execution duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"agent"},
	)
	jobsStalled = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "jobs_stalled_total",
			Help:      "Total stalled jobs reclaimed from crashed workers",
		},
	)
	jobsDead = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "jobs_dead_total",
			Help:      "Total jobs dead-lettered after exhausting retries or stalls",
		},
	)
	queueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "queue_length",
			Help:      "Scan jobs waiting in the main queue",
		},
	)
	queuePending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "queue_pending",
			Help:      "Scan jobs leased but not yet acknowledged",
		},
	)
)
