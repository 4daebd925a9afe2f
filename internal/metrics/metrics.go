// SPDX-License-Identifier: MIT

// Package metrics exposes the coordinator's Prometheus instrumentation:
// queue depth, dispatch counts, fan-out drops, and reaper expirations.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PendingGauge tracks the current pending queue depth.
	PendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dispatch",
		Name:      "pending_jobs",
		Help:      "Number of jobs currently pending.",
	})

	// DispatchedTotal counts jobs successfully handed to a worker.
	DispatchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dispatch",
		Name:      "dispatched_jobs_total",
		Help:      "Total number of job_assign frames sent to a worker.",
	})

	// CompletedTotal counts jobs that reached complete.
	CompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dispatch",
		Name:      "completed_jobs_total",
		Help:      "Total number of jobs that reached the complete status.",
	})

	// FailedTotal counts jobs that reached failed.
	FailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dispatch",
		Name:      "failed_jobs_total",
		Help:      "Total number of jobs that reached the failed status.",
	})

	// ExpiredTotal counts jobs reaped as expired.
	ExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dispatch",
		Name:      "expired_jobs_total",
		Help:      "Total number of jobs promoted to expired by the reaper.",
	})

	// FanOutDropsTotal counts listeners dropped due to delivery failure.
	FanOutDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dispatch",
		Name:      "fanout_drops_total",
		Help:      "Total number of subscriber listeners dropped after a failed delivery.",
	})

	// WorkerConnected reports 1 if a worker session is currently live.
	WorkerConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dispatch",
		Name:      "worker_connected",
		Help:      "1 if a worker session is currently connected, else 0.",
	})
)
