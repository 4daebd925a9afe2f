// SPDX-License-Identifier: MIT

// Package reaper implements the periodic task that promotes timed-out
// assigned/processing jobs to expired (§4.4).
package reaper

import (
	"context"
	"time"

	"github.com/meshforge/dispatch/clog"
	"github.com/meshforge/dispatch/internal/metrics"
	"github.com/meshforge/dispatch/internal/queue"
)

var log = clog.New("reaper")

// Reaper periodically expires stale in-flight jobs.
type Reaper struct {
	queue    *queue.Service
	interval time.Duration
	timeout  time.Duration
}

// New returns a Reaper that, every interval, expires jobs whose assigned_at
// predates timeout.
func New(q *queue.Service, interval, timeout time.Duration) *Reaper {
	return &Reaper{queue: q, interval: interval, timeout: timeout}
}

// Run blocks, ticking every r.interval, until ctx is canceled. Expiration
// does not notify subscribers directly (§4.4): it is a backstop for lost
// workers, not a user-facing failure channel; listeners observe the terminal
// state on their next poll or reconnect.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		ids, err := r.queue.ExpireStale(ctx, r.timeout)
		if err != nil {
			log.Errorf("expire stale jobs: %v", err)
			continue
		}
		if len(ids) > 0 {
			metrics.ExpiredTotal.Add(float64(len(ids)))
			log.Printf("expired %d stale jobs: %v", len(ids), ids)
		}

		if pending, err := r.queue.PendingCount(ctx); err != nil {
			log.Errorf("pending count: %v", err)
		} else {
			metrics.PendingGauge.Set(float64(pending))
		}
	}
}
