// SPDX-License-Identifier: MIT

package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/meshforge/dispatch/internal/jobmodel"
	"github.com/meshforge/dispatch/internal/queue"
	"github.com/meshforge/dispatch/internal/store"
)

func TestRunExpiresStaleJobsOnTick(t *testing.T) {
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()
	q := queue.New(s)

	ctx := context.Background()
	job, err := q.Enqueue(ctx, "h/input.png", "h", "submitter", jobmodel.Settings{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.ClaimNextPending(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// assigned_at is stored in whole seconds and must be strictly older than
	// now minus the timeout, so a job claimed in the current second is not
	// yet stale even with a timeout of 0. Backdating assigned_at makes the
	// job eligible for expiry on the reaper's first tick.
	if _, err := s.DB().ExecContext(ctx, `UPDATE jobs SET assigned_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-time.Minute).Unix(), job.ID); err != nil {
		t.Fatalf("backdate assigned_at: %v", err)
	}
	r := New(q, 10*time.Millisecond, 0)

	runCtx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	r.Run(runCtx)

	got, err := q.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != jobmodel.StatusExpired {
		t.Errorf("status = %q, want expired after reaper tick", got.Status)
	}
}
