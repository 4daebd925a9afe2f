// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"testing"
	"time"

	"github.com/meshforge/dispatch/internal/jobmodel"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func insertJob(t *testing.T, s *Store, id string, createdAt time.Time) {
	t.Helper()
	j := &jobmodel.Job{
		ID: id, Status: jobmodel.StatusPending, InputRef: id + "/input.png",
		InputHash: "hash-" + id, Settings: jobmodel.Settings{}, CreatedAt: createdAt,
	}
	if err := s.Insert(context.Background(), j); err != nil {
		t.Fatalf("insert job %s: %v", id, err)
	}
}

func TestClaimNextPendingIsFIFO(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	insertJob(t, s, "c", base.Add(2*time.Second))
	insertJob(t, s, "a", base)
	insertJob(t, s, "b", base.Add(time.Second))

	var order []string
	for i := 0; i < 3; i++ {
		job, err := s.ClaimNextPending(ctx)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if job == nil {
			t.Fatalf("claim %d returned nil, expected a job", i)
		}
		if job.Status != jobmodel.StatusAssigned {
			t.Errorf("claimed job status = %q, want assigned", job.Status)
		}
		order = append(order, job.ID)
	}

	want := []string{"a", "b", "c"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("dispatch order = %v, want %v", order, want)
		}
	}

	if job, err := s.ClaimNextPending(ctx); err != nil || job != nil {
		t.Errorf("claim on empty queue = (%v, %v), want (nil, nil)", job, err)
	}
}

func TestMarkCompleteIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	insertJob(t, s, "a", time.Now().UTC())

	if _, err := s.ClaimNextPending(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}

	result := jobmodel.Result{VertexCount: 100, FaceCount: 200}
	if err := s.MarkComplete(ctx, "a", result); err != nil {
		t.Fatalf("mark complete: %v", err)
	}

	// A second completion with different data must be a no-op: the first
	// result stands.
	if err := s.MarkComplete(ctx, "a", jobmodel.Result{VertexCount: 999}); err != nil {
		t.Fatalf("second mark complete: %v", err)
	}

	job, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != jobmodel.StatusComplete {
		t.Fatalf("status = %q, want complete", job.Status)
	}
	if job.Result == nil || job.Result.VertexCount != 100 {
		t.Errorf("result = %+v, want VertexCount=100 (first write preserved)", job.Result)
	}
}

func TestMarkFailedAfterCompleteIsNoop(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	insertJob(t, s, "a", time.Now().UTC())
	if _, err := s.ClaimNextPending(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.MarkComplete(ctx, "a", jobmodel.Result{}); err != nil {
		t.Fatalf("mark complete: %v", err)
	}
	if err := s.MarkFailed(ctx, "a", jobmodel.Error{Message: "too late"}); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	job, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != jobmodel.StatusComplete {
		t.Errorf("status = %q, want complete (failed must not override a terminal state)", job.Status)
	}
}

func TestUpdateProgressClampsRegression(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	insertJob(t, s, "a", time.Now().UTC())
	if _, err := s.ClaimNextPending(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := s.UpdateProgress(ctx, "a", "step1", 50, "halfway"); err != nil {
		t.Fatalf("update progress: %v", err)
	}
	// A regression to a lower pct must be clamped forward, not applied.
	if err := s.UpdateProgress(ctx, "a", "step2", 10, "oops"); err != nil {
		t.Fatalf("update progress: %v", err)
	}

	job, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Progress.Pct != 50 {
		t.Errorf("progress.pct = %d, want 50 (clamped)", job.Progress.Pct)
	}
	if job.Status != jobmodel.StatusProcessing {
		t.Errorf("status = %q, want processing after first progress report", job.Status)
	}
}

func TestUpdateProgressAfterExpiryIsNoop(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	insertJob(t, s, "a", time.Now().UTC().Add(-time.Hour))
	if _, err := s.ClaimNextPending(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}
	// Claiming stamps assigned_at with the current time; expiry is measured
	// from assigned_at, so push it an hour back.
	if _, err := s.db.ExecContext(ctx, `UPDATE jobs SET assigned_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-time.Hour).Unix(), "a"); err != nil {
		t.Fatalf("backdate assigned_at: %v", err)
	}
	if _, err := s.ExpireStale(ctx, time.Second); err != nil {
		t.Fatalf("expire stale: %v", err)
	}

	// A progress frame arriving from a worker that hasn't yet noticed the
	// job was reaped must not resurrect fields on the terminal row.
	if err := s.UpdateProgress(ctx, "a", "late-step", 75, "still going?"); err != nil {
		t.Fatalf("update progress: %v", err)
	}

	job, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != jobmodel.StatusExpired {
		t.Errorf("status = %q, want expired (progress must not resurrect a terminal job)", job.Status)
	}
	if job.Progress.Pct != 0 || job.Progress.Step != "" {
		t.Errorf("progress = %+v, want zero value (untouched by late progress)", job.Progress)
	}
}

func TestExpireStale(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	insertJob(t, s, "a", time.Now().UTC().Add(-time.Hour))
	if _, err := s.ClaimNextPending(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}
	// Claiming stamps assigned_at with the current time; expiry is measured
	// from assigned_at, so push it an hour back.
	if _, err := s.db.ExecContext(ctx, `UPDATE jobs SET assigned_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-time.Hour).Unix(), "a"); err != nil {
		t.Fatalf("backdate assigned_at: %v", err)
	}

	ids, err := s.ExpireStale(ctx, time.Second)
	if err != nil {
		t.Fatalf("expire stale: %v", err)
	}
	if len(ids) != 1 || ids[0] != "a" {
		t.Fatalf("expired ids = %v, want [a]", ids)
	}

	job, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != jobmodel.StatusExpired {
		t.Errorf("status = %q, want expired", job.Status)
	}
	if job.Err == nil || job.Err.Message != "Job timed out" {
		t.Errorf("error = %+v, want message 'Job timed out'", job.Err)
	}
}

func TestRecoverOrphaned(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	insertJob(t, s, "a", time.Now().UTC())
	if _, err := s.ClaimNextPending(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.UpdateProgress(ctx, "a", "step", 40, ""); err != nil {
		t.Fatalf("update progress: %v", err)
	}

	ids, err := s.RecoverOrphaned(ctx)
	if err != nil {
		t.Fatalf("recover orphaned: %v", err)
	}
	if len(ids) != 1 || ids[0] != "a" {
		t.Fatalf("recovered ids = %v, want [a]", ids)
	}

	job, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != jobmodel.StatusPending {
		t.Errorf("status = %q, want pending", job.Status)
	}
	if job.Progress.Pct != 0 {
		t.Errorf("progress.pct = %d, want 0 (cleared)", job.Progress.Pct)
	}
}

func TestRetryResetsTerminalJob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	insertJob(t, s, "a", time.Now().UTC())
	if _, err := s.ClaimNextPending(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.MarkFailed(ctx, "a", jobmodel.Error{Message: "boom"}); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	if err := s.Retry(ctx, "a"); err != nil {
		t.Fatalf("retry: %v", err)
	}

	job, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != jobmodel.StatusPending {
		t.Errorf("status = %q, want pending", job.Status)
	}
	if job.Err != nil {
		t.Errorf("error = %+v, want nil after retry", job.Err)
	}
}

func TestPendingCountAndSummary(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	insertJob(t, s, "a", time.Now().UTC())
	insertJob(t, s, "b", time.Now().UTC())

	n, err := s.PendingCount(ctx)
	if err != nil {
		t.Fatalf("pending count: %v", err)
	}
	if n != 2 {
		t.Errorf("pending count = %d, want 2", n)
	}

	if _, err := s.ClaimNextPending(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}

	sum, err := s.Summary(ctx)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.Pending != 1 || sum.Assigned != 1 {
		t.Errorf("summary = %+v, want pending=1 assigned=1", sum)
	}
}

func TestGetUnknownJobReturnsNil(t *testing.T) {
	s := openTestStore(t)
	job, err := s.Get(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job != nil {
		t.Errorf("job = %+v, want nil", job)
	}
}
