// SPDX-License-Identifier: MIT

package admission

import (
	"context"
	"testing"

	"github.com/meshforge/dispatch/internal/jobmodel"
	"github.com/meshforge/dispatch/internal/queue"
	"github.com/meshforge/dispatch/internal/store"
)

type alwaysBanned struct{}

func (alwaysBanned) IsBanned(string) bool { return true }

type neverBanned struct{}

func (neverBanned) IsBanned(string) bool { return false }

type quotaOf struct {
	allowed   bool
	remaining int
}

func (q quotaOf) CheckQuota(string) (bool, int) { return q.allowed, q.remaining }

func newTestQueue(t *testing.T) *queue.Service {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return queue.New(s)
}

func TestSubmitRejectsBannedSubmitter(t *testing.T) {
	f := New(newTestQueue(t), alwaysBanned{}, quotaOf{allowed: true, remaining: 5}, 10)
	_, err := f.Submit(context.Background(), "hash/input.png", "hash", "203.0.113.7", jobmodel.Settings{})
	rej, ok := err.(*RejectedError)
	if !ok {
		t.Fatalf("err = %v (%T), want *RejectedError", err, err)
	}
	if rej.Reason != ReasonBanned {
		t.Errorf("reason = %q, want banned", rej.Reason)
	}
}

func TestSubmitRejectsRateLimited(t *testing.T) {
	f := New(newTestQueue(t), neverBanned{}, quotaOf{allowed: false, remaining: 0}, 10)
	_, err := f.Submit(context.Background(), "hash/input.png", "hash", "submitter", jobmodel.Settings{})
	rej, ok := err.(*RejectedError)
	if !ok || rej.Reason != ReasonRateLimited {
		t.Fatalf("err = %v, want RejectedError{rate_limited}", err)
	}
}

func TestSubmitRejectsQueueFull(t *testing.T) {
	q := newTestQueue(t)
	f := New(q, neverBanned{}, quotaOf{allowed: true, remaining: 5}, 1)

	ctx := context.Background()
	if _, err := f.Submit(ctx, "h1/input.png", "h1", "s1", jobmodel.Settings{}); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	_, err := f.Submit(ctx, "h2/input.png", "h2", "s2", jobmodel.Settings{})
	rej, ok := err.(*RejectedError)
	if !ok || rej.Reason != ReasonQueueFull {
		t.Fatalf("err = %v, want RejectedError{queue_full}", err)
	}
}

func TestSubmitSucceedsAndReturnsQueuePosition(t *testing.T) {
	q := newTestQueue(t)
	f := New(q, neverBanned{}, quotaOf{allowed: true, remaining: 5}, 10)

	ctx := context.Background()
	r1, err := f.Submit(ctx, "h1/input.png", "h1", "s1", jobmodel.Settings{})
	if err != nil {
		t.Fatalf("submit 1: %v", err)
	}
	if r1.JobID == "" {
		t.Error("job id is empty")
	}
	if r1.QueuePosition != 1 {
		t.Errorf("queue position = %d, want 1", r1.QueuePosition)
	}

	r2, err := f.Submit(ctx, "h2/input.png", "h2", "s2", jobmodel.Settings{})
	if err != nil {
		t.Fatalf("submit 2: %v", err)
	}
	if r2.QueuePosition != 2 {
		t.Errorf("queue position = %d, want 2", r2.QueuePosition)
	}

	job, err := q.Get(ctx, r1.JobID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job == nil || job.Status != jobmodel.StatusPending {
		t.Errorf("job = %+v, want pending", job)
	}
}
