// SPDX-License-Identifier: MIT

// Package admission implements the Admission Front: the thin intake path
// that checks bans, rate limits, and queue capacity before persisting a new
// job (§4.6).
package admission

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/meshforge/dispatch/internal/jobmodel"
	"github.com/meshforge/dispatch/internal/queue"
)

// Reason is a sentinel rejection reason surfaced synchronously to the
// submitter (§7).
type Reason string

const (
	ReasonBanned      Reason = "banned"
	ReasonRateLimited Reason = "rate_limited"
	ReasonQueueFull   Reason = "queue_full"
)

// RejectedError is returned by Submit when admission fails; Reason
// identifies which check failed.
type RejectedError struct {
	Reason Reason
}

func (e *RejectedError) Error() string { return string(e.Reason) }

// BanChecker reports whether a submitter is banned.
type BanChecker interface {
	IsBanned(submitter string) bool
}

// QuotaChecker reports whether a submitter is within its submission quota.
type QuotaChecker interface {
	CheckQuota(submitter string) (allowed bool, remaining int)
}

// Front is the Admission Front.
type Front struct {
	queue          *queue.Service
	bans           BanChecker
	quota          QuotaChecker
	maxPendingJobs int
}

// New constructs a Front.
func New(q *queue.Service, bans BanChecker, quota QuotaChecker, maxPendingJobs int) *Front {
	return &Front{queue: q, bans: bans, quota: quota, maxPendingJobs: maxPendingJobs}
}

// Result is returned to the submitter on successful admission.
type Result struct {
	JobID          string
	QueuePosition  int
	RemainingQuota int
}

// Submit runs the ban/rate-limit/queue-full checks in that order and, if all
// pass, enqueues the job and returns its id and queue position.
func (f *Front) Submit(ctx context.Context, inputRef, inputHash, submitterTag string, settings jobmodel.Settings) (*Result, error) {
	if f.bans.IsBanned(submitterTag) {
		return nil, &RejectedError{Reason: ReasonBanned}
	}

	allowed, remaining := f.quota.CheckQuota(submitterTag)
	if !allowed {
		return nil, &RejectedError{Reason: ReasonRateLimited}
	}

	pendingBefore, err := f.queue.PendingCount(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "pending count")
	}
	if pendingBefore >= f.maxPendingJobs {
		return nil, &RejectedError{Reason: ReasonQueueFull}
	}

	job, err := f.queue.Enqueue(ctx, inputRef, inputHash, submitterTag, settings)
	if err != nil {
		return nil, errors.Wrap(err, "enqueue job")
	}

	return &Result{
		JobID:          job.ID,
		QueuePosition:  pendingBefore + 1,
		RemainingQuota: remaining,
	}, nil
}
