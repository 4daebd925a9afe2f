// SPDX-License-Identifier: MIT

// Package queue implements the Queue Service: a thin transactional façade
// over the Job Store exposing the operations the Worker Bridge and Admission
// Front need, without exposing SQL to either.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/meshforge/dispatch/internal/jobmodel"
	"github.com/meshforge/dispatch/internal/store"
)

// Service is the Queue Service.
type Service struct {
	store *store.Store
}

// New wraps a Job Store with Queue Service semantics.
func New(s *store.Store) *Service {
	return &Service{store: s}
}

// Enqueue persists a new pending job, assigning it an id and created_at, and
// returns the stored row.
func (q *Service) Enqueue(ctx context.Context, inputRef, inputHash, submitterTag string, settings jobmodel.Settings) (*jobmodel.Job, error) {
	j := &jobmodel.Job{
		ID:           uuid.NewString(),
		Status:       jobmodel.StatusPending,
		InputRef:     inputRef,
		InputHash:    inputHash,
		Settings:     settings,
		SubmitterTag: submitterTag,
		CreatedAt:    time.Now().UTC(),
	}
	if err := q.store.Insert(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

// ClaimNextPending atomically claims the oldest pending job, FIFO by
// created_at with id as tie-break.
func (q *Service) ClaimNextPending(ctx context.Context) (*jobmodel.Job, error) {
	return q.store.ClaimNextPending(ctx)
}

// MarkProcessing idempotently transitions assigned -> processing.
func (q *Service) MarkProcessing(ctx context.Context, id string) error {
	return q.store.MarkProcessing(ctx, id)
}

// UpdateProgress records the latest worker-reported progress for a job,
// flipping it to processing on first report.
func (q *Service) UpdateProgress(ctx context.Context, id, step string, pct int, message string) error {
	return q.store.UpdateProgress(ctx, id, step, pct, message)
}

// MarkComplete transitions a job to complete with its result. Idempotent:
// a job already in a terminal state is left untouched.
func (q *Service) MarkComplete(ctx context.Context, id string, result jobmodel.Result) error {
	return q.store.MarkComplete(ctx, id, result)
}

// MarkFailed transitions a job to failed with the given error.
func (q *Service) MarkFailed(ctx context.Context, id string, jobErr jobmodel.Error) error {
	return q.store.MarkFailed(ctx, id, jobErr)
}

// ExpireStale promotes timed-out assigned/processing jobs to expired.
func (q *Service) ExpireStale(ctx context.Context, timeout time.Duration) ([]string, error) {
	return q.store.ExpireStale(ctx, timeout)
}

// RecoverOrphaned resets in-flight jobs back to pending. Call once at
// startup, before accepting any connections.
func (q *Service) RecoverOrphaned(ctx context.Context) ([]string, error) {
	return q.store.RecoverOrphaned(ctx)
}

// Retry resets a terminal job back to pending.
func (q *Service) Retry(ctx context.Context, id string) error {
	return q.store.Retry(ctx, id)
}

// Get fetches a single job by id.
func (q *Service) Get(ctx context.Context, id string) (*jobmodel.Job, error) {
	return q.store.Get(ctx, id)
}

// PendingCount returns the number of pending jobs, used for admission control.
func (q *Service) PendingCount(ctx context.Context) (int, error) {
	return q.store.PendingCount(ctx)
}

// Summary returns job counts grouped by status.
func (q *Service) Summary(ctx context.Context) (jobmodel.Summary, error) {
	return q.store.Summary(ctx)
}
