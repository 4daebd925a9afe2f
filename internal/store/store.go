// SPDX-License-Identifier: MIT

// Package store implements the durable Job Store on top of a pure-Go SQLite
// driver. It is the sole source of truth for what work must be done; the
// Queue Service in internal/queue is a thin transactional façade over it.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	_ "modernc.org/sqlite"

	"github.com/meshforge/dispatch/clog"
	"github.com/meshforge/dispatch/internal/jobmodel"
)

var log = clog.New("store")

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id              TEXT PRIMARY KEY,
	status          TEXT NOT NULL,
	input_ref       TEXT NOT NULL,
	input_hash      TEXT NOT NULL,
	settings_json   TEXT NOT NULL DEFAULT '{}',
	progress_step   TEXT,
	progress_pct    INTEGER NOT NULL DEFAULT 0,
	progress_msg    TEXT,
	result_json     TEXT,
	error_json      TEXT,
	submitter_tag   TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL,
	assigned_at     INTEGER,
	completed_at    INTEGER
);
CREATE INDEX IF NOT EXISTS ix_jobs_status_created ON jobs(status, created_at);
`

// Store is a durable, SQLite-backed table of jobs.
type Store struct {
	db *sql.DB
}

// Open creates (or reuses) the SQLite database at path and ensures the schema
// exists. path may be ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// The Job Store is mutated by a single dispatch goroutine plus concurrent
	// readers; SQLite only tolerates one writer connection at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create jobs schema")
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle so sibling packages (audit) can share the
// same SQLite connection instead of opening a second one.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Insert persists a brand-new pending job row.
func (s *Store) Insert(ctx context.Context, j *jobmodel.Job) error {
	settingsJSON, err := json.Marshal(j.Settings)
	if err != nil {
		return errors.Wrap(err, "marshal settings")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, status, input_ref, input_hash, settings_json, submitter_tag, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, j.ID, string(j.Status), j.InputRef, j.InputHash, string(settingsJSON), j.SubmitterTag, j.CreatedAt.Unix())
	if err != nil {
		return errors.Wrap(err, "insert job")
	}
	return nil
}

// Get fetches a single job by id. Returns nil, nil if not found.
func (s *Store) Get(ctx context.Context, id string) (*jobmodel.Job, error) {
	row := s.db.QueryRowContext(ctx, selectCols+` WHERE id = ?`, id)
	return scanJob(row)
}

// ClaimNextPending atomically selects the oldest pending job by created_at
// (ties broken by id), flips it to assigned, and returns it. Returns nil, nil
// if no pending job exists.
//
// A single sql.DB with MaxOpenConns(1) serializes this against every other
// write, which stands in for the skip-locked semantics a multi-writer backend
// would need.
func (s *Store) ClaimNextPending(ctx context.Context) (*jobmodel.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin claim tx")
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, selectCols+`
		WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT 1
	`, string(jobmodel.StatusPending))

	job, err := scanJob(row)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, assigned_at = ? WHERE id = ?
	`, string(jobmodel.StatusAssigned), now.Unix(), job.ID); err != nil {
		return nil, errors.Wrap(err, "claim update")
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit claim")
	}

	job.Status = jobmodel.StatusAssigned
	job.AssignedAt = &now
	return job, nil
}

// MarkProcessing idempotently transitions assigned -> processing. No-op if
// the job is already processing or does not exist.
func (s *Store) MarkProcessing(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ? WHERE id = ? AND status = ?
	`, string(jobmodel.StatusProcessing), id, string(jobmodel.StatusAssigned))
	if err != nil {
		return errors.Wrap(err, "mark processing")
	}
	return nil
}

// UpdateProgress clamps pct forward (logging regressions) and persists the
// latest step/message, flipping assigned -> processing on first progress.
func (s *Store) UpdateProgress(ctx context.Context, id, step string, pct int, message string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin progress tx")
	}
	defer tx.Rollback()

	var status string
	var prevPct int
	if err := tx.QueryRowContext(ctx, `SELECT status, progress_pct FROM jobs WHERE id = ?`, id).Scan(&status, &prevPct); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return errors.Wrap(err, "read status for progress")
	}

	if status == string(jobmodel.StatusComplete) || status == string(jobmodel.StatusFailed) || status == string(jobmodel.StatusExpired) {
		log.Printf("job %s: dropping progress update, already terminal (%s)", id, status)
		return nil
	}

	if pct < prevPct {
		log.Errorf("job %s: worker reported pct regression %d -> %d, clamping", id, prevPct, pct)
		pct = prevPct
	}

	newStatus := status
	if status == string(jobmodel.StatusAssigned) {
		newStatus = string(jobmodel.StatusProcessing)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, progress_step = ?, progress_pct = ?, progress_msg = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)
	`, newStatus, step, pct, message, id,
		string(jobmodel.StatusComplete), string(jobmodel.StatusFailed), string(jobmodel.StatusExpired)); err != nil {
		return errors.Wrap(err, "update progress")
	}
	return tx.Commit()
}

// MarkComplete transitions a job to complete and stores its result. A job
// already in a terminal state is left untouched (idempotent no-op).
func (s *Store) MarkComplete(ctx context.Context, id string, result jobmodel.Result) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return errors.Wrap(err, "marshal result")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, result_json = ?, progress_step = 'complete', progress_pct = 100, completed_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)
	`, string(jobmodel.StatusComplete), string(resultJSON), now.Unix(), id,
		string(jobmodel.StatusComplete), string(jobmodel.StatusFailed), string(jobmodel.StatusExpired))
	if err != nil {
		return errors.Wrap(err, "mark complete")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		log.Printf("mark complete on %s was a no-op (already terminal or missing)", id)
	}
	return nil
}

// MarkFailed transitions a job to failed with the given error.
func (s *Store) MarkFailed(ctx context.Context, id string, jobErr jobmodel.Error) error {
	errJSON, err := json.Marshal(jobErr)
	if err != nil {
		return errors.Wrap(err, "marshal error")
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error_json = ?, completed_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)
	`, string(jobmodel.StatusFailed), string(errJSON), now.Unix(), id,
		string(jobmodel.StatusComplete), string(jobmodel.StatusFailed), string(jobmodel.StatusExpired))
	if err != nil {
		return errors.Wrap(err, "mark failed")
	}
	return nil
}

// ExpireStale marks every assigned/processing job whose assigned_at predates
// the cutoff as expired, returning the ids affected.
func (s *Store) ExpireStale(ctx context.Context, timeout time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-timeout).Unix()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM jobs WHERE status IN (?, ?) AND assigned_at < ?
	`, string(jobmodel.StatusAssigned), string(jobmodel.StatusProcessing), cutoff)
	if err != nil {
		return nil, errors.Wrap(err, "select stale")
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan stale id")
		}
		ids = append(ids, id)
	}
	rows.Close()
	if len(ids) == 0 {
		return nil, nil
	}

	now := time.Now().UTC().Unix()
	errJSON, _ := json.Marshal(jobmodel.Error{Message: "Job timed out"})
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE jobs SET status = ?, error_json = ?, completed_at = ? WHERE id = ?
		`, string(jobmodel.StatusExpired), string(errJSON), now, id); err != nil {
			return nil, errors.Wrap(err, "expire job")
		}
	}
	return ids, nil
}

// RecoverOrphaned resets every assigned/processing job to pending, clearing
// derived fields. Called once at process startup before accepting
// connections, since no worker session survives a restart.
func (s *Store) RecoverOrphaned(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM jobs WHERE status IN (?, ?)
	`, string(jobmodel.StatusAssigned), string(jobmodel.StatusProcessing))
	if err != nil {
		return nil, errors.Wrap(err, "select orphaned")
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan orphaned id")
		}
		ids = append(ids, id)
	}
	rows.Close()
	if len(ids) == 0 {
		return nil, nil
	}

	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE jobs SET status = ?, assigned_at = NULL, progress_step = NULL, progress_pct = 0, progress_msg = NULL
			WHERE id = ?
		`, string(jobmodel.StatusPending), id); err != nil {
			return nil, errors.Wrap(err, "recover orphaned job")
		}
	}
	return ids, nil
}

// Retry resets a terminal job back to pending, clearing result/error/progress.
// No-op (returns nil) if the job is not currently terminal.
func (s *Store) Retry(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, assigned_at = NULL, completed_at = NULL,
		    progress_step = NULL, progress_pct = 0, progress_msg = NULL,
		    result_json = NULL, error_json = NULL
		WHERE id = ? AND status IN (?, ?, ?)
	`, string(jobmodel.StatusPending), id,
		string(jobmodel.StatusComplete), string(jobmodel.StatusFailed), string(jobmodel.StatusExpired))
	if err != nil {
		return errors.Wrap(err, "retry job")
	}
	return nil
}

// PendingCount returns the number of jobs currently pending.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE status = ?`, string(jobmodel.StatusPending)).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "pending count")
	}
	return n, nil
}

// Summary returns job counts grouped by status.
func (s *Store) Summary(ctx context.Context) (jobmodel.Summary, error) {
	var sum jobmodel.Summary
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return sum, errors.Wrap(err, "summary")
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return sum, errors.Wrap(err, "scan summary row")
		}
		switch jobmodel.Status(status) {
		case jobmodel.StatusPending:
			sum.Pending = n
		case jobmodel.StatusAssigned:
			sum.Assigned = n
		case jobmodel.StatusProcessing:
			sum.Processing = n
		case jobmodel.StatusComplete:
			sum.Complete = n
		case jobmodel.StatusFailed:
			sum.Failed = n
		case jobmodel.StatusExpired:
			sum.Expired = n
		}
	}
	return sum, nil
}

const selectCols = `
	SELECT id, status, input_ref, input_hash, settings_json, progress_step, progress_pct,
	       progress_msg, result_json, error_json, submitter_tag, created_at, assigned_at, completed_at
	FROM jobs
`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*jobmodel.Job, error) {
	var (
		j                                    jobmodel.Job
		status, settingsJSON                 string
		progressStep, progressMsg            sql.NullString
		resultJSON, errJSON                  sql.NullString
		createdAtUnix                        int64
		assignedAtUnix, completedAtUnix      sql.NullInt64
	)

	err := row.Scan(&j.ID, &status, &j.InputRef, &j.InputHash, &settingsJSON, &progressStep, &j.Progress.Pct,
		&progressMsg, &resultJSON, &errJSON, &j.SubmitterTag, &createdAtUnix, &assignedAtUnix, &completedAtUnix)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan job")
	}

	j.Status = jobmodel.Status(status)
	j.Progress.Step = progressStep.String
	j.Progress.Message = progressMsg.String
	j.CreatedAt = time.Unix(createdAtUnix, 0).UTC()

	if assignedAtUnix.Valid {
		t := time.Unix(assignedAtUnix.Int64, 0).UTC()
		j.AssignedAt = &t
	}
	if completedAtUnix.Valid {
		t := time.Unix(completedAtUnix.Int64, 0).UTC()
		j.CompletedAt = &t
	}

	if err := json.Unmarshal([]byte(settingsJSON), &j.Settings); err != nil {
		return nil, errors.Wrap(err, "unmarshal settings")
	}
	if resultJSON.Valid {
		var r jobmodel.Result
		if err := json.Unmarshal([]byte(resultJSON.String), &r); err != nil {
			return nil, errors.Wrap(err, "unmarshal result")
		}
		j.Result = &r
	}
	if errJSON.Valid {
		var e jobmodel.Error
		if err := json.Unmarshal([]byte(errJSON.String), &e); err != nil {
			return nil, errors.Wrap(err, "unmarshal error")
		}
		j.Err = &e
	}

	return &j, nil
}
