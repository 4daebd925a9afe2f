// SPDX-License-Identifier: MIT

// Package audit implements an append-only audit log of job terminal events
// and admin actions, read back through the admin HTTP surface. Supplements
// the distilled spec from original_source/models/audit_log.py.
package audit

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-faster/errors"
	"github.com/rivo/uniseg"
)

// maxDetailGraphemes bounds how much of a free-form detail string (which may
// echo worker- or submitter-supplied text) is kept per audit row.
const maxDetailGraphemes = 500

// truncateGraphemes cuts s to at most n grapheme clusters, so a multi-byte
// rune (or an emoji built from several code points) is never split mid-glyph.
func truncateGraphemes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	gr := uniseg.NewGraphemes(s)
	count := 0
	end := 0
	for gr.Next() {
		count++
		if count > n {
			return s[:end]
		}
		_, to := gr.Positions()
		end = to
	}
	return s
}

// Entry is a single audit log row.
type Entry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`
	JobID     string    `json:"job_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	action     TEXT NOT NULL,
	job_id     TEXT,
	detail     TEXT,
	created_at INTEGER NOT NULL
);
`

// Log writes to and reads from the audit_log table, sharing the Job Store's
// database handle.
type Log struct {
	db *sql.DB
}

// New ensures the audit_log schema exists on db and returns a Log.
func New(db *sql.DB) (*Log, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, errors.Wrap(err, "create audit_log schema")
	}
	return &Log{db: db}, nil
}

// Record appends one audit entry. detail is truncated to maxDetailGraphemes
// before storage, since it may echo worker- or submitter-supplied text.
func (l *Log) Record(ctx context.Context, action, jobID, detail string) error {
	detail = truncateGraphemes(detail, maxDetailGraphemes)
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO audit_log (action, job_id, detail, created_at) VALUES (?, ?, ?, ?)
	`, action, jobID, detail, time.Now().UTC().Unix())
	if err != nil {
		return errors.Wrap(err, "record audit entry")
	}
	return nil
}

// Recent returns the most recent n audit entries, newest first.
func (l *Log) Recent(ctx context.Context, n int) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, action, COALESCE(job_id, ''), COALESCE(detail, ''), created_at
		FROM audit_log ORDER BY id DESC LIMIT ?
	`, n)
	if err != nil {
		return nil, errors.Wrap(err, "query audit log")
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var createdAtUnix int64
		if err := rows.Scan(&e.ID, &e.Action, &e.JobID, &e.Detail, &createdAtUnix); err != nil {
			return nil, errors.Wrap(err, "scan audit entry")
		}
		e.CreatedAt = time.Unix(createdAtUnix, 0).UTC()
		out = append(out, e)
	}
	return out, nil
}
