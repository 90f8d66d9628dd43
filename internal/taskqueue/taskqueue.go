// Package taskqueue implements the Task Queue Store (C3): a durable,
// lease-based queue for task executions that are not wrapped in a stack.
package taskqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	stackerrors "stackrunner/internal/errors"
)

// Status is a queue row's lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Row is one task_queue entry.
type Row struct {
	ID             int64
	RequestID      string
	TaskID         string
	Parameters     map[string]any
	Status         Status
	EnqueuedAt     time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time
	WorkerID       string
	LeaseExpiresAt *time.Time
	Result         any
	ErrorMessage   string
}

// Queue is the durable, lease-based non-stack task queue.
type Queue struct {
	db *sql.DB
}

func Open(path string) (*Queue, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, stackerrors.NewDomainError(stackerrors.KindBackendUnavailable, fmt.Errorf("open task queue %s: %w", path, err))
	}
	db.SetMaxOpenConns(1)
	return &Queue{db: db}, nil
}

func (q *Queue) EnsureSchema(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS task_queue (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id       TEXT NOT NULL UNIQUE,
			task_id          TEXT NOT NULL,
			parameters       TEXT NOT NULL,
			status           TEXT NOT NULL,
			enqueued_at      TEXT NOT NULL,
			started_at       TEXT,
			finished_at      TEXT,
			worker_id        TEXT NOT NULL DEFAULT '',
			lease_expires_at TEXT,
			result           TEXT,
			error_message    TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_task_queue_status ON task_queue(status);
		CREATE INDEX IF NOT EXISTS idx_task_queue_lease ON task_queue(lease_expires_at);
	`)
	if err != nil {
		return stackerrors.NewDomainError(stackerrors.KindBackendUnavailable, fmt.Errorf("ensure task queue schema: %w", err))
	}
	return nil
}

// Enqueue inserts a new row, or returns the existing one if requestID was
// already enqueued (P4 idempotent submit).
func (q *Queue) Enqueue(ctx context.Context, taskID, requestID string, parameters map[string]any) (*Row, error) {
	params, err := json.Marshal(parameters)
	if err != nil {
		return nil, fmt.Errorf("marshal parameters: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO task_queue (request_id, task_id, parameters, status, enqueued_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(request_id) DO NOTHING`,
		requestID, taskID, string(params), string(StatusQueued), now)
	if err != nil {
		return nil, stackerrors.NewDomainError(stackerrors.KindBackendUnavailable, fmt.Errorf("enqueue: %w", err))
	}
	return q.byRequestID(ctx, requestID)
}

func (q *Queue) byRequestID(ctx context.Context, requestID string) (*Row, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, request_id, task_id, parameters, status, enqueued_at, started_at, finished_at, worker_id, lease_expires_at, result, error_message
		FROM task_queue WHERE request_id = ?`, requestID)
	return scanRow(row)
}

func scanRow(row *sql.Row) (*Row, error) {
	var (
		r                                      Row
		enqueuedAt                              string
		startedAt, finishedAt, leaseExpiresAt   sql.NullString
		params, result                          sql.NullString
		status                                  string
	)
	if err := row.Scan(&r.ID, &r.RequestID, &r.TaskID, &params, &status, &enqueuedAt, &startedAt, &finishedAt, &r.WorkerID, &leaseExpiresAt, &result, &r.ErrorMessage); err != nil {
		return nil, err
	}
	r.Status = Status(status)
	r.EnqueuedAt = mustParseTime(enqueuedAt)
	r.StartedAt = nullTime(startedAt)
	r.FinishedAt = nullTime(finishedAt)
	r.LeaseExpiresAt = nullTime(leaseExpiresAt)
	if params.Valid {
		_ = json.Unmarshal([]byte(params.String), &r.Parameters)
	}
	if result.Valid {
		_ = json.Unmarshal([]byte(result.String), &r.Result)
	}
	return &r, nil
}

// Claim atomically transitions one oldest queued row, or one lease-expired
// running row (reclaimable per §5's lease discipline), to running under
// workerID.
func (q *Queue) Claim(ctx context.Context, workerID string, leaseDuration time.Duration) (*Row, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, stackerrors.NewDomainError(stackerrors.KindBackendUnavailable, err)
	}
	defer tx.Rollback()

	now := time.Now()
	nowStr := now.UTC().Format(time.RFC3339Nano)

	row := tx.QueryRowContext(ctx, `
		SELECT id, request_id, task_id, parameters, status, enqueued_at, started_at, finished_at, worker_id, lease_expires_at, result, error_message
		FROM task_queue
		WHERE status = 'queued' OR (status = 'running' AND lease_expires_at IS NOT NULL AND lease_expires_at < ?)
		ORDER BY CASE WHEN status = 'queued' THEN 0 ELSE 1 END, enqueued_at ASC
		LIMIT 1`, nowStr)

	claimed, err := scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}

	leaseExpires := now.Add(leaseDuration).UTC().Format(time.RFC3339Nano)
	res, err := tx.ExecContext(ctx, `
		UPDATE task_queue SET status = 'running', worker_id = ?, lease_expires_at = ?, started_at = COALESCE(started_at, ?)
		WHERE id = ? AND (status = 'queued' OR (status = 'running' AND lease_expires_at < ?))`,
		workerID, leaseExpires, nowStr, claimed.ID, nowStr)
	if err != nil {
		return nil, fmt.Errorf("mark running: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, stackerrors.NewDomainError(stackerrors.KindClaimContention, fmt.Errorf("row %d already claimed", claimed.ID))
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	claimed.Status = StatusRunning
	claimed.WorkerID = workerID
	return claimed, nil
}

// Renew extends a held lease. Resolves the Open Question of renewable
// mid-run leases: a worker may call this periodically while still working a
// row, not only at claim/complete.
func (q *Queue) Renew(ctx context.Context, id int64, workerID string, leaseDuration time.Duration) (bool, error) {
	leaseExpires := time.Now().Add(leaseDuration).UTC().Format(time.RFC3339Nano)
	res, err := q.db.ExecContext(ctx, `
		UPDATE task_queue SET lease_expires_at = ?
		WHERE id = ? AND worker_id = ? AND status = 'running'`,
		leaseExpires, id, workerID)
	if err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Complete settles a claimed row with a terminal status, result, and/or
// error message.
func (q *Queue) Complete(ctx context.Context, id int64, status Status, result any, errMessage string) error {
	if status != StatusDone && status != StatusFailed && status != StatusCancelled {
		return fmt.Errorf("complete: %q is not a terminal status", status)
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = q.db.ExecContext(ctx, `
		UPDATE task_queue SET status = ?, finished_at = ?, result = ?, error_message = ?
		WHERE id = ?`,
		string(status), now, string(resultJSON), errMessage, id)
	if err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	return nil
}

func mustParseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := mustParseTime(ns.String)
	return &t
}
