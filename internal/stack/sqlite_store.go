package stack

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"

	stackerrors "stackrunner/internal/errors"
)

// SQLiteStore backs C2 with the execution_stacks and stack_queue tables.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if necessary) a SQLite-backed Store at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, stackerrors.NewDomainError(stackerrors.KindBackendUnavailable, fmt.Errorf("open stack store %s: %w", path, err))
	}
	db.SetMaxOpenConns(1) // BEGIN IMMEDIATE needs to serialize writers; SQLite has one writer anyway
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS execution_stacks (
			stack_id            TEXT PRIMARY KEY,
			created_at          TEXT NOT NULL,
			finished_at         TEXT,
			status              TEXT NOT NULL,
			initial_request_id  TEXT NOT NULL UNIQUE,
			initial_task_id     TEXT NOT NULL,
			initial_params      TEXT NOT NULL,
			accumulated_context TEXT NOT NULL,
			final_output        TEXT,
			error_message       TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_execution_stacks_status ON execution_stacks(status);

		CREATE TABLE IF NOT EXISTS stack_queue (
			queue_id         INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id       TEXT NOT NULL,
			stack_id         TEXT NOT NULL REFERENCES execution_stacks(stack_id),
			task_id          TEXT NOT NULL,
			depth            INTEGER NOT NULL,
			parent_queue_id  INTEGER,
			sequence         INTEGER NOT NULL,
			status           TEXT NOT NULL,
			enqueued_at      TEXT NOT NULL,
			started_at       TEXT,
			finished_at      TEXT,
			worker_id        TEXT NOT NULL DEFAULT '',
			lease_expires_at TEXT,
			parameters       TEXT NOT NULL,
			input_context    TEXT NOT NULL,
			output           TEXT,
			output_context   TEXT,
			pushed_children  TEXT NOT NULL DEFAULT '[]',
			error_message    TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_stack_queue_stack ON stack_queue(stack_id);
		CREATE INDEX IF NOT EXISTS idx_stack_queue_stack_depth ON stack_queue(stack_id, depth);
		CREATE INDEX IF NOT EXISTS idx_stack_queue_status ON stack_queue(status);
	`)
	if err != nil {
		return stackerrors.NewDomainError(stackerrors.KindBackendUnavailable, fmt.Errorf("ensure stack schema: %w", err))
	}
	return nil
}

func (s *SQLiteStore) CreateStack(ctx context.Context, stack *ExecutionStack, root *StackNode) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return stackerrors.NewDomainError(stackerrors.KindBackendUnavailable, err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx, `SELECT stack_id FROM execution_stacks WHERE initial_request_id = ?`, stack.InitialRequestID).Scan(&existing)
	if err == nil {
		stack.StackID = existing
		return tx.Commit()
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("check existing stack: %w", err)
	}

	params, err := marshalJSON(stack.InitialParams)
	if err != nil {
		return err
	}
	accCtx, err := marshalJSON(stack.AccumulatedContext)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO execution_stacks (stack_id, created_at, status, initial_request_id, initial_task_id, initial_params, accumulated_context, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, '')`,
		stack.StackID, stack.CreatedAt.UTC().Format(time.RFC3339Nano), string(stack.Status),
		stack.InitialRequestID, stack.InitialTaskID, params, accCtx)
	if err != nil {
		return fmt.Errorf("insert execution_stacks: %w", err)
	}

	if err := insertNode(ctx, tx, root); err != nil {
		return err
	}

	return tx.Commit()
}

func insertNode(ctx context.Context, tx *sql.Tx, node *StackNode) error {
	params, err := marshalJSON(node.Parameters)
	if err != nil {
		return err
	}
	inputCtx, err := marshalJSON(node.InputContext)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO stack_queue (request_id, stack_id, task_id, depth, parent_queue_id, sequence, status, enqueued_at, parameters, input_context, pushed_children, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '[]', '')`,
		node.RequestID, node.StackID, node.TaskID, node.Depth, node.ParentQueueID, node.Sequence,
		string(node.Status), node.EnqueuedAt.UTC().Format(time.RFC3339Nano), params, inputCtx)
	if err != nil {
		return fmt.Errorf("insert stack_queue: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	node.QueueID = id
	return nil
}

func (s *SQLiteStore) GetStack(ctx context.Context, stackID string) (*ExecutionStack, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT stack_id, created_at, finished_at, status, initial_request_id, initial_task_id, initial_params, accumulated_context, final_output, error_message
		FROM execution_stacks WHERE stack_id = ?`, stackID)

	stack, err := scanStack(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stack %s: not found", stackID)
	}
	if err != nil {
		return nil, err
	}

	trace, err := s.buildTrace(ctx, stackID)
	if err != nil {
		return nil, err
	}
	stack.Trace = trace
	return stack, nil
}

func scanStack(row *sql.Row) (*ExecutionStack, error) {
	var (
		stack                                     ExecutionStack
		createdAt                                  string
		finishedAt, initialParams, accCtx, output  sql.NullString
		status, requestID, taskID, errMsg          string
	)
	if err := row.Scan(&stack.StackID, &createdAt, &finishedAt, &status, &requestID, &taskID, &initialParams, &accCtx, &output, &errMsg); err != nil {
		return nil, err
	}
	stack.CreatedAt = mustParseTime(createdAt)
	stack.FinishedAt = nullTime(finishedAt)
	stack.Status = StackStatus(status)
	stack.InitialRequestID = requestID
	stack.InitialTaskID = taskID
	stack.ErrorMessage = errMsg
	if initialParams.Valid {
		_ = json.Unmarshal([]byte(initialParams.String), &stack.InitialParams)
	}
	if accCtx.Valid {
		_ = json.Unmarshal([]byte(accCtx.String), &stack.AccumulatedContext)
	}
	if output.Valid {
		_ = json.Unmarshal([]byte(output.String), &stack.FinalOutput)
	}
	return &stack, nil
}

func (s *SQLiteStore) buildTrace(ctx context.Context, stackID string) ([]TraceEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT queue_id, task_id, depth, status, started_at, finished_at, input_context, output, pushed_children, error_message
		FROM stack_queue
		WHERE stack_id = ? AND status IN ('done', 'failed', 'cancelled')
		ORDER BY finished_at ASC, queue_id ASC`, stackID)
	if err != nil {
		return nil, fmt.Errorf("query trace: %w", err)
	}
	defer rows.Close()

	var trace []TraceEntry
	for rows.Next() {
		var (
			entry                       TraceEntry
			startedAt, finishedAt       sql.NullString
			status                      string
			inputCtx, output, children  sql.NullString
		)
		if err := rows.Scan(&entry.QueueID, &entry.TaskID, &entry.Depth, &status, &startedAt, &finishedAt, &inputCtx, &output, &children, &entry.Error); err != nil {
			return nil, err
		}
		entry.Status = Status(status)
		entry.StartedAt = nullTime(startedAt)
		entry.FinishedAt = nullTime(finishedAt)
		if inputCtx.Valid {
			_ = json.Unmarshal([]byte(inputCtx.String), &entry.InputContext)
		}
		if output.Valid {
			_ = json.Unmarshal([]byte(output.String), &entry.Output)
		}
		if children.Valid {
			_ = json.Unmarshal([]byte(children.String), &entry.PushedChildren)
		}
		trace = append(trace, entry)
	}
	return trace, rows.Err()
}

func (s *SQLiteStore) FinishStack(ctx context.Context, stackID string, status StackStatus, finalOutput any, errMessage string) error {
	output, err := marshalJSON(finalOutput)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx, `
		UPDATE execution_stacks SET status = ?, finished_at = ?, final_output = ?, error_message = ?
		WHERE stack_id = ? AND status = 'running'`,
		string(status), now, output, errMessage, stackID)
	if err != nil {
		return fmt.Errorf("finish stack: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveStackContext(ctx context.Context, stackID string, accumulated StackContext) error {
	accCtx, err := marshalJSON(accumulated)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE execution_stacks SET accumulated_context = ? WHERE stack_id = ? AND status = 'running'`, accCtx, stackID)
	if err != nil {
		return fmt.Errorf("save stack context: %w", err)
	}
	return nil
}

// ClaimNext picks the queued node with the greatest (depth, sequence,
// queue_id) inside a BEGIN IMMEDIATE transaction so no two callers can ever
// claim the same node of the same stack (stacks are single-worker-owned in
// practice, but the guard costs nothing).
func (s *SQLiteStore) ClaimNext(ctx context.Context, stackID string) (*StackNode, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, stackerrors.NewDomainError(stackerrors.KindBackendUnavailable, err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT queue_id, request_id, stack_id, task_id, depth, parent_queue_id, sequence, status, enqueued_at, parameters, input_context
		FROM stack_queue
		WHERE stack_id = ? AND status = 'queued'
		ORDER BY depth DESC, sequence DESC, queue_id DESC
		LIMIT 1`, stackID)

	node, err := scanNodeHead(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next: %w", err)
	}

	res, err := tx.ExecContext(ctx, `UPDATE stack_queue SET status = 'running' WHERE queue_id = ? AND status = 'queued'`, node.QueueID)
	if err != nil {
		return nil, fmt.Errorf("mark node running: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return nil, stackerrors.NewDomainError(stackerrors.KindClaimContention, fmt.Errorf("node %d already claimed", node.QueueID))
	}
	node.Status = StatusRunning

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return node, nil
}

func scanNodeHead(row *sql.Row) (*StackNode, error) {
	var (
		node                  StackNode
		enqueuedAt            string
		status                string
		parentQueueID         sql.NullInt64
		params, inputCtx      sql.NullString
	)
	if err := row.Scan(&node.QueueID, &node.RequestID, &node.StackID, &node.TaskID, &node.Depth, &parentQueueID, &node.Sequence, &status, &enqueuedAt, &params, &inputCtx); err != nil {
		return nil, err
	}
	node.Status = Status(status)
	node.EnqueuedAt = mustParseTime(enqueuedAt)
	if parentQueueID.Valid {
		v := parentQueueID.Int64
		node.ParentQueueID = &v
	}
	if params.Valid {
		_ = json.Unmarshal([]byte(params.String), &node.Parameters)
	}
	if inputCtx.Valid {
		_ = json.Unmarshal([]byte(inputCtx.String), &node.InputContext)
	}
	return &node, nil
}

func (s *SQLiteStore) EnqueueChildren(ctx context.Context, stackID string, parent *StackNode, children []ChildSpec) ([]*StackNode, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, stackerrors.NewDomainError(stackerrors.KindBackendUnavailable, err)
	}
	defer tx.Rollback()

	nodes := make([]*StackNode, 0, len(children))
	now := time.Now()
	for i, child := range children {
		parentQueueID := parent.QueueID
		node := &StackNode{
			RequestID:     parent.RequestID,
			StackID:       stackID,
			TaskID:        child.TaskID,
			Depth:         parent.Depth + 1,
			ParentQueueID: &parentQueueID,
			Sequence:      i,
			Status:        StatusQueued,
			EnqueuedAt:    now,
			Parameters:    child.Parameters,
			InputContext:  NewContext(),
		}
		if err := insertNode(ctx, tx, node); err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("enqueue children: %w", err)
	}
	return nodes, nil
}

func (s *SQLiteStore) SaveNode(ctx context.Context, node *StackNode) error {
	output, err := marshalJSON(node.Output)
	if err != nil {
		return err
	}
	outputCtx, err := marshalJSON(node.OutputContext)
	if err != nil {
		return err
	}
	children, err := marshalJSON(node.PushedChildren)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE stack_queue
		SET status = ?, started_at = ?, finished_at = ?, output = ?, output_context = ?, pushed_children = ?, error_message = ?
		WHERE queue_id = ?`,
		string(node.Status), formatNullableTime(node.StartedAt), formatNullableTime(node.FinishedAt),
		output, outputCtx, children, node.ErrorMessage, node.QueueID)
	if err != nil {
		return fmt.Errorf("save node %d: %w", node.QueueID, err)
	}
	return nil
}

func (s *SQLiteStore) CancelQueued(ctx context.Context, stackID string, reason string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE stack_queue SET status = 'cancelled', error_message = ?, finished_at = ?
		WHERE stack_id = ? AND status = 'queued'`,
		reason, time.Now().UTC().Format(time.RFC3339Nano), stackID)
	if err != nil {
		return 0, fmt.Errorf("cancel queued nodes: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) ListNodes(ctx context.Context, stackID string) ([]*StackNode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT queue_id, request_id, stack_id, task_id, depth, parent_queue_id, sequence, status, enqueued_at, started_at, finished_at, worker_id, parameters, input_context, output, output_context, pushed_children, error_message
		FROM stack_queue WHERE stack_id = ? ORDER BY queue_id ASC`, stackID)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*StackNode
	for rows.Next() {
		var (
			node                                   StackNode
			enqueuedAt                              string
			startedAt, finishedAt                    sql.NullString
			status                                   string
			parentQueueID                            sql.NullInt64
			params, inputCtx, output, outputCtx, children sql.NullString
		)
		if err := rows.Scan(&node.QueueID, &node.RequestID, &node.StackID, &node.TaskID, &node.Depth, &parentQueueID, &node.Sequence,
			&status, &enqueuedAt, &startedAt, &finishedAt, &node.WorkerID, &params, &inputCtx, &output, &outputCtx, &children, &node.ErrorMessage); err != nil {
			return nil, err
		}
		node.Status = Status(status)
		node.EnqueuedAt = mustParseTime(enqueuedAt)
		node.StartedAt = nullTime(startedAt)
		node.FinishedAt = nullTime(finishedAt)
		if parentQueueID.Valid {
			v := parentQueueID.Int64
			node.ParentQueueID = &v
		}
		if params.Valid {
			_ = json.Unmarshal([]byte(params.String), &node.Parameters)
		}
		if inputCtx.Valid {
			_ = json.Unmarshal([]byte(inputCtx.String), &node.InputContext)
		}
		if output.Valid {
			_ = json.Unmarshal([]byte(output.String), &node.Output)
		}
		if outputCtx.Valid {
			var oc StackContext
			_ = json.Unmarshal([]byte(outputCtx.String), &oc)
			node.OutputContext = &oc
		}
		if children.Valid {
			_ = json.Unmarshal([]byte(children.String), &node.PushedChildren)
		}
		nodes = append(nodes, &node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].QueueID < nodes[j].QueueID })
	return nodes, rows.Err()
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "null", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}
	return string(b), nil
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

func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
