// Package requestqueue implements the Request Queue Adapter (C6): CRUD plus
// atomic claim over TaskRequest nodes in a Neo4j-backed graph.
package requestqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"stackrunner/internal/catalog"
	stackerrors "stackrunner/internal/errors"
	"stackrunner/internal/logging"
)

// Status is a TaskRequest's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusBlocked   Status = "blocked"
	StatusClaimed   Status = "claimed"
	StatusExecuting Status = "executing"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// TaskRequest is a graph-backed work item.
type TaskRequest struct {
	RequestID  string
	TaskID     string
	Parameters map[string]any
	Status     Status
	Priority   int
	Requester  string
	CreatedAt  time.Time
	ClaimedBy  string
	ClaimedAt  *time.Time
	FinishedAt *time.Time
	ResultRef  string
	Error      string
	DependsOn  []string
}

// ListFilter narrows a List call; zero-value fields are unfiltered.
type ListFilter struct {
	Status    Status
	Requester string
	TaskID    string
	Limit     int
}

// returnFields is the property projection every query returns for a
// TaskRequest row, so scanning is just a fixed sequence of record.Get calls
// rather than a type assertion on a raw graph node.
const returnFields = `
		r.request_id AS request_id, r.task_id AS task_id, r.parameters AS parameters,
		r.status AS status, r.priority AS priority, r.requester AS requester,
		r.created_at AS created_at, r.claimed_by AS claimed_by, r.claimed_at AS claimed_at,
		r.finished_at AS finished_at, r.result_ref AS result_ref, r.error AS error`

// Adapter wraps a Neo4j driver bound to the TaskRequest/CascadeRule graph.
type Adapter struct {
	driver  neo4j.DriverWithContext
	catalog *catalog.Catalog
	logger  logging.Logger
}

func NewAdapter(uri, username, password string, cat *catalog.Catalog) (*Adapter, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, stackerrors.NewDomainError(stackerrors.KindBackendUnavailable, fmt.Errorf("create neo4j driver: %w", err))
	}
	return &Adapter{driver: driver, catalog: cat, logger: logging.New("requestqueue")}, nil
}

func (a *Adapter) Close(ctx context.Context) error {
	return a.driver.Close(ctx)
}

// EnsureConstraints creates the uniqueness constraints §6 requires.
func (a *Adapter) EnsureConstraints(ctx context.Context) error {
	if err := a.driver.VerifyConnectivity(ctx); err != nil {
		return stackerrors.NewDomainError(stackerrors.KindBackendUnavailable, fmt.Errorf("verify neo4j connectivity: %w", err))
	}
	session := a.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	statements := []string{
		`CREATE CONSTRAINT task_request_id_unique IF NOT EXISTS FOR (r:TaskRequest) REQUIRE r.request_id IS UNIQUE`,
		`CREATE CONSTRAINT cascade_rule_id_unique IF NOT EXISTS FOR (c:CascadeRule) REQUIRE c.rule_id IS UNIQUE`,
		`CREATE INDEX task_request_status_priority IF NOT EXISTS FOR (r:TaskRequest) ON (r.status, r.priority)`,
		`CREATE INDEX task_request_requester IF NOT EXISTS FOR (r:TaskRequest) ON (r.requester)`,
		`CREATE INDEX task_request_task_id IF NOT EXISTS FOR (r:TaskRequest) ON (r.task_id)`,
	}
	for _, stmt := range statements {
		if _, err := session.Run(ctx, stmt, nil); err != nil {
			return fmt.Errorf("ensure constraint %q: %w", stmt, err)
		}
	}
	return nil
}

// SubmitOutcome reports whether Submit inserted a new row.
type SubmitOutcome string

const (
	OutcomeCreated  SubmitOutcome = "created"
	OutcomeExisting SubmitOutcome = "existing"
)

// Submit validates req and inserts it, or returns the existing row if
// RequestID was already submitted (P4 idempotent submit).
func (a *Adapter) Submit(ctx context.Context, req TaskRequest) (*TaskRequest, SubmitOutcome, error) {
	if req.RequestID == "" {
		return nil, "", stackerrors.NewDomainError(stackerrors.KindValidation, fmt.Errorf("request_id is required"))
	}
	if req.Priority < 1 || req.Priority > 1000 {
		return nil, "", stackerrors.NewDomainError(stackerrors.KindValidation, fmt.Errorf("priority %d out of range [1,1000]", req.Priority))
	}
	def, ok := a.catalog.ByTaskID(req.TaskID)
	if !ok || !def.Enabled {
		return nil, "", stackerrors.NewDomainError(stackerrors.KindValidation, fmt.Errorf("task %q is unknown or disabled", req.TaskID))
	}
	if _, err := json.Marshal(req.Parameters); err != nil {
		return nil, "", stackerrors.NewDomainError(stackerrors.KindValidation, fmt.Errorf("parameters must be JSON-encodable: %w", err))
	}
	for _, dep := range req.DependsOn {
		if dep == req.RequestID {
			return nil, "", stackerrors.NewDomainError(stackerrors.KindDependencyCycle, fmt.Errorf("request cannot depend on itself"))
		}
	}

	session := a.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	result, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		existing, err := fetchOne(ctx, tx, req.RequestID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return submitResult{request: existing, outcome: OutcomeExisting}, nil
		}

		for _, dep := range req.DependsOn {
			depNode, err := fetchOne(ctx, tx, dep)
			if err != nil {
				return nil, err
			}
			if depNode == nil {
				return nil, stackerrors.NewDomainError(stackerrors.KindValidation, fmt.Errorf("depends_on target %q does not exist", dep))
			}
		}

		if cyclic, err := dependsOnReachesBack(ctx, tx, req.RequestID, req.DependsOn); err != nil {
			return nil, err
		} else if cyclic {
			return nil, stackerrors.NewDomainError(stackerrors.KindDependencyCycle, fmt.Errorf("submitting %q would create a dependency cycle", req.RequestID))
		}

		status := StatusPending
		for _, dep := range req.DependsOn {
			depNode, err := fetchOne(ctx, tx, dep)
			if err != nil {
				return nil, err
			}
			if depNode.Status != StatusDone {
				status = StatusBlocked
				break
			}
		}

		params, _ := json.Marshal(req.Parameters)
		createdAt := time.Now().UTC()
		_, err = tx.Run(ctx, `
			CREATE (r:TaskRequest {
				request_id: $request_id, task_id: $task_id, parameters: $parameters,
				status: $status, priority: $priority, requester: $requester,
				created_at: $created_at, claimed_by: '', claimed_at: '',
				finished_at: '', result_ref: '', error: ''
			})`, map[string]any{
			"request_id": req.RequestID, "task_id": req.TaskID, "parameters": string(params),
			"status": string(status), "priority": req.Priority, "requester": req.Requester,
			"created_at": createdAt.Format(time.RFC3339Nano),
		})
		if err != nil {
			return nil, fmt.Errorf("create TaskRequest: %w", err)
		}
		for _, dep := range req.DependsOn {
			_, err := tx.Run(ctx, `
				MATCH (r:TaskRequest {request_id: $id}), (d:TaskRequest {request_id: $dep})
				MERGE (r)-[:DEPENDS_ON]->(d)`, map[string]any{"id": req.RequestID, "dep": dep})
			if err != nil {
				return nil, fmt.Errorf("link depends_on %q: %w", dep, err)
			}
		}

		req.Status = status
		req.CreatedAt = createdAt
		out := req
		return submitResult{request: &out, outcome: OutcomeCreated}, nil
	})
	if err != nil {
		return nil, "", err
	}
	sr := result.(submitResult)
	return sr.request, sr.outcome, nil
}

type submitResult struct {
	request *TaskRequest
	outcome SubmitOutcome
}

// dependsOnReachesBack reports whether any node reachable from candidates
// (by following existing DEPENDS_ON edges) can reach requestID — i.e.
// whether linking requestID -> candidates would close a cycle.
func dependsOnReachesBack(ctx context.Context, tx neo4j.ManagedTransaction, requestID string, candidates []string) (bool, error) {
	for _, dep := range candidates {
		res, err := tx.Run(ctx, `
			MATCH path = (start:TaskRequest {request_id: $dep})-[:DEPENDS_ON*0..]->(target:TaskRequest {request_id: $id})
			RETURN count(path) > 0 AS hit`, map[string]any{"dep": dep, "id": requestID})
		if err != nil {
			return false, fmt.Errorf("cycle check: %w", err)
		}
		if res.Next(ctx) {
			if hit, ok := res.Record().Get("hit"); ok && hit == true {
				return true, nil
			}
		}
		if err := res.Err(); err != nil {
			return false, err
		}
	}
	return false, nil
}

// ClaimNext atomically selects the highest-priority, earliest-created
// pending request whose dependencies are all done.
func (a *Adapter) ClaimNext(ctx context.Context, workerID string) (*TaskRequest, error) {
	session := a.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	result, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (r:TaskRequest {status: 'pending'})
			WHERE NOT EXISTS {
				MATCH (r)-[:DEPENDS_ON]->(d:TaskRequest)
				WHERE d.status <> 'done'
			}
			WITH r ORDER BY r.priority DESC, r.created_at ASC LIMIT 1
			SET r.status = 'claimed', r.claimed_by = $worker_id, r.claimed_at = $claimed_at
			RETURN `+returnFields, map[string]any{"worker_id": workerID, "claimed_at": time.Now().UTC().Format(time.RFC3339Nano)})
		if err != nil {
			return nil, err
		}
		if res.Next(ctx) {
			return recordToRequest(res.Record()), res.Err()
		}
		return nil, res.Err()
	})
	if err != nil {
		return nil, stackerrors.NewDomainError(stackerrors.KindBackendUnavailable, err)
	}
	if result == nil {
		return nil, nil
	}
	return result.(*TaskRequest), nil
}

func (a *Adapter) MarkExecuting(ctx context.Context, requestID string) error {
	return a.setStatus(ctx, requestID, StatusExecuting, nil)
}

func (a *Adapter) MarkDone(ctx context.Context, requestID, resultRef string) error {
	fields := map[string]any{"result_ref": resultRef, "finished_at": time.Now().UTC().Format(time.RFC3339Nano)}
	return a.setStatus(ctx, requestID, StatusDone, fields)
}

func (a *Adapter) MarkFailed(ctx context.Context, requestID, errMessage string) error {
	fields := map[string]any{"error": errMessage, "finished_at": time.Now().UTC().Format(time.RFC3339Nano)}
	return a.setStatus(ctx, requestID, StatusFailed, fields)
}

// Cancel succeeds only from pending/blocked; claimed/executing requests
// reject cancellation per §5 — a running stack cancels only via abort=true.
func (a *Adapter) Cancel(ctx context.Context, requestID string) error {
	session := a.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (r:TaskRequest {request_id: $id})
			WHERE r.status IN ['pending', 'blocked']
			SET r.status = 'cancelled', r.finished_at = $now
			RETURN r.request_id AS request_id`, map[string]any{"id": requestID, "now": time.Now().UTC().Format(time.RFC3339Nano)})
		if err != nil {
			return nil, err
		}
		if !res.Next(ctx) {
			return nil, stackerrors.NewDomainError(stackerrors.KindValidation, fmt.Errorf("request %q is not pending/blocked, cannot cancel", requestID))
		}
		return nil, res.Err()
	})
	return err
}

func (a *Adapter) setStatus(ctx context.Context, requestID string, status Status, extra map[string]any) error {
	session := a.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	params := map[string]any{"id": requestID, "status": string(status)}
	sets := "r.status = $status"
	for k, v := range extra {
		params[k] = v
		sets += fmt.Sprintf(", r.%s = $%s", k, k)
	}

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, fmt.Sprintf(`MATCH (r:TaskRequest {request_id: $id}) SET %s`, sets), params)
		return nil, err
	})
	if err != nil {
		return stackerrors.NewDomainError(stackerrors.KindBackendUnavailable, fmt.Errorf("set status %s on %s: %w", status, requestID, err))
	}
	return nil
}

func (a *Adapter) Get(ctx context.Context, requestID string) (*TaskRequest, error) {
	session := a.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return fetchOne(ctx, tx, requestID)
	})
	if err != nil {
		return nil, err
	}
	if result == nil || result.(*TaskRequest) == nil {
		return nil, fmt.Errorf("request %s: not found", requestID)
	}
	return result.(*TaskRequest), nil
}

func (a *Adapter) List(ctx context.Context, filter ListFilter) ([]*TaskRequest, error) {
	session := a.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	query := `MATCH (r:TaskRequest) WHERE 1 = 1`
	params := map[string]any{}
	if filter.Status != "" {
		query += ` AND r.status = $status`
		params["status"] = string(filter.Status)
	}
	if filter.Requester != "" {
		query += ` AND r.requester = $requester`
		params["requester"] = filter.Requester
	}
	if filter.TaskID != "" {
		query += ` AND r.task_id = $task_id`
		params["task_id"] = filter.TaskID
	}
	query += ` RETURN ` + returnFields + ` ORDER BY r.created_at DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	query += ` LIMIT $limit`
	params["limit"] = limit

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		var out []*TaskRequest
		for res.Next(ctx) {
			out = append(out, recordToRequest(res.Record()))
		}
		return out, res.Err()
	})
	if err != nil {
		return nil, stackerrors.NewDomainError(stackerrors.KindBackendUnavailable, err)
	}
	return result.([]*TaskRequest), nil
}

// UnblockDependents implements C8's unblock-on-completion policy: every
// request blocked on requestID whose every dependency is now done
// transitions to pending. Idempotent under replay.
func (a *Adapter) UnblockDependents(ctx context.Context, requestID string) (int, error) {
	session := a.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	result, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (r:TaskRequest)-[:DEPENDS_ON]->(:TaskRequest {request_id: $id})
			WHERE r.status = 'blocked'
			AND NOT EXISTS {
				MATCH (r)-[:DEPENDS_ON]->(d:TaskRequest)
				WHERE d.status <> 'done'
			}
			SET r.status = 'pending'
			RETURN count(r) AS unblocked`, map[string]any{"id": requestID})
		if err != nil {
			return nil, err
		}
		if res.Next(ctx) {
			n, _ := res.Record().Get("unblocked")
			return n, res.Err()
		}
		return int64(0), res.Err()
	})
	if err != nil {
		return 0, stackerrors.NewDomainError(stackerrors.KindBackendUnavailable, err)
	}
	return int(result.(int64)), nil
}

func fetchOne(ctx context.Context, tx neo4j.ManagedTransaction, requestID string) (*TaskRequest, error) {
	res, err := tx.Run(ctx, `MATCH (r:TaskRequest {request_id: $id}) RETURN `+returnFields, map[string]any{"id": requestID})
	if err != nil {
		return nil, err
	}
	if res.Next(ctx) {
		return recordToRequest(res.Record()), res.Err()
	}
	return nil, res.Err()
}

func recordToRequest(record *neo4j.Record) *TaskRequest {
	req := &TaskRequest{
		RequestID: stringField(record, "request_id"),
		TaskID:    stringField(record, "task_id"),
		Status:    Status(stringField(record, "status")),
		Priority:  intField(record, "priority"),
		Requester: stringField(record, "requester"),
		ClaimedBy: stringField(record, "claimed_by"),
		ResultRef: stringField(record, "result_ref"),
		Error:     stringField(record, "error"),
	}
	if raw := stringField(record, "parameters"); raw != "" {
		_ = json.Unmarshal([]byte(raw), &req.Parameters)
	}
	if raw := stringField(record, "created_at"); raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			req.CreatedAt = t
		}
	}
	if raw := stringField(record, "claimed_at"); raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			req.ClaimedAt = &t
		}
	}
	if raw := stringField(record, "finished_at"); raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			req.FinishedAt = &t
		}
	}
	return req
}

func stringField(record *neo4j.Record, key string) string {
	v, ok := record.Get(key)
	if !ok || v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

func intField(record *neo4j.Record, key string) int {
	v, ok := record.Get(key)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}
