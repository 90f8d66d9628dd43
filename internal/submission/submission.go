// Package submission implements the Submission Surface (C9): a validating
// façade over the request queue that external callers (the HTTP API and
// stackrunctl) use instead of touching the graph store directly.
package submission

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"stackrunner/internal/catalog"
	stackerrors "stackrunner/internal/errors"
	"stackrunner/internal/logging"
	"stackrunner/internal/requestqueue"
	"stackrunner/internal/stack"
)

// defaultPriority is applied when a caller omits priority entirely.
const defaultPriority = 100

// Result is the composed view of a finished TaskRequest: its result_ref
// joined with the ExecutionStack snapshot it points at (output, accumulated
// context, and execution trace).
type Result struct {
	RequestID string              `json:"request_id"`
	Status    requestqueue.Status `json:"status"`
	Output    any                 `json:"output,omitempty"`
	Context   stack.StackContext  `json:"context,omitempty"`
	Trace     []stack.TraceEntry  `json:"trace,omitempty"`
	Error     string              `json:"error,omitempty"`
}

// Service validates submission-surface calls before they ever reach C6, so
// ValidationErrors never reach the graph store.
type Service struct {
	requests RequestStore
	stacks   stack.Store
	catalog  CatalogView
	logger   logging.Logger
}

// RequestStore is the slice of requestqueue.Adapter the submission surface
// needs. Accepted as an interface so tests can fake it without Neo4j.
type RequestStore interface {
	Submit(ctx context.Context, req requestqueue.TaskRequest) (*requestqueue.TaskRequest, requestqueue.SubmitOutcome, error)
	Get(ctx context.Context, requestID string) (*requestqueue.TaskRequest, error)
	List(ctx context.Context, filter requestqueue.ListFilter) ([]*requestqueue.TaskRequest, error)
	Cancel(ctx context.Context, requestID string) error
}

// CatalogView is the slice of catalog.Catalog the submission surface needs
// for input validation and for list_tasks.
type CatalogView interface {
	ByTaskID(taskID string) (catalog.TaskDefinition, bool)
	List() []catalog.TaskDefinition
}

func NewService(requests RequestStore, stacks stack.Store, cat CatalogView) *Service {
	return &Service{requests: requests, stacks: stacks, catalog: cat, logger: logging.New("submission")}
}

// SubmitInput is the caller-facing request shape; Parameters is accepted as
// raw JSON so malformed input is rejected here, before it ever reaches C6.
type SubmitInput struct {
	RequestID  string
	TaskID     string
	Parameters json.RawMessage
	Priority   int
	Requester  string
	DependsOn  []string
}

// Submit validates input and forwards to the request queue. Validation
// failures are returned as PermanentErrors (KindValidation, or KindCatalogMissing
// for an unknown or disabled task_id) so callers never need to string-match to
// tell them apart from backend failures.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (*requestqueue.TaskRequest, requestqueue.SubmitOutcome, error) {
	if in.RequestID == "" {
		return nil, "", stackerrors.NewDomainError(stackerrors.KindValidation, fmt.Errorf("request_id is required"))
	}
	if in.TaskID == "" {
		return nil, "", stackerrors.NewDomainError(stackerrors.KindValidation, fmt.Errorf("task_id is required"))
	}
	if in.Priority == 0 {
		in.Priority = defaultPriority
	}
	if in.Priority < 1 || in.Priority > 1000 {
		return nil, "", stackerrors.NewDomainError(stackerrors.KindValidation, fmt.Errorf("priority must be in [1,1000], got %d", in.Priority))
	}
	def, ok := s.catalog.ByTaskID(in.TaskID)
	if !ok {
		return nil, "", stackerrors.NewDomainError(stackerrors.KindCatalogMissing, fmt.Errorf("unknown task_id %q", in.TaskID))
	}
	if !def.Enabled {
		return nil, "", stackerrors.NewDomainError(stackerrors.KindCatalogMissing, fmt.Errorf("task_id %q is disabled", in.TaskID))
	}
	for _, dep := range in.DependsOn {
		if dep == in.RequestID {
			return nil, "", stackerrors.NewDomainError(stackerrors.KindValidation, fmt.Errorf("request cannot depend on itself"))
		}
	}

	var params map[string]any
	if len(in.Parameters) > 0 {
		if err := json.Unmarshal(in.Parameters, &params); err != nil {
			return nil, "", stackerrors.NewDomainError(stackerrors.KindValidation, fmt.Errorf("parameters must be a JSON object: %w", err))
		}
	}

	return s.requests.Submit(ctx, requestqueue.TaskRequest{
		RequestID:  in.RequestID,
		TaskID:     in.TaskID,
		Parameters: params,
		Priority:   in.Priority,
		Requester:  in.Requester,
		DependsOn:  in.DependsOn,
	})
}

// Status returns the current status row for a request, unadorned.
func (s *Service) Status(ctx context.Context, requestID string) (*requestqueue.TaskRequest, error) {
	if requestID == "" {
		return nil, stackerrors.NewDomainError(stackerrors.KindValidation, fmt.Errorf("request_id is required"))
	}
	return s.requests.Get(ctx, requestID)
}

// Result joins a finished TaskRequest's result_ref with the ExecutionStack it
// names, returning output, accumulated context, and trace. Requests that
// haven't reached a terminal status yet return the bare status with no
// output/context/trace populated.
func (s *Service) Result(ctx context.Context, requestID string) (*Result, error) {
	req, err := s.Status(ctx, requestID)
	if err != nil {
		return nil, err
	}
	out := &Result{RequestID: req.RequestID, Status: req.Status, Error: req.Error}
	if req.Status != requestqueue.StatusDone || req.ResultRef == "" {
		return out, nil
	}
	snapshot, err := s.stacks.GetStack(ctx, req.ResultRef)
	if err != nil {
		return nil, fmt.Errorf("load result stack %s: %w", req.ResultRef, err)
	}
	out.Output = snapshot.FinalOutput
	out.Context = snapshot.AccumulatedContext
	out.Trace = snapshot.Trace
	return out, nil
}

// ListTasks returns the task catalog's definitions, narrowed to those whose
// task_id contains taskIDFilter (when non-empty) and, when enabledOnly is
// true, to Enabled definitions only. This lists C1 task definitions, not
// TaskRequests — see ListPending for the request-row listing.
func (s *Service) ListTasks(taskIDFilter string, enabledOnly bool) []catalog.TaskDefinition {
	all := s.catalog.List()
	out := make([]catalog.TaskDefinition, 0, len(all))
	for _, def := range all {
		if enabledOnly && !def.Enabled {
			continue
		}
		if taskIDFilter != "" && !strings.Contains(def.TaskID, taskIDFilter) {
			continue
		}
		out = append(out, def)
	}
	return out
}

// ListPending lists TaskRequests (not catalog definitions) in the two
// non-terminal, unclaimed statuses: pending and blocked.
func (s *Service) ListPending(ctx context.Context, requester string) ([]*requestqueue.TaskRequest, error) {
	pending, err := s.requests.List(ctx, requestqueue.ListFilter{Status: requestqueue.StatusPending, Requester: requester})
	if err != nil {
		return nil, err
	}
	blocked, err := s.requests.List(ctx, requestqueue.ListFilter{Status: requestqueue.StatusBlocked, Requester: requester})
	if err != nil {
		return nil, err
	}
	return append(pending, blocked...), nil
}

// Cancel cancels a request that hasn't been claimed yet.
func (s *Service) Cancel(ctx context.Context, requestID string) error {
	if requestID == "" {
		return stackerrors.NewDomainError(stackerrors.KindValidation, fmt.Errorf("request_id is required"))
	}
	return s.requests.Cancel(ctx, requestID)
}
