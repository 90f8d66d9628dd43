package submission

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stackrunner/internal/catalog"
	"stackrunner/internal/requestqueue"
	"stackrunner/internal/stack"
)

type fakeRequests struct {
	byID map[string]*requestqueue.TaskRequest
}

func newFakeRequests() *fakeRequests {
	return &fakeRequests{byID: map[string]*requestqueue.TaskRequest{}}
}

func (f *fakeRequests) Submit(_ context.Context, req requestqueue.TaskRequest) (*requestqueue.TaskRequest, requestqueue.SubmitOutcome, error) {
	if existing, ok := f.byID[req.RequestID]; ok {
		return existing, requestqueue.OutcomeExisting, nil
	}
	req.Status = requestqueue.StatusPending
	req.CreatedAt = time.Now()
	f.byID[req.RequestID] = &req
	return &req, requestqueue.OutcomeCreated, nil
}

func (f *fakeRequests) Get(_ context.Context, requestID string) (*requestqueue.TaskRequest, error) {
	req, ok := f.byID[requestID]
	if !ok {
		return nil, fmt.Errorf("request %s: not found", requestID)
	}
	return req, nil
}

func (f *fakeRequests) List(_ context.Context, filter requestqueue.ListFilter) ([]*requestqueue.TaskRequest, error) {
	var out []*requestqueue.TaskRequest
	for _, req := range f.byID {
		if filter.Status != "" && req.Status != filter.Status {
			continue
		}
		if filter.Requester != "" && req.Requester != filter.Requester {
			continue
		}
		out = append(out, req)
	}
	return out, nil
}

func (f *fakeRequests) Cancel(_ context.Context, requestID string) error {
	req, ok := f.byID[requestID]
	if !ok {
		return fmt.Errorf("request %s: not found", requestID)
	}
	req.Status = requestqueue.StatusCancelled
	return nil
}

func testCatalog(t *testing.T, taskID string, enabled bool) *catalog.Catalog {
	t.Helper()
	dir := t.TempDir()
	enabledStr := "true"
	if !enabled {
		enabledStr = "false"
	}
	content := "tasks:\n  - task_id: " + taskID + "\n" +
		"    kind: shell-command\n    code: " + taskID + "\n" +
		"    timeout_seconds: 5\n    enabled: " + enabledStr + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tasks.yaml"), []byte(content), 0o644))
	cat, err := catalog.New(dir)
	require.NoError(t, err)
	return cat
}

func TestListTasksDefaultsToEnabledOnly(t *testing.T) {
	dir := t.TempDir()
	content := "tasks:\n" +
		"  - task_id: on-task\n    kind: shell-command\n    code: on-task\n    timeout_seconds: 5\n    enabled: true\n" +
		"  - task_id: off-task\n    kind: shell-command\n    code: off-task\n    timeout_seconds: 5\n    enabled: false\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tasks.yaml"), []byte(content), 0o644))
	cat, err := catalog.New(dir)
	require.NoError(t, err)

	svc := NewService(newFakeRequests(), stack.NewMemoryStore(), cat)

	defs := svc.ListTasks("", true)
	require.Len(t, defs, 1)
	require.Equal(t, "on-task", defs[0].TaskID)

	all := svc.ListTasks("", false)
	require.Len(t, all, 2)
}

func TestListTasksFiltersByTaskIDSubstring(t *testing.T) {
	dir := t.TempDir()
	content := "tasks:\n" +
		"  - task_id: build-image\n    kind: shell-command\n    code: build-image\n    timeout_seconds: 5\n    enabled: true\n" +
		"  - task_id: deploy-image\n    kind: shell-command\n    code: deploy-image\n    timeout_seconds: 5\n    enabled: true\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tasks.yaml"), []byte(content), 0o644))
	cat, err := catalog.New(dir)
	require.NoError(t, err)

	svc := NewService(newFakeRequests(), stack.NewMemoryStore(), cat)

	defs := svc.ListTasks("deploy", true)
	require.Len(t, defs, 1)
	require.Equal(t, "deploy-image", defs[0].TaskID)
}

func TestSubmitRejectsMissingRequestID(t *testing.T) {
	svc := NewService(newFakeRequests(), stack.NewMemoryStore(), testCatalog(t, "known", true))
	_, _, err := svc.Submit(context.Background(), SubmitInput{TaskID: "known", Priority: 10})
	require.Error(t, err)
}

func TestSubmitRejectsOutOfRangePriority(t *testing.T) {
	svc := NewService(newFakeRequests(), stack.NewMemoryStore(), testCatalog(t, "known", true))
	_, _, err := svc.Submit(context.Background(), SubmitInput{RequestID: "r1", TaskID: "known", Priority: 1001})
	require.Error(t, err)
}

func TestSubmitRejectsUnknownTaskID(t *testing.T) {
	svc := NewService(newFakeRequests(), stack.NewMemoryStore(), testCatalog(t, "known", true))
	_, _, err := svc.Submit(context.Background(), SubmitInput{RequestID: "r1", TaskID: "missing", Priority: 10})
	require.Error(t, err)
}

func TestSubmitRejectsDisabledTask(t *testing.T) {
	svc := NewService(newFakeRequests(), stack.NewMemoryStore(), testCatalog(t, "known", false))
	_, _, err := svc.Submit(context.Background(), SubmitInput{RequestID: "r1", TaskID: "known", Priority: 10})
	require.Error(t, err)
}

func TestSubmitRejectsSelfDependency(t *testing.T) {
	svc := NewService(newFakeRequests(), stack.NewMemoryStore(), testCatalog(t, "known", true))
	_, _, err := svc.Submit(context.Background(), SubmitInput{RequestID: "r1", TaskID: "known", Priority: 10, DependsOn: []string{"r1"}})
	require.Error(t, err)
}

func TestSubmitRejectsMalformedParameters(t *testing.T) {
	svc := NewService(newFakeRequests(), stack.NewMemoryStore(), testCatalog(t, "known", true))
	_, _, err := svc.Submit(context.Background(), SubmitInput{RequestID: "r1", TaskID: "known", Priority: 10, Parameters: []byte("not json")})
	require.Error(t, err)
}

func TestSubmitAcceptsValidInput(t *testing.T) {
	requests := newFakeRequests()
	svc := NewService(requests, stack.NewMemoryStore(), testCatalog(t, "known", true))
	req, outcome, err := svc.Submit(context.Background(), SubmitInput{
		RequestID: "r1", TaskID: "known", Priority: 10, Parameters: []byte(`{"x":1}`),
	})
	require.NoError(t, err)
	require.Equal(t, requestqueue.OutcomeCreated, outcome)
	require.Equal(t, float64(1), req.Parameters["x"])
}

func TestResultReturnsBareStatusBeforeTerminal(t *testing.T) {
	requests := newFakeRequests()
	requests.byID["r1"] = &requestqueue.TaskRequest{RequestID: "r1", Status: requestqueue.StatusExecuting}
	svc := NewService(requests, stack.NewMemoryStore(), testCatalog(t, "known", true))

	result, err := svc.Result(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, requestqueue.StatusExecuting, result.Status)
	require.Nil(t, result.Output)
}

func TestResultJoinsStackSnapshotWhenDone(t *testing.T) {
	requests := newFakeRequests()
	store := stack.NewMemoryStore()
	cat := testCatalog(t, "known", true)

	err := store.CreateStack(context.Background(), &stack.ExecutionStack{
		StackID: "stack-1", InitialRequestID: "r1", InitialTaskID: "known",
		Status: stack.StackRunning, AccumulatedContext: stack.NewContext(),
	}, &stack.StackNode{RequestID: "r1", TaskID: "known", Status: stack.StatusQueued})
	require.NoError(t, err)
	require.NoError(t, store.FinishStack(context.Background(), "stack-1", stack.StackDone, "final", ""))

	requests.byID["r1"] = &requestqueue.TaskRequest{RequestID: "r1", Status: requestqueue.StatusDone, ResultRef: "stack-1"}

	svc := NewService(requests, store, cat)
	result, err := svc.Result(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, "final", result.Output)
}
