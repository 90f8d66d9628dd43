package processor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"stackrunner/internal/catalog"
	"stackrunner/internal/metrics"
	"stackrunner/internal/requestqueue"
	"stackrunner/internal/stack"
	"stackrunner/internal/subprocess"
)

func newTestMetrics() *metrics.Metrics {
	return metrics.NewWithRegisterer(prometheus.NewRegistry())
}

// fakeRequestStore is an in-memory stand-in for requestqueue.Adapter, just
// enough of the ClaimNext/MarkExecuting/MarkDone/MarkFailed surface for the
// worker loop to drive a stack to completion without a live Neo4j instance.
type fakeRequestStore struct {
	mu       sync.Mutex
	total    int
	pending  []*requestqueue.TaskRequest
	executed map[string]bool
	done     map[string]string
	failed   map[string]string
}

func newFakeRequestStore(reqs ...*requestqueue.TaskRequest) *fakeRequestStore {
	return &fakeRequestStore{
		total:    len(reqs),
		pending:  reqs,
		executed: map[string]bool{},
		done:     map[string]string{},
		failed:   map[string]string{},
	}
}

func (f *fakeRequestStore) ClaimNext(_ context.Context, _ string) (*requestqueue.TaskRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return nil, nil
	}
	req := f.pending[0]
	f.pending = f.pending[1:]
	return req, nil
}

func (f *fakeRequestStore) MarkExecuting(_ context.Context, requestID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed[requestID] = true
	return nil
}

func (f *fakeRequestStore) MarkDone(_ context.Context, requestID, resultRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.done[requestID] = resultRef
	return nil
}

func (f *fakeRequestStore) MarkFailed(_ context.Context, requestID, errMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[requestID] = errMessage
	return nil
}

// fakeCascade records how many times UnblockOnCompletion was called, per
// request, without needing a real cascade.Engine/Store/requestqueue.Adapter.
type fakeCascade struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeCascade) UnblockOnCompletion(_ context.Context, requestID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, requestID)
	return 0, nil
}

// stubRunner dispatches to a per-task handler keyed by the LaunchSpec's Code
// field, mirroring internal/stack's own test stub.
type stubRunner struct {
	handlers map[string]func(subprocess.Request) (subprocess.Result, error)
}

func (r *stubRunner) Run(_ context.Context, req subprocess.Request) (subprocess.Result, error) {
	h, ok := r.handlers[req.Spec.Code]
	if !ok {
		return subprocess.Result{}, fmt.Errorf("no stub handler for task %q", req.Spec.Code)
	}
	return h(req)
}

func newTestCatalog(t *testing.T, taskIDs ...string) *catalog.Catalog {
	t.Helper()
	dir := t.TempDir()
	content := "tasks:\n"
	for _, id := range taskIDs {
		content += "  - task_id: " + id + "\n" +
			"    kind: shell-command\n" +
			"    code: " + id + "\n" +
			"    timeout_seconds: 5\n" +
			"    enabled: true\n"
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tasks.yaml"), []byte(content), 0o644))
	cat, err := catalog.New(dir)
	require.NoError(t, err)
	return cat
}

func testConfig(workerID string) Config {
	return Config{
		WorkerID:       workerID,
		PollInterval:   5 * time.Millisecond,
		MaxPollBackoff: 20 * time.Millisecond,
		ShutdownGrace:  time.Second,
	}
}

func TestWorkerSettlesDoneAndUnblocksDependents(t *testing.T) {
	cat := newTestCatalog(t, "hello")
	runner := &stubRunner{handlers: map[string]func(subprocess.Request) (subprocess.Result, error){
		"hello": func(req subprocess.Request) (subprocess.Result, error) {
			greeting, _ := req.Parameters["greeting"].(string)
			return subprocess.Result{Output: "Hello " + greeting}, nil
		},
	}}
	requests := newFakeRequestStore(&requestqueue.TaskRequest{
		RequestID: "req-1", TaskID: "hello", Parameters: map[string]any{"greeting": "World"},
	})
	cascadeEng := &fakeCascade{}
	m := newTestMetrics()

	w := NewWorker(testConfig("w1"), requests, stack.NewMemoryStore(), cat, runner, stack.AlwaysOpen{}, cascadeEng, m)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, runUntilIdle(ctx, w))

	require.True(t, requests.executed["req-1"])
	resultRef, ok := requests.done["req-1"]
	require.True(t, ok, "request must have settled done")
	require.NotEmpty(t, resultRef)
	require.Equal(t, []string{"req-1"}, cascadeEng.calls)
}

func TestWorkerSettlesFailedWithoutUnblocking(t *testing.T) {
	cat := newTestCatalog(t, "boom")
	runner := &stubRunner{handlers: map[string]func(subprocess.Request) (subprocess.Result, error){
		"boom": func(subprocess.Request) (subprocess.Result, error) {
			return subprocess.Result{}, fmt.Errorf("task exploded")
		},
	}}
	requests := newFakeRequestStore(&requestqueue.TaskRequest{RequestID: "req-2", TaskID: "boom"})
	cascadeEng := &fakeCascade{}
	m := newTestMetrics()

	w := NewWorker(testConfig("w2"), requests, stack.NewMemoryStore(), cat, runner, stack.AlwaysOpen{}, cascadeEng, m)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, runUntilIdle(ctx, w))

	_, stillDone := requests.done["req-2"]
	require.False(t, stillDone)
	errMessage, ok := requests.failed["req-2"]
	require.True(t, ok, "request must have settled failed")
	require.Contains(t, errMessage, "task exploded")
	require.Empty(t, cascadeEng.calls, "a failed request must never unblock dependents")
}

func TestWorkerStopsOnContextCancellationWithNoWorkPending(t *testing.T) {
	requests := newFakeRequestStore()
	cascadeEng := &fakeCascade{}
	cat := newTestCatalog(t, "noop")
	m := newTestMetrics()

	w := NewWorker(testConfig("w3"), requests, stack.NewMemoryStore(), cat, &stubRunner{handlers: map[string]func(subprocess.Request) (subprocess.Result, error){}}, stack.AlwaysOpen{}, cascadeEng, m)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := w.Run(ctx)
	require.NoError(t, err, "Run must return cleanly when its context is cancelled")
}

func TestWorkerHonorsEngagedKillSwitch(t *testing.T) {
	requests := newFakeRequestStore(&requestqueue.TaskRequest{RequestID: "req-3", TaskID: "hello"})
	cascadeEng := &fakeCascade{}
	cat := newTestCatalog(t, "hello")
	m := newTestMetrics()

	w := NewWorker(testConfig("w4"), requests, stack.NewMemoryStore(), cat, &stubRunner{handlers: map[string]func(subprocess.Request) (subprocess.Result, error){}}, engagedKillSwitch{}, cascadeEng, m)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.NoError(t, w.Run(ctx))

	require.False(t, requests.executed["req-3"], "a request must never be claimed while the kill switch is engaged")
}

type engagedKillSwitch struct{}

func (engagedKillSwitch) Engaged(context.Context) (bool, error) { return true, nil }

// runUntilIdle drives w.Run until every request the fake store started with
// has reached a settled (done or failed) outcome, then cancels ctx so Run
// returns.
func runUntilIdle(ctx context.Context, w *Worker) error {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- w.Run(runCtx) }()

	store := w.requests.(*fakeRequestStore)
	deadline := time.Now().Add(900 * time.Millisecond)
	for time.Now().Before(deadline) {
		store.mu.Lock()
		settled := len(store.done) + len(store.failed)
		total := store.total
		store.mu.Unlock()
		if settled >= total {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	return <-done
}
