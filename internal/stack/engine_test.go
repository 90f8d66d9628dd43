package stack

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"stackrunner/internal/catalog"
	"stackrunner/internal/subprocess"
)

// stubRunner dispatches to a per-task handler keyed by the LaunchSpec's Code
// field (tests set Code to the task_id for routing, since no real process is
// ever spawned).
type stubRunner struct {
	handlers map[string]func(req subprocess.Request) (subprocess.Result, error)
}

func (r *stubRunner) Run(_ context.Context, req subprocess.Request) (subprocess.Result, error) {
	h, ok := r.handlers[req.Spec.Code]
	if !ok {
		return subprocess.Result{}, fmt.Errorf("no stub handler for task %q", req.Spec.Code)
	}
	return h(req)
}

func writeCatalog(t *testing.T, tasks ...string) string {
	t.Helper()
	dir := t.TempDir()
	content := "tasks:\n"
	for _, id := range tasks {
		content += "  - task_id: " + id + "\n" +
			"    kind: shell-command\n" +
			"    code: " + id + "\n" +
			"    timeout_seconds: 5\n" +
			"    enabled: true\n"
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tasks.yaml"), []byte(content), 0o644))
	return dir
}

func newTestEngine(t *testing.T, runner *stubRunner, taskIDs ...string) (*Engine, *MemoryStore) {
	t.Helper()
	dir := writeCatalog(t, taskIDs...)
	cat, err := catalog.New(dir)
	require.NoError(t, err)
	store := NewMemoryStore()
	return NewEngine(store, cat, runner, AlwaysOpen{}), store
}

func TestEngineEchoScenario(t *testing.T) {
	runner := &stubRunner{handlers: map[string]func(subprocess.Request) (subprocess.Result, error){
		"hello": func(req subprocess.Request) (subprocess.Result, error) {
			greeting, _ := req.Parameters["greeting"].(string)
			return subprocess.Result{Output: "Hello " + greeting}, nil
		},
	}}
	engine, _ := newTestEngine(t, runner, "hello")

	stackID, err := engine.Create(context.Background(), "req-1", "hello", map[string]any{"greeting": "World"})
	require.NoError(t, err)
	require.NoError(t, engine.RunToCompletion(context.Background(), stackID))

	got, err := engine.store.GetStack(context.Background(), stackID)
	require.NoError(t, err)
	require.Equal(t, StackDone, got.Status)
	require.Equal(t, "Hello World", got.FinalOutput)
	require.Len(t, got.Trace, 1)
}

func TestEngineRecursiveCountdown(t *testing.T) {
	runner := &stubRunner{handlers: map[string]func(subprocess.Request) (subprocess.Result, error){
		"countdown": func(req subprocess.Request) (subprocess.Result, error) {
			n := int(req.Parameters["n"].(float64))
			priorSum, _ := req.Context["variables"].(map[string]any)["running_sum"].(int)
			result := subprocess.Result{
				Variables: map[string]any{"running_sum": priorSum + n},
				Output:    n,
			}
			if n > 1 {
				result.PushedChildren = []subprocess.ChildSpec{{TaskID: "countdown", Parameters: map[string]any{"n": float64(n - 1)}}}
			}
			return result, nil
		},
	}}
	engine, _ := newTestEngine(t, runner, "countdown")

	stackID, err := engine.Create(context.Background(), "req-2", "countdown", map[string]any{"n": float64(3)})
	require.NoError(t, err)
	require.NoError(t, engine.RunToCompletion(context.Background(), stackID))

	got, err := engine.store.GetStack(context.Background(), stackID)
	require.NoError(t, err)
	require.Equal(t, StackDone, got.Status)
	require.Len(t, got.Trace, 3)
	require.Equal(t, 6, got.AccumulatedContext.Variables["running_sum"])
	require.Equal(t, []string{"countdown", "countdown", "countdown"}, []string{got.Trace[0].TaskID, got.Trace[1].TaskID, got.Trace[2].TaskID})
}

func TestEngineFanOutReverseOrder(t *testing.T) {
	var order []string
	runner := &stubRunner{handlers: map[string]func(subprocess.Request) (subprocess.Result, error){
		"root": func(req subprocess.Request) (subprocess.Result, error) {
			return subprocess.Result{PushedChildren: []subprocess.ChildSpec{
				{TaskID: "A"}, {TaskID: "B"}, {TaskID: "C"},
			}}, nil
		},
		"A": func(subprocess.Request) (subprocess.Result, error) { order = append(order, "A"); return subprocess.Result{Output: "a"}, nil },
		"B": func(subprocess.Request) (subprocess.Result, error) { order = append(order, "B"); return subprocess.Result{Output: "b"}, nil },
		"C": func(subprocess.Request) (subprocess.Result, error) { order = append(order, "C"); return subprocess.Result{Output: "c"}, nil },
	}}
	engine, _ := newTestEngine(t, runner, "root", "A", "B", "C")

	stackID, err := engine.Create(context.Background(), "req-3", "root", nil)
	require.NoError(t, err)
	require.NoError(t, engine.RunToCompletion(context.Background(), stackID))

	require.Equal(t, []string{"C", "B", "A"}, order)
}

func TestEngineAbortMidStack(t *testing.T) {
	var ran []string
	runner := &stubRunner{handlers: map[string]func(subprocess.Request) (subprocess.Result, error){
		"root": func(subprocess.Request) (subprocess.Result, error) {
			return subprocess.Result{PushedChildren: []subprocess.ChildSpec{{TaskID: "X"}, {TaskID: "Y"}, {TaskID: "Z"}}}, nil
		},
		"X": func(subprocess.Request) (subprocess.Result, error) { ran = append(ran, "X"); return subprocess.Result{Output: "x"}, nil },
		"Y": func(subprocess.Request) (subprocess.Result, error) { ran = append(ran, "Y"); return subprocess.Result{Output: "y"}, nil },
		"Z": func(subprocess.Request) (subprocess.Result, error) {
			ran = append(ran, "Z")
			return subprocess.Result{Output: "z", Abort: true}, nil
		},
	}}
	engine, _ := newTestEngine(t, runner, "root", "X", "Y", "Z")

	stackID, err := engine.Create(context.Background(), "req-4", "root", nil)
	require.NoError(t, err)
	require.NoError(t, engine.RunToCompletion(context.Background(), stackID))

	got, err := engine.store.GetStack(context.Background(), stackID)
	require.NoError(t, err)
	require.Equal(t, StackCancelled, got.Status)
	require.Equal(t, []string{"Z"}, ran, "X and Y must never have run after Z aborted")

	nodes, err := engine.store.ListNodes(context.Background(), stackID)
	require.NoError(t, err)
	statuses := map[string]Status{}
	for _, n := range nodes {
		statuses[n.TaskID] = n.Status
	}
	require.Equal(t, StatusDone, statuses["Z"])
	require.Equal(t, StatusCancelled, statuses["X"])
	require.Equal(t, StatusCancelled, statuses["Y"])
}

func TestEngineSubprocessFailureFailsStackAndCancelsSiblings(t *testing.T) {
	runner := &stubRunner{handlers: map[string]func(subprocess.Request) (subprocess.Result, error){
		"root": func(subprocess.Request) (subprocess.Result, error) {
			return subprocess.Result{PushedChildren: []subprocess.ChildSpec{{TaskID: "ok"}, {TaskID: "boom"}}}, nil
		},
		"ok":   func(subprocess.Request) (subprocess.Result, error) { return subprocess.Result{Output: "fine"}, nil },
		"boom": func(subprocess.Request) (subprocess.Result, error) { return subprocess.Result{}, assertError{} },
	}}
	engine, _ := newTestEngine(t, runner, "root", "ok", "boom")

	stackID, err := engine.Create(context.Background(), "req-5", "root", nil)
	require.NoError(t, err)
	require.NoError(t, engine.RunToCompletion(context.Background(), stackID))

	got, err := engine.store.GetStack(context.Background(), stackID)
	require.NoError(t, err)
	require.Equal(t, StackFailed, got.Status)

	nodes, err := engine.store.ListNodes(context.Background(), stackID)
	require.NoError(t, err)
	for _, n := range nodes {
		if n.TaskID == "ok" {
			require.Equal(t, StatusCancelled, n.Status)
		}
	}
}

func TestEngineCreateRefusesUnknownTask(t *testing.T) {
	engine, _ := newTestEngine(t, &stubRunner{handlers: map[string]func(subprocess.Request) (subprocess.Result, error){}})
	_, err := engine.Create(context.Background(), "req-6", "nonexistent", nil)
	require.Error(t, err)
}

func TestEngineCreateRefusesWhenKillSwitchEngaged(t *testing.T) {
	dir := writeCatalog(t, "hello")
	cat, err := catalog.New(dir)
	require.NoError(t, err)
	store := NewMemoryStore()
	engine := NewEngine(store, cat, &stubRunner{handlers: map[string]func(subprocess.Request) (subprocess.Result, error){}}, engagedSwitch{})

	_, err = engine.Create(context.Background(), "req-7", "hello", nil)
	require.Error(t, err)
}

type engagedSwitch struct{}

func (engagedSwitch) Engaged(context.Context) (bool, error) { return true, nil }

type assertError struct{}

func (assertError) Error() string { return "boom: task failed" }
