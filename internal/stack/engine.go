package stack

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"stackrunner/internal/catalog"
	stackerrors "stackrunner/internal/errors"
	"stackrunner/internal/logging"
	"stackrunner/internal/subprocess"
)

// Step reports whether RunOneStep left more work queued or reached a
// terminal stack status.
type Step int

const (
	StepMore Step = iota
	StepTerminal
)

// Engine is the C5 LIFO driver: it claims the next node per the (depth,
// sequence, queue_id) rule, runs it through a subprocess.Runner, folds the
// result into the stack's accumulated context, and enqueues any pushed
// children.
type Engine struct {
	store      Store
	catalog    *catalog.Catalog
	runner     subprocess.Runner
	killSwitch KillSwitch
	logger     logging.Logger
}

func NewEngine(store Store, cat *catalog.Catalog, runner subprocess.Runner, killSwitch KillSwitch) *Engine {
	return &Engine{store: store, catalog: cat, runner: runner, killSwitch: killSwitch, logger: logging.New("stack-engine")}
}

// Create builds a fresh ExecutionStack with a queued root node for taskID
// and returns its stack_id. Refuses when the global kill switch is engaged
// or taskID is unknown/disabled.
func (e *Engine) Create(ctx context.Context, requestID, taskID string, parameters map[string]any) (string, error) {
	engaged, err := e.killSwitch.Engaged(ctx)
	if err != nil {
		return "", fmt.Errorf("check kill switch: %w", err)
	}
	if engaged {
		return "", stackerrors.NewPermanentError(
			fmt.Errorf("kill switch engaged"),
			fmt.Sprintf("refusing to create stack for request %s: kill switch engaged", requestID),
		)
	}

	def, ok := e.catalog.ByTaskID(taskID)
	if !ok || !def.Enabled {
		return "", stackerrors.NewDomainError(stackerrors.KindCatalogMissing, fmt.Errorf("task %q is unknown or disabled", taskID))
	}

	stackID := uuid.NewString()
	stack := &ExecutionStack{
		StackID:            stackID,
		CreatedAt:          time.Now(),
		Status:             StackRunning,
		InitialRequestID:   requestID,
		InitialTaskID:      taskID,
		InitialParams:      parameters,
		AccumulatedContext: NewContext(),
	}
	root := &StackNode{
		RequestID:    requestID,
		StackID:      stackID,
		TaskID:       taskID,
		Depth:        0,
		Sequence:     0,
		Status:       StatusQueued,
		EnqueuedAt:   stack.CreatedAt,
		Parameters:   parameters,
		InputContext: NewContext(),
	}
	if err := e.store.CreateStack(ctx, stack, root); err != nil {
		return "", err
	}
	return stack.StackID, nil
}

// RunToCompletion drives a stack until it reaches a terminal status.
func (e *Engine) RunToCompletion(ctx context.Context, stackID string) error {
	for {
		step, err := e.RunOneStep(ctx, stackID)
		if err != nil {
			return err
		}
		if step == StepTerminal {
			return nil
		}
	}
}

// RunOneStep claims and runs exactly one node, folding its result into the
// stack, then reports whether the stack still has queued work.
func (e *Engine) RunOneStep(ctx context.Context, stackID string) (Step, error) {
	current, err := e.store.GetStack(ctx, stackID)
	if err != nil {
		return StepTerminal, err
	}
	if current.Status.Terminal() {
		return StepTerminal, nil
	}

	node, err := e.store.ClaimNext(ctx, stackID)
	if err != nil {
		return StepTerminal, err
	}
	if node == nil {
		return e.finish(ctx, current, StackDone, lastOutput(current.AccumulatedContext), "")
	}

	def, ok := e.catalog.ByTaskID(node.TaskID)
	if !ok {
		return e.failNode(ctx, current, node, stackerrors.NewDomainError(stackerrors.KindCatalogMissing, fmt.Errorf("task %q vanished from the catalog mid-stack", node.TaskID)))
	}

	started := time.Now()
	node.StartedAt = &started
	node.InputContext = current.AccumulatedContext.Clone()

	params := mergeParams(def.DefaultParams, node.Parameters)
	req := subprocess.Request{
		Spec: subprocess.LaunchSpec{
			Kind:       subprocess.Kind(def.Kind),
			Code:       def.Code,
			WorkingDir: def.WorkingDir,
			Env:        def.Env,
			Timeout:    time.Duration(def.TimeoutSecs) * time.Second,
		},
		Parameters: params,
		Context:    contextToMap(node.InputContext),
	}

	result, runErr := e.runner.Run(ctx, req)
	if runErr != nil {
		return e.failNode(ctx, current, node, runErr)
	}

	finished := time.Now()
	node.FinishedAt = &finished
	node.Status = StatusDone
	node.Output = result.Output
	node.PushedChildren = result.PushedChildren
	outputCtx := Fold(current.AccumulatedContext, result)
	node.OutputContext = &outputCtx

	if err := e.store.SaveNode(ctx, node); err != nil {
		return StepTerminal, err
	}
	if err := e.store.SaveStackContext(ctx, stackID, outputCtx); err != nil {
		return StepTerminal, err
	}
	current.AccumulatedContext = outputCtx

	if len(result.PushedChildren) > 0 {
		if _, err := e.store.EnqueueChildren(ctx, stackID, node, result.PushedChildren); err != nil {
			return StepTerminal, err
		}
	}

	if result.Abort {
		if _, err := e.store.CancelQueued(ctx, stackID, "aborted by task"); err != nil {
			return StepTerminal, err
		}
		return e.finish(ctx, current, StackCancelled, lastOutput(outputCtx), "")
	}

	return StepMore, nil
}

// failNode marks node failed, fails the whole stack, and cancels every
// remaining queued node — the single-failure-fails-the-stack rule of §4.2.
func (e *Engine) failNode(ctx context.Context, current *ExecutionStack, node *StackNode, cause error) (Step, error) {
	finished := time.Now()
	node.FinishedAt = &finished
	node.Status = StatusFailed
	node.ErrorMessage = cause.Error()
	if err := e.store.SaveNode(ctx, node); err != nil {
		return StepTerminal, err
	}
	if _, err := e.store.CancelQueued(ctx, current.StackID, "parent stack failed"); err != nil {
		return StepTerminal, err
	}
	return e.finish(ctx, current, StackFailed, nil, cause.Error())
}

func (e *Engine) finish(ctx context.Context, stack *ExecutionStack, status StackStatus, finalOutput any, errMessage string) (Step, error) {
	if err := e.store.FinishStack(ctx, stack.StackID, status, finalOutput, errMessage); err != nil {
		return StepTerminal, err
	}
	return StepTerminal, nil
}

func lastOutput(ctx StackContext) any {
	if len(ctx.Outputs) == 0 {
		return nil
	}
	return ctx.Outputs[len(ctx.Outputs)-1]
}

func mergeParams(defaults, override map[string]any) map[string]any {
	merged := make(map[string]any, len(defaults)+len(override))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}

func contextToMap(c StackContext) map[string]any {
	return map[string]any{
		"variables": c.Variables,
		"outputs":   c.Outputs,
		"decisions": c.Decisions,
		"errors":    c.Errors,
		"metadata":  c.Metadata,
	}
}
