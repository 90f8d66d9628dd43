// Package stack implements the Stack Engine (C5) and its durable backing
// store (C2): a LIFO executor where each task may push children and a
// shared context accumulates, left-fold style, across the whole run.
package stack

import (
	"time"

	"stackrunner/internal/subprocess"
)

// Status is a StackNode's lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
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

// StackStatus is an ExecutionStack's lifecycle state.
type StackStatus string

const (
	StackRunning   StackStatus = "running"
	StackDone      StackStatus = "done"
	StackFailed    StackStatus = "failed"
	StackCancelled StackStatus = "cancelled"
)

func (s StackStatus) Terminal() bool {
	return s != StackRunning
}

// ChildSpec is one entry of a pushed_children list.
type ChildSpec = subprocess.ChildSpec

// StackContext is the value folded across every node in a stack: variables
// and metadata shallow-merge (later writes win), outputs/decisions/errors
// append.
type StackContext struct {
	Variables map[string]any `json:"variables"`
	Outputs   []any          `json:"outputs"`
	Decisions []string       `json:"decisions"`
	Errors    []string       `json:"errors"`
	Metadata  map[string]any `json:"metadata"`
}

// NewContext returns an empty, non-nil StackContext.
func NewContext() StackContext {
	return StackContext{
		Variables: map[string]any{},
		Outputs:   []any{},
		Decisions: []string{},
		Errors:    []string{},
		Metadata:  map[string]any{},
	}
}

// Clone makes a shallow-value, deep-container copy so a later fold never
// mutates a context snapshot already handed to a node as input_context.
func (c StackContext) Clone() StackContext {
	out := StackContext{
		Variables: make(map[string]any, len(c.Variables)),
		Outputs:   append([]any(nil), c.Outputs...),
		Decisions: append([]string(nil), c.Decisions...),
		Errors:    append([]string(nil), c.Errors...),
		Metadata:  make(map[string]any, len(c.Metadata)),
	}
	for k, v := range c.Variables {
		out.Variables[k] = v
	}
	for k, v := range c.Metadata {
		out.Metadata[k] = v
	}
	return out
}

// Fold implements the engine's context monad: a left fold of one task
// result into the previous accumulated context.
func Fold(prev StackContext, result subprocess.Result) StackContext {
	next := prev.Clone()
	for k, v := range result.Variables {
		next.Variables[k] = v
	}
	for k, v := range result.Metadata {
		next.Metadata[k] = v
	}
	if result.Output != nil {
		next.Outputs = append(next.Outputs, result.Output)
	} else if result.RawStdout != "" {
		next.Outputs = append(next.Outputs, result.RawStdout)
	}
	next.Decisions = append(next.Decisions, result.Decisions...)
	next.Errors = append(next.Errors, result.Errors...)
	return next
}

// StackNode is one task invocation inside a stack.
type StackNode struct {
	QueueID        int64
	RequestID      string
	StackID        string
	TaskID         string
	Depth          int
	ParentQueueID  *int64
	Sequence       int
	Status         Status
	EnqueuedAt     time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time
	WorkerID       string
	LeaseExpiresAt *time.Time
	Parameters     map[string]any
	InputContext   StackContext
	Output         any
	OutputContext  *StackContext
	PushedChildren []ChildSpec
	ErrorMessage   string
}

// TraceEntry is a terminal-state snapshot of a StackNode.
type TraceEntry struct {
	QueueID        int64
	TaskID         string
	Depth          int
	Status         Status
	StartedAt      *time.Time
	FinishedAt     *time.Time
	InputContext   StackContext
	Output         any
	PushedChildren []ChildSpec
	Error          string
}

// ExecutionStack is the durable container for one LIFO run.
type ExecutionStack struct {
	StackID            string
	CreatedAt          time.Time
	FinishedAt         *time.Time
	Status             StackStatus
	InitialRequestID   string
	InitialTaskID      string
	InitialParams      map[string]any
	AccumulatedContext StackContext
	Trace              []TraceEntry
	FinalOutput        any
	ErrorMessage       string
}
