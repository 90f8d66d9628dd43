package stack

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used by engine tests; it implements the
// same LIFO claim and trace-reconstruction semantics as SQLiteStore without
// touching disk.
type MemoryStore struct {
	mu               sync.Mutex
	stacksByRequest  map[string]string
	stacks           map[string]*ExecutionStack
	nodes            map[string][]*StackNode // stackID -> nodes, insertion order
	nextQueueID      int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		stacksByRequest: make(map[string]string),
		stacks:          make(map[string]*ExecutionStack),
		nodes:           make(map[string][]*StackNode),
	}
}

func (m *MemoryStore) EnsureSchema(context.Context) error { return nil }

func (m *MemoryStore) CreateStack(_ context.Context, stack *ExecutionStack, root *StackNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.stacksByRequest[stack.InitialRequestID]; ok {
		stack.StackID = existing
		return nil
	}

	cp := *stack
	m.stacks[stack.StackID] = &cp
	m.stacksByRequest[stack.InitialRequestID] = stack.StackID

	m.nextQueueID++
	root.QueueID = m.nextQueueID
	rootCopy := *root
	m.nodes[stack.StackID] = append(m.nodes[stack.StackID], &rootCopy)
	return nil
}

func (m *MemoryStore) GetStack(_ context.Context, stackID string) (*ExecutionStack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stack, ok := m.stacks[stackID]
	if !ok {
		return nil, fmt.Errorf("stack %s: not found", stackID)
	}
	cp := *stack
	cp.Trace = m.traceLocked(stackID)
	return &cp, nil
}

func (m *MemoryStore) traceLocked(stackID string) []TraceEntry {
	var terminal []*StackNode
	for _, n := range m.nodes[stackID] {
		if n.Status.Terminal() {
			terminal = append(terminal, n)
		}
	}
	sort.SliceStable(terminal, func(i, j int) bool {
		ti, tj := terminal[i].FinishedAt, terminal[j].FinishedAt
		if ti == nil || tj == nil {
			return terminal[i].QueueID < terminal[j].QueueID
		}
		if ti.Equal(*tj) {
			return terminal[i].QueueID < terminal[j].QueueID
		}
		return ti.Before(*tj)
	})
	trace := make([]TraceEntry, 0, len(terminal))
	for _, n := range terminal {
		trace = append(trace, TraceEntry{
			QueueID: n.QueueID, TaskID: n.TaskID, Depth: n.Depth, Status: n.Status,
			StartedAt: n.StartedAt, FinishedAt: n.FinishedAt, InputContext: n.InputContext,
			Output: n.Output, PushedChildren: n.PushedChildren, Error: n.ErrorMessage,
		})
	}
	return trace
}

func (m *MemoryStore) FinishStack(_ context.Context, stackID string, status StackStatus, finalOutput any, errMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stack, ok := m.stacks[stackID]
	if !ok {
		return fmt.Errorf("stack %s: not found", stackID)
	}
	if stack.Status.Terminal() {
		return nil
	}
	now := time.Now()
	stack.Status = status
	stack.FinishedAt = &now
	stack.FinalOutput = finalOutput
	stack.ErrorMessage = errMessage
	return nil
}

func (m *MemoryStore) SaveStackContext(_ context.Context, stackID string, accumulated StackContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stack, ok := m.stacks[stackID]
	if !ok {
		return fmt.Errorf("stack %s: not found", stackID)
	}
	stack.AccumulatedContext = accumulated
	return nil
}

func (m *MemoryStore) ClaimNext(_ context.Context, stackID string) (*StackNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *StackNode
	for _, n := range m.nodes[stackID] {
		if n.Status != StatusQueued {
			continue
		}
		if best == nil || greater(n, best) {
			best = n
		}
	}
	if best == nil {
		return nil, nil
	}
	best.Status = StatusRunning
	cp := *best
	return &cp, nil
}

func greater(a, b *StackNode) bool {
	if a.Depth != b.Depth {
		return a.Depth > b.Depth
	}
	if a.Sequence != b.Sequence {
		return a.Sequence > b.Sequence
	}
	return a.QueueID > b.QueueID
}

func (m *MemoryStore) EnqueueChildren(_ context.Context, stackID string, parent *StackNode, children []ChildSpec) ([]*StackNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nodes := make([]*StackNode, 0, len(children))
	now := time.Now()
	for i, child := range children {
		m.nextQueueID++
		parentQueueID := parent.QueueID
		node := &StackNode{
			QueueID:       m.nextQueueID,
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
		m.nodes[stackID] = append(m.nodes[stackID], node)
		cp := *node
		nodes = append(nodes, &cp)
	}
	return nodes, nil
}

func (m *MemoryStore) SaveNode(_ context.Context, node *StackNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, n := range m.nodes[node.StackID] {
		if n.QueueID == node.QueueID {
			*n = *node
			return nil
		}
	}
	return fmt.Errorf("node %d: not found in stack %s", node.QueueID, node.StackID)
}

func (m *MemoryStore) CancelQueued(_ context.Context, stackID string, reason string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	n := 0
	for _, node := range m.nodes[stackID] {
		if node.Status == StatusQueued {
			node.Status = StatusCancelled
			node.ErrorMessage = reason
			node.FinishedAt = &now
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ListNodes(_ context.Context, stackID string) ([]*StackNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*StackNode, 0, len(m.nodes[stackID]))
	for _, n := range m.nodes[stackID] {
		cp := *n
		out = append(out, &cp)
	}
	return out, nil
}

// AlwaysOpen is a KillSwitch that is never engaged, for tests.
type AlwaysOpen struct{}

func (AlwaysOpen) Engaged(context.Context) (bool, error) { return false, nil }
