// Package checkpoint persists graph state keyed by (thread id, namespace)
// so a paused run can resume, including across process restarts when the
// durable implementation is used.
package checkpoint

import (
	"context"
	"sync"
)

// Namespaces used by the orchestrator. The controller and the deep agent
// checkpoint independently on the same thread.
const (
	NamespaceController = "controller"
	NamespaceDeepAgent  = "deep_agent"
)

// Checkpointer stores opaque serialized state per (thread, namespace).
type Checkpointer interface {
	Put(ctx context.Context, threadID, namespace string, state []byte) error
	Get(ctx context.Context, threadID, namespace string) ([]byte, bool, error)
	Delete(ctx context.Context, threadID, namespace string) error
	// Persistent reports whether state survives a process restart.
	// HITL resume after restart requires a persistent checkpointer.
	Persistent() bool
}

// Memory is the in-process checkpointer. Pending interrupts are lost on
// restart.
type Memory struct {
	mu    sync.RWMutex
	state map[string][]byte
}

// NewMemory creates an empty in-memory checkpointer.
func NewMemory() *Memory {
	return &Memory{state: map[string][]byte{}}
}

func key(threadID, namespace string) string { return threadID + "\x00" + namespace }

func (m *Memory) Put(_ context.Context, threadID, namespace string, state []byte) error {
	cp := make([]byte, len(state))
	copy(cp, state)
	m.mu.Lock()
	m.state[key(threadID, namespace)] = cp
	m.mu.Unlock()
	return nil
}

func (m *Memory) Get(_ context.Context, threadID, namespace string) ([]byte, bool, error) {
	m.mu.RLock()
	state, ok := m.state[key(threadID, namespace)]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(state))
	copy(cp, state)
	return cp, true, nil
}

func (m *Memory) Delete(_ context.Context, threadID, namespace string) error {
	m.mu.Lock()
	delete(m.state, key(threadID, namespace))
	m.mu.Unlock()
	return nil
}

func (m *Memory) Persistent() bool { return false }
