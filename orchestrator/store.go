package orchestrator

import (
	"sync"

	"github.com/taskvine/taskvine/core"
)

// Store holds workflow instances and their state transfer records. It is
// injectable so tests can reset state without reaching into package internals
// and so a persistent implementation can be swapped in later. Implementations
// must be safe for concurrent use.
type Store interface {
	Get(id string) (*core.Workflow, bool)
	FindByTaskID(taskID string) (*core.Workflow, bool)
	Put(w *core.Workflow)
	Delete(id string)
	List() []*core.Workflow

	AppendTransfer(rec *core.StateTransfer)
	Transfers(workflowID string) []*core.StateTransfer
	DeleteTransfers(workflowID string)
}

// MemoryStore is the default map-backed Store. Workflow state only needs to
// survive for the duration of a multi-step call sequence, not a restart.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*core.Workflow
	transfers map[string][]*core.StateTransfer
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: map[string]*core.Workflow{},
		transfers: map[string][]*core.StateTransfer{},
	}
}

func (s *MemoryStore) Get(id string) (*core.Workflow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.workflows[id]
	return w, ok
}

func (s *MemoryStore) FindByTaskID(taskID string) (*core.Workflow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *core.Workflow
	for _, w := range s.workflows {
		if w.TaskID != taskID {
			continue
		}
		// Prefer an active workflow; fall back to the most recently updated.
		if found == nil || (!found.Active() && w.Active()) ||
			(found.Active() == w.Active() && w.UpdatedAt.After(found.UpdatedAt)) {
			found = w
		}
	}
	return found, found != nil
}

func (s *MemoryStore) Put(w *core.Workflow) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.workflows[w.ID] = w
}

func (s *MemoryStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.workflows, id)
}

func (s *MemoryStore) List() []*core.Workflow {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ws := make([]*core.Workflow, 0, len(s.workflows))
	for _, w := range s.workflows {
		ws = append(ws, w)
	}
	return ws
}

func (s *MemoryStore) AppendTransfer(rec *core.StateTransfer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.transfers[rec.WorkflowID] = append(s.transfers[rec.WorkflowID], rec)
}

func (s *MemoryStore) Transfers(workflowID string) []*core.StateTransfer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]*core.StateTransfer(nil), s.transfers[workflowID]...)
}

func (s *MemoryStore) DeleteTransfers(workflowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.transfers, workflowID)
}
