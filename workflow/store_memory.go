package workflow

import (
	"context"
	"sort"
	"sync"

	"github.com/ruteri/agent-identity-provisioner/interfaces"
)

// MemoryStore keeps workflow states in memory. States survive page reloads but not process restarts.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]*interfaces.WorkflowState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]*interfaces.WorkflowState)}
}

func (s *MemoryStore) Save(ctx context.Context, state *interfaces.WorkflowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.ID] = state.Clone()
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, id string) (*interfaces.WorkflowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[id]
	if !ok {
		return nil, interfaces.ErrWorkflowNotFound
	}
	return state.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.states))
	for id := range s.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
