package invoiceflow

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory StateStore and CheckpointStore. It provides the
// same atomicity guarantees as the durable stores and backs tests and demos.
type MemoryStore struct {
	mu          sync.RWMutex
	states      map[string]*WorkflowState
	checkpoints map[string]*Checkpoint
	queue       map[string]*ReviewQueueEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states:      map[string]*WorkflowState{},
		checkpoints: map[string]*Checkpoint{},
		queue:       map[string]*ReviewQueueEntry{},
	}
}

func (s *MemoryStore) PutState(ctx context.Context, state *WorkflowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.states[state.WorkflowID] = state.Clone()
	return nil
}

func (s *MemoryStore) GetState(ctx context.Context, workflowID string) (*WorkflowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.states[workflowID]
	if !ok {
		return nil, NewWorkflowNotFound(workflowID)
	}
	return state.Clone(), nil
}

func (s *MemoryStore) CreateCheckpoint(ctx context.Context, cp *Checkpoint, entry *ReviewQueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.checkpoints[cp.CheckpointID]; exists {
		return fmt.Errorf("checkpoint %s already exists", cp.CheckpointID)
	}
	for _, existing := range s.checkpoints {
		if existing.WorkflowID == cp.WorkflowID && existing.Status == CheckpointOpen {
			return fmt.Errorf("workflow %s already has an open checkpoint %s",
				cp.WorkflowID, existing.CheckpointID)
		}
	}
	s.checkpoints[cp.CheckpointID] = cloneCheckpoint(cp)
	s.queue[entry.CheckpointID] = cloneQueueEntry(entry)
	return nil
}

func (s *MemoryStore) GetCheckpoint(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.checkpoints[checkpointID]
	if !ok {
		return nil, NewCheckpointNotFound(checkpointID)
	}
	return cloneCheckpoint(cp), nil
}

func (s *MemoryStore) ReviewCheckpoint(ctx context.Context, checkpointID string, update ReviewUpdate) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.checkpoints[checkpointID]
	if !ok {
		return nil, NewCheckpointNotFound(checkpointID)
	}
	if cp.Status != CheckpointOpen {
		return nil, &CheckpointStateError{CheckpointID: checkpointID, Status: cp.Status}
	}
	applyReview(cp, update)
	if entry, ok := s.queue[checkpointID]; ok {
		entry.Status = ReviewResolved
	}
	return cloneCheckpoint(cp), nil
}

func (s *MemoryStore) ListPending(ctx context.Context) ([]*ReviewQueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending []*ReviewQueueEntry
	for _, entry := range s.queue {
		if entry.Status == ReviewAwaiting {
			pending = append(pending, cloneQueueEntry(entry))
		}
	}
	sortQueueEntries(pending)
	return pending, nil
}

func (s *MemoryStore) ListWorkflowCheckpoints(ctx context.Context, workflowID string) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var checkpoints []*Checkpoint
	for _, cp := range s.checkpoints {
		if cp.WorkflowID == workflowID {
			checkpoints = append(checkpoints, cloneCheckpoint(cp))
		}
	}
	sortCheckpointsNewestFirst(checkpoints)
	return checkpoints, nil
}
