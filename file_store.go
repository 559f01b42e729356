package invoiceflow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore is a file-based StateStore and CheckpointStore that persists
// records as JSON under a data directory:
//
//	<dir>/states/<workflow_id>.json
//	<dir>/checkpoints/<checkpoint_id>.json
//	<dir>/queue/<checkpoint_id>.json
//
// A single mutex serializes compound operations, which is sufficient for the
// single-process deployments this store targets. Multi-process deployments
// should use PostgresStore.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates a file store rooted at dir, creating the layout if
// needed. An empty dir defaults to ~/.invoiceflow/workflows.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".invoiceflow", "workflows")
	}
	for _, sub := range []string{"states", "checkpoints", "queue"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory %s: %w", dir, err)
		}
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) PutState(ctx context.Context, state *WorkflowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.writeJSON(s.statePath(state.WorkflowID), state)
}

func (s *FileStore) GetState(ctx context.Context, workflowID string) (*WorkflowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var state WorkflowState
	if err := s.readJSON(s.statePath(workflowID), &state); err != nil {
		if os.IsNotExist(err) {
			return nil, NewWorkflowNotFound(workflowID)
		}
		return nil, err
	}
	return &state, nil
}

func (s *FileStore) CreateCheckpoint(ctx context.Context, cp *Checkpoint, entry *ReviewQueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.checkpointPath(cp.CheckpointID)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("checkpoint %s already exists", cp.CheckpointID)
	}
	if err := s.writeJSON(path, cp); err != nil {
		return err
	}
	return s.writeJSON(s.queuePath(entry.CheckpointID), entry)
}

func (s *FileStore) GetCheckpoint(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.loadCheckpoint(checkpointID)
}

func (s *FileStore) ReviewCheckpoint(ctx context.Context, checkpointID string, update ReviewUpdate) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, err := s.loadCheckpoint(checkpointID)
	if err != nil {
		return nil, err
	}
	if cp.Status != CheckpointOpen {
		return nil, &CheckpointStateError{CheckpointID: checkpointID, Status: cp.Status}
	}
	applyReview(cp, update)
	if err := s.writeJSON(s.checkpointPath(checkpointID), cp); err != nil {
		return nil, err
	}

	var entry ReviewQueueEntry
	if err := s.readJSON(s.queuePath(checkpointID), &entry); err == nil {
		entry.Status = ReviewResolved
		if err := s.writeJSON(s.queuePath(checkpointID), &entry); err != nil {
			return nil, err
		}
	}
	return cp, nil
}

func (s *FileStore) ListPending(ctx context.Context) ([]*ReviewQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := os.ReadDir(filepath.Join(s.dir, "queue"))
	if err != nil {
		return nil, fmt.Errorf("failed to read queue directory: %w", err)
	}
	var pending []*ReviewQueueEntry
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
			continue
		}
		var entry ReviewQueueEntry
		if err := s.readJSON(filepath.Join(s.dir, "queue", file.Name()), &entry); err != nil {
			continue
		}
		if entry.Status == ReviewAwaiting {
			pending = append(pending, &entry)
		}
	}
	sortQueueEntries(pending)
	return pending, nil
}

func (s *FileStore) ListWorkflowCheckpoints(ctx context.Context, workflowID string) ([]*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := os.ReadDir(filepath.Join(s.dir, "checkpoints"))
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoints directory: %w", err)
	}
	var checkpoints []*Checkpoint
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
			continue
		}
		var cp Checkpoint
		if err := s.readJSON(filepath.Join(s.dir, "checkpoints", file.Name()), &cp); err != nil {
			continue
		}
		if cp.WorkflowID == workflowID {
			checkpoints = append(checkpoints, &cp)
		}
	}
	sortCheckpointsNewestFirst(checkpoints)
	return checkpoints, nil
}

func (s *FileStore) loadCheckpoint(checkpointID string) (*Checkpoint, error) {
	var cp Checkpoint
	if err := s.readJSON(s.checkpointPath(checkpointID), &cp); err != nil {
		if os.IsNotExist(err) {
			return nil, NewCheckpointNotFound(checkpointID)
		}
		return nil, err
	}
	return &cp, nil
}

func (s *FileStore) statePath(workflowID string) string {
	return filepath.Join(s.dir, "states", workflowID+".json")
}

func (s *FileStore) checkpointPath(checkpointID string) string {
	return filepath.Join(s.dir, "checkpoints", checkpointID+".json")
}

func (s *FileStore) queuePath(checkpointID string) string {
	return filepath.Join(s.dir, "queue", checkpointID+".json")
}

func (s *FileStore) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	// Write-and-rename keeps a crashed write from corrupting the record.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write record file: %w", err)
	}
	return os.Rename(tmp, path)
}

func (s *FileStore) readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal record file %s: %w", path, err)
	}
	return nil
}
