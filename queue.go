package invoiceflow

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"time"
)

// ReviewQueueManager maintains the set of checkpoints awaiting human
// decision. Entries are created atomically with their checkpoint and resolved
// atomically with the checkpoint's REVIEWED transition, so the queue can
// never show a reviewed checkpoint as pending.
type ReviewQueueManager struct {
	store  CheckpointStore
	logger *slog.Logger
}

// NewReviewQueueManager creates a queue manager over a checkpoint store.
func NewReviewQueueManager(store CheckpointStore, logger *slog.Logger) *ReviewQueueManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ReviewQueueManager{store: store, logger: logger}
}

// Enqueue persists an OPEN checkpoint together with its queue entry. The
// entry's priority is derived from the match score: the worse the mismatch,
// the sooner a reviewer sees it.
func (m *ReviewQueueManager) Enqueue(ctx context.Context, cp *Checkpoint) (*ReviewQueueEntry, error) {
	entry := &ReviewQueueEntry{
		CheckpointID:  cp.CheckpointID,
		WorkflowID:    cp.WorkflowID,
		InvoiceID:     cp.InvoiceID,
		VendorName:    cp.VendorName,
		Amount:        cp.Amount,
		Currency:      cp.Currency,
		MatchScore:    cp.MatchScore,
		Priority:      PriorityForScore(cp.MatchScore),
		ReasonForHold: cp.ReasonForHold,
		ReviewURL:     cp.ReviewURL,
		Status:        ReviewAwaiting,
		CreatedAt:     time.Now().UTC(),
	}
	if err := m.store.CreateCheckpoint(ctx, cp, entry); err != nil {
		return nil, err
	}
	m.logger.Info("checkpoint enqueued for review",
		"checkpoint_id", cp.CheckpointID,
		"workflow_id", cp.WorkflowID,
		"priority", entry.Priority.String(),
		"match_score", cp.MatchScore)
	return entry, nil
}

// ListPending returns entries awaiting review, highest priority first and
// FIFO within a priority tier.
func (m *ReviewQueueManager) ListPending(ctx context.Context) ([]*ReviewQueueEntry, error) {
	return m.store.ListPending(ctx)
}

// Resolution of a queue entry happens inside CheckpointStore.ReviewCheckpoint
// so the REVIEWED transition and the queue update share one transaction;
// there is deliberately no standalone Resolve that could race with it.

// sortQueueEntries orders entries by priority descending, then creation time
// ascending. Used by stores that keep the queue in process memory or files;
// the SQL store orders in the query.
func sortQueueEntries(entries []*ReviewQueueEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority > entries[j].Priority
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}

// sortCheckpointsNewestFirst orders checkpoints by creation time descending.
func sortCheckpointsNewestFirst(checkpoints []*Checkpoint) {
	sort.SliceStable(checkpoints, func(i, j int) bool {
		return checkpoints[i].CreatedAt.After(checkpoints[j].CreatedAt)
	})
}
