package invoiceflow

import "context"

// StateStore persists WorkflowState snapshots keyed by workflow id. Writes
// are synchronous: a successful PutState means the snapshot is durable before
// the next stage runs.
type StateStore interface {
	// PutState stores a full snapshot, overwriting any previous version.
	PutState(ctx context.Context, state *WorkflowState) error

	// GetState loads the latest snapshot. Returns a NotFoundError for an
	// unknown workflow id.
	GetState(ctx context.Context, workflowID string) (*WorkflowState, error)
}

// CheckpointStore persists checkpoints and their review-queue index. The two
// compound operations are atomic: a checkpoint is never visible without its
// queue entry, and a reviewed checkpoint is never still listed as pending.
type CheckpointStore interface {
	// CreateCheckpoint stores an OPEN checkpoint together with its queue
	// entry in one atomic operation.
	CreateCheckpoint(ctx context.Context, cp *Checkpoint, entry *ReviewQueueEntry) error

	// GetCheckpoint loads a checkpoint. Returns a NotFoundError for an
	// unknown id.
	GetCheckpoint(ctx context.Context, checkpointID string) (*Checkpoint, error)

	// ReviewCheckpoint transitions OPEN to REVIEWED as a compare-and-swap and
	// resolves the queue entry in the same logical transaction. If the
	// checkpoint is not OPEN it returns a CheckpointStateError and mutates
	// nothing; of two concurrent calls exactly one succeeds.
	ReviewCheckpoint(ctx context.Context, checkpointID string, update ReviewUpdate) (*Checkpoint, error)

	// ListPending returns AWAITING_REVIEW entries ordered by priority
	// descending, then creation time ascending.
	ListPending(ctx context.Context) ([]*ReviewQueueEntry, error)

	// ListWorkflowCheckpoints returns all checkpoints for a workflow, newest
	// first.
	ListWorkflowCheckpoints(ctx context.Context, workflowID string) ([]*Checkpoint, error)
}

// cloneCheckpoint deep-copies a checkpoint so store internals are never
// aliased by callers.
func cloneCheckpoint(cp *Checkpoint) *Checkpoint {
	out := *cp
	if cp.StateSnapshot != nil {
		out.StateSnapshot = cp.StateSnapshot.Clone()
	}
	if cp.DiscrepancyDetails != nil {
		evidence := *cp.DiscrepancyDetails
		out.DiscrepancyDetails = &evidence
	}
	return &out
}

// cloneQueueEntry copies a review queue entry.
func cloneQueueEntry(entry *ReviewQueueEntry) *ReviewQueueEntry {
	out := *entry
	return &out
}

// applyReview writes the review fields onto a checkpoint. Callers are
// responsible for the OPEN check and for persisting the result atomically.
func applyReview(cp *Checkpoint, update ReviewUpdate) {
	cp.Status = CheckpointReviewed
	cp.Decision = update.Decision
	cp.ReviewerID = update.ReviewerID
	cp.ReviewerNotes = update.Notes
	cp.ResumeToken = update.ResumeToken
	cp.DecidedAt = update.DecidedAt
}
