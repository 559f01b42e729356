package invoiceflow

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Engine drives invoice workflows through the stage pipeline. It persists the
// full state after every stage, pauses runs at the human-review checkpoint,
// and resumes them when a reviewer decides. One Engine instance serializes
// execution per workflow id; cross-process exclusivity comes from the
// checkpoint store's compare-and-swap.
type Engine struct {
	config      Config
	states      StateStore
	checkpoints CheckpointStore
	queue       *ReviewQueueManager
	executor    *StageExecutor
	logger      *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// EngineOptions configures an Engine. Invoker is required; everything else
// has a working default (shared in-memory store, default tool pools, default
// config, discarded logs).
type EngineOptions struct {
	Config      *Config
	States      StateStore
	Checkpoints CheckpointStore
	Invoker     AbilityInvoker
	Tools       *ToolConfig
	Logger      *slog.Logger
}

// NewEngine creates an engine from options.
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Invoker == nil {
		return nil, fmt.Errorf("ability invoker required")
	}
	config := DefaultConfig()
	if opts.Config != nil {
		config = *opts.Config
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if opts.States == nil || opts.Checkpoints == nil {
		memory := NewMemoryStore()
		if opts.States == nil {
			opts.States = memory
		}
		if opts.Checkpoints == nil {
			opts.Checkpoints = memory
		}
	}
	tools := opts.Tools
	if tools == nil {
		tools = DefaultToolConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{
		config:      config,
		states:      opts.States,
		checkpoints: opts.Checkpoints,
		queue:       NewReviewQueueManager(opts.Checkpoints, logger),
		executor:    NewStageExecutor(opts.Invoker, tools, config, logger),
		logger:      logger,
		locks:       map[string]*sync.Mutex{},
	}, nil
}

// ExecuteResult summarizes where a run ended up after Execute or Resume
// returned: terminal, failed at a stage, or paused on a checkpoint.
type ExecuteResult struct {
	WorkflowID   string         `json:"workflow_id"`
	Status       WorkflowStatus `json:"status"`
	CheckpointID string         `json:"checkpoint_id,omitempty"`
	FailedStage  Stage          `json:"failed_stage,omitempty"`
	Message      string         `json:"message,omitempty"`
	Output       map[string]any `json:"output,omitempty"`
}

// Execute runs a new workflow for the given invoice payload. It returns when
// the run completes, fails, or pauses for human review. Stage failures are
// reported in the result, not as an error; a non-nil error means the run
// could not proceed for infrastructure or validation reasons.
func (e *Engine) Execute(ctx context.Context, payload *InvoicePayload) (*ExecuteResult, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	state := NewWorkflowState(e.config.WorkflowName, payload)
	unlock := e.lockWorkflow(state.WorkflowID)
	defer unlock()

	e.logger.Info("workflow started",
		"workflow_id", state.WorkflowID,
		"invoice_id", payload.InvoiceID,
		"vendor", payload.VendorName,
		"amount", payload.Amount)

	return e.run(ctx, state, StageIntake)
}

// Resume continues a paused workflow after a reviewer decides. The
// OPEN-to-REVIEWED transition is a storage-level compare-and-swap, so of any
// number of concurrent Resume calls for the same checkpoint exactly one
// proceeds; the rest get a CheckpointStateError.
func (e *Engine) Resume(ctx context.Context, checkpointID string, decision Decision, reviewerID, notes string) (*ExecuteResult, error) {
	if !decision.Valid() {
		return nil, &ValidationError{Field: "decision", Message: fmt.Sprintf("unknown decision %q", decision)}
	}

	cp, err := e.checkpoints.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, err
	}

	unlock := e.lockWorkflow(cp.WorkflowID)
	defer unlock()

	if !cp.ExpiresAt.IsZero() && time.Now().After(cp.ExpiresAt) {
		return nil, &CheckpointStateError{CheckpointID: checkpointID, Status: CheckpointExpired}
	}

	// The CAS gate: only the call that wins this transition continues.
	reviewed, err := e.checkpoints.ReviewCheckpoint(ctx, checkpointID, ReviewUpdate{
		Decision:    decision,
		ReviewerID:  reviewerID,
		Notes:       notes,
		ResumeToken: NewResumeToken(),
		DecidedAt:   time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	// Resume from the live persisted state, not the checkpoint snapshot, so
	// fields written after the pause survive.
	state, err := e.states.GetState(ctx, reviewed.WorkflowID)
	if err != nil {
		return nil, err
	}
	state.HumanDecision = decision
	state.ReviewerID = reviewerID
	state.ReviewerNotes = notes
	state.Status = StatusRunning

	e.logger.Info("workflow resumed",
		"workflow_id", state.WorkflowID,
		"checkpoint_id", checkpointID,
		"decision", string(decision),
		"reviewer_id", reviewerID)

	return e.run(ctx, state, StageHITLDecision)
}

// run advances the workflow from the given stage until it completes, fails,
// or pauses. The state is persisted after every stage transition.
func (e *Engine) run(ctx context.Context, state *WorkflowState, from Stage) (*ExecuteResult, error) {
	stage := from
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		switch stage {
		case StageCheckpointHITL:
			checkpointID := NewCheckpointID()
			reason := fmt.Sprintf("match score %.2f below threshold %.2f",
				state.MatchScore, e.config.MatchThreshold)
			state.CheckpointID = checkpointID
			state.PausedReason = reason
			state.AppendStageOutput(stage, map[string]any{
				"checkpoint_id": checkpointID,
				"review_url":    ReviewURL(checkpointID),
				"paused_reason": reason,
			})
			return e.pause(ctx, state, checkpointID, reason)

		case StageHITLDecision:
			result := map[string]any{
				"decision":    string(state.HumanDecision),
				"reviewer_id": state.ReviewerID,
			}
			switch state.HumanDecision {
			case DecisionReject:
				state.AppendStageOutput(stage, result)
				state.AddError(stage, "invoice rejected by reviewer")
				state.Status = StatusFailed
				if err := e.states.PutState(ctx, state); err != nil {
					return nil, err
				}
				e.logger.Info("workflow rejected",
					"workflow_id", state.WorkflowID,
					"reviewer_id", state.ReviewerID)
				return &ExecuteResult{
					WorkflowID:  state.WorkflowID,
					Status:      StatusFailed,
					FailedStage: stage,
					Message:     "invoice rejected by reviewer",
				}, nil

			case DecisionEscalate:
				checkpointID := NewCheckpointID()
				reason := "escalated by reviewer " + state.ReviewerID
				result["escalated_to"] = checkpointID
				state.CheckpointID = checkpointID
				state.PausedReason = reason
				state.AppendStageOutput(stage, result)
				return e.pause(ctx, state, checkpointID, reason)

			default: // ACCEPT
				state.AppendStageOutput(stage, result)
				if err := e.states.PutState(ctx, state); err != nil {
					return nil, err
				}
			}

		case StageComplete:
			output, err := e.executor.RunStage(ctx, stage, state)
			if err != nil {
				return e.failWorkflow(ctx, state, stage, err)
			}
			state.AppendStageOutput(stage, output)
			state.Status = StatusCompleted
			if err := e.states.PutState(ctx, state); err != nil {
				return nil, err
			}
			e.logger.Info("workflow completed",
				"workflow_id", state.WorkflowID,
				"invoice_id", state.Payload.InvoiceID,
				"match_score", state.MatchScore)
			return &ExecuteResult{
				WorkflowID: state.WorkflowID,
				Status:     StatusCompleted,
				Output:     output,
			}, nil

		default:
			output, err := e.executor.RunStage(ctx, stage, state)
			if err != nil {
				return e.failWorkflow(ctx, state, stage, err)
			}
			state.AppendStageOutput(stage, output)
			if err := e.states.PutState(ctx, state); err != nil {
				return nil, err
			}
			e.logger.Debug("stage completed",
				"workflow_id", state.WorkflowID,
				"stage", string(stage))
		}

		next, ok := nextStage(stage, state)
		if !ok {
			return nil, fmt.Errorf("no transition from stage %q", stage)
		}
		stage = next
	}
}

// pause marks the run AWAITING_HUMAN, persists the state, then creates the
// checkpoint and its queue entry atomically. State is persisted first so the
// checkpoint snapshot and the live record agree.
func (e *Engine) pause(ctx context.Context, state *WorkflowState, checkpointID, reason string) (*ExecuteResult, error) {
	state.Status = StatusAwaitingHuman
	if err := e.states.PutState(ctx, state); err != nil {
		return nil, err
	}

	cp := NewCheckpoint(checkpointID, state, reason, e.config.CheckpointTTL)
	if _, err := e.queue.Enqueue(ctx, cp); err != nil {
		return nil, err
	}

	e.logger.Info("workflow paused for review",
		"workflow_id", state.WorkflowID,
		"checkpoint_id", checkpointID,
		"reason", reason)
	return &ExecuteResult{
		WorkflowID:   state.WorkflowID,
		Status:       StatusAwaitingHuman,
		CheckpointID: checkpointID,
		Message:      reason,
	}, nil
}

// failWorkflow records a fatal stage failure. The stage still gets its
// audit-trail entry so the trail accounts for every stage entered.
func (e *Engine) failWorkflow(ctx context.Context, state *WorkflowState, stage Stage, cause error) (*ExecuteResult, error) {
	state.AppendStageOutput(stage, map[string]any{"error": cause.Error()})
	state.AddError(stage, cause.Error())
	state.Status = StatusFailed
	if err := e.states.PutState(ctx, state); err != nil {
		return nil, err
	}
	e.logger.Error("workflow failed",
		"workflow_id", state.WorkflowID,
		"stage", string(stage),
		"error", cause)
	return &ExecuteResult{
		WorkflowID:  state.WorkflowID,
		Status:      StatusFailed,
		FailedStage: stage,
		Message:     cause.Error(),
	}, nil
}

// GetWorkflowStatus returns the persisted state for a workflow.
func (e *Engine) GetWorkflowStatus(ctx context.Context, workflowID string) (*WorkflowState, error) {
	return e.states.GetState(ctx, workflowID)
}

// ListPendingReviews returns checkpoints awaiting a decision, highest
// priority first.
func (e *Engine) ListPendingReviews(ctx context.Context) ([]*ReviewQueueEntry, error) {
	return e.queue.ListPending(ctx)
}

// ListWorkflowCheckpoints returns all checkpoints ever created for a
// workflow, newest first.
func (e *Engine) ListWorkflowCheckpoints(ctx context.Context, workflowID string) ([]*Checkpoint, error) {
	return e.checkpoints.ListWorkflowCheckpoints(ctx, workflowID)
}

// lockWorkflow acquires the per-workflow mutex that makes this engine a
// single writer for a given run.
func (e *Engine) lockWorkflow(workflowID string) func() {
	e.mu.Lock()
	lock, ok := e.locks[workflowID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[workflowID] = lock
	}
	e.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
