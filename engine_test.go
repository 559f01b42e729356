package invoiceflow

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testAbilities returns a deterministic registry whose match score is looked
// up per invoice id, defaulting to 0.95.
func testAbilities(scores map[string]float64) AbilityRegistry {
	passthrough := func(result map[string]any) AbilityFunc {
		return func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return result, nil
		}
	}
	return AbilityRegistry{
		"validate_schema":  passthrough(map[string]any{"validated": true}),
		"ocr_extract":      passthrough(map[string]any{"invoice_text": "text", "detected_pos": []any{}}),
		"normalize_vendor": passthrough(map[string]any{"normalized_name": "Acme"}),
		"enrich_vendor":    passthrough(map[string]any{"tax_id": "TAX-1", "risk_score": 0.1}),
		"compute_flags":    passthrough(map[string]any{"high_value": false}),
		"fetch_po": passthrough(map[string]any{
			"matched_pos": []any{map[string]any{"po_number": "PO-1000", "amount": 15000.0}},
		}),
		"fetch_grn":     passthrough(map[string]any{"matched_grns": []any{}}),
		"fetch_history": passthrough(map[string]any{"history": []any{}}),
		"compute_match_score": func(ctx context.Context, args map[string]any) (map[string]any, error) {
			invoice, _ := args["invoice"].(map[string]any)
			invoiceID, _ := invoice["invoice_id"].(string)
			score, ok := scores[invoiceID]
			if !ok {
				score = 0.95
			}
			return map[string]any{"match_score": score}, nil
		},
		"build_accounting_entries": passthrough(map[string]any{
			"accounting_entries": []any{
				map[string]any{"account": "expenses:cogs", "debit": 15000.0},
				map[string]any{"account": "liabilities:accounts_payable", "credit": 15000.0},
			},
		}),
		"apply_approval_policy": passthrough(map[string]any{"approval_status": "APPROVED", "approver_id": "system"}),
		"post_to_erp":           passthrough(map[string]any{"posted": true, "erp_txn_id": "TXN-1"}),
		"schedule_payment":      passthrough(map[string]any{"scheduled_payment_id": "PAY-1"}),
		"notify_vendor":         passthrough(map[string]any{"sent": true}),
		"notify_finance_team":   passthrough(map[string]any{"sent": true}),
	}
}

func testPayload(invoiceID string) *InvoicePayload {
	return &InvoicePayload{
		InvoiceID:   invoiceID,
		VendorName:  "Acme Corp",
		Amount:      15000,
		Currency:    "USD",
		POReference: "PO-1000",
	}
}

func newTestEngine(t *testing.T, scores map[string]float64) (*Engine, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	engine, err := NewEngine(EngineOptions{
		States:      store,
		Checkpoints: store,
		Invoker:     testAbilities(scores),
	})
	require.NoError(t, err)
	return engine, store
}

// recordingStateStore wraps a StateStore and records the stage and status at
// every persisted snapshot.
type recordingStateStore struct {
	StateStore
	mu     sync.Mutex
	stages []Stage
}

func (r *recordingStateStore) PutState(ctx context.Context, state *WorkflowState) error {
	r.mu.Lock()
	r.stages = append(r.stages, state.CurrentStage)
	r.mu.Unlock()
	return r.StateStore.PutState(ctx, state)
}

func TestExecuteStraightThrough(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	recorder := &recordingStateStore{StateStore: store}
	engine, err := NewEngine(EngineOptions{
		States:      recorder,
		Checkpoints: store,
		Invoker:     testAbilities(nil),
	})
	require.NoError(t, err)

	result, err := engine.Execute(ctx, testPayload("INV-1"))
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, result.Status)
	require.NotEmpty(t, result.WorkflowID)
	require.Equal(t, "INV-1", result.Output["invoice_id"])

	state, err := engine.GetWorkflowStatus(ctx, result.WorkflowID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, state.Status)
	require.Equal(t, MatchResultMatched, state.MatchResult)

	wantStages := []Stage{
		StageIntake, StageUnderstand, StagePrepare, StageRetrieve,
		StageMatchTwoWay, StageReconcile, StageApprove, StagePosting,
		StageNotify, StageComplete,
	}
	require.Equal(t, wantStages, state.StageSequence())
	require.Equal(t, StageComplete, state.CurrentStage)

	// The state was persisted once per stage entered, in order.
	require.Equal(t, wantStages, recorder.stages)

	// No review activity for a straight-through run.
	checkpoints, err := engine.ListWorkflowCheckpoints(ctx, result.WorkflowID)
	require.NoError(t, err)
	require.Empty(t, checkpoints)
	pending, err := engine.ListPendingReviews(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestExecutePausesBelowThreshold(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t, map[string]float64{"INV-2": 0.6})

	result, err := engine.Execute(ctx, testPayload("INV-2"))
	require.NoError(t, err)
	require.Equal(t, StatusAwaitingHuman, result.Status)
	require.NotEmpty(t, result.CheckpointID)

	state, err := engine.GetWorkflowStatus(ctx, result.WorkflowID)
	require.NoError(t, err)
	require.Equal(t, StatusAwaitingHuman, state.Status)
	require.Equal(t, StageCheckpointHITL, state.CurrentStage)
	require.Equal(t, MatchResultFailed, state.MatchResult)
	require.Equal(t, result.CheckpointID, state.CheckpointID)

	last := state.StageOutputs[len(state.StageOutputs)-1]
	require.Equal(t, StageCheckpointHITL, last.Stage)
	require.Equal(t, result.CheckpointID, last.Result["checkpoint_id"])
	require.Equal(t, ReviewURL(result.CheckpointID), last.Result["review_url"])

	cp, err := engine.ListWorkflowCheckpoints(ctx, result.WorkflowID)
	require.NoError(t, err)
	require.Len(t, cp, 1)
	require.Equal(t, CheckpointOpen, cp[0].Status)
	require.Equal(t, "INV-2", cp[0].InvoiceID)
	require.Equal(t, "Acme Corp", cp[0].VendorName)
	require.InDelta(t, 0.6, cp[0].MatchScore, 0.001)
	require.NotNil(t, cp[0].StateSnapshot)
	require.Equal(t, StageCheckpointHITL, cp[0].StateSnapshot.CurrentStage)

	pending, err := engine.ListPendingReviews(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, result.CheckpointID, pending[0].CheckpointID)
	require.Equal(t, PriorityMedium, pending[0].Priority)
}

func TestResumeAccept(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t, map[string]float64{"INV-3": 0.5})

	paused, err := engine.Execute(ctx, testPayload("INV-3"))
	require.NoError(t, err)
	require.Equal(t, StatusAwaitingHuman, paused.Status)

	result, err := engine.Resume(ctx, paused.CheckpointID, DecisionAccept, "alice", "verified against PO")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, result.Status)
	require.Equal(t, paused.WorkflowID, result.WorkflowID)

	state, err := engine.GetWorkflowStatus(ctx, result.WorkflowID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, state.Status)
	require.Equal(t, DecisionAccept, state.HumanDecision)
	require.Equal(t, "alice", state.ReviewerID)

	wantStages := []Stage{
		StageIntake, StageUnderstand, StagePrepare, StageRetrieve,
		StageMatchTwoWay, StageCheckpointHITL, StageHITLDecision,
		StageReconcile, StageApprove, StagePosting, StageNotify, StageComplete,
	}
	require.Equal(t, wantStages, state.StageSequence())

	// The checkpoint is permanently REVIEWED with the review details.
	cp, err := engine.ListWorkflowCheckpoints(ctx, result.WorkflowID)
	require.NoError(t, err)
	require.Len(t, cp, 1)
	require.Equal(t, CheckpointReviewed, cp[0].Status)
	require.Equal(t, DecisionAccept, cp[0].Decision)
	require.Equal(t, "alice", cp[0].ReviewerID)
	require.Equal(t, "verified against PO", cp[0].ReviewerNotes)
	require.NotEmpty(t, cp[0].ResumeToken)
	require.False(t, cp[0].DecidedAt.IsZero())

	pending, err := engine.ListPendingReviews(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestResumeIsExactlyOnce(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t, map[string]float64{"INV-4": 0.5})

	paused, err := engine.Execute(ctx, testPayload("INV-4"))
	require.NoError(t, err)

	_, err = engine.Resume(ctx, paused.CheckpointID, DecisionAccept, "alice", "")
	require.NoError(t, err)

	_, err = engine.Resume(ctx, paused.CheckpointID, DecisionAccept, "bob", "")
	require.Error(t, err)
	require.True(t, IsCheckpointState(err))

	// The second attempt changed nothing.
	state, err := engine.GetWorkflowStatus(ctx, paused.WorkflowID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, state.Status)
	require.Equal(t, "alice", state.ReviewerID)
}

func TestResumeReject(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t, map[string]float64{"INV-5": 0.5})

	paused, err := engine.Execute(ctx, testPayload("INV-5"))
	require.NoError(t, err)

	result, err := engine.Resume(ctx, paused.CheckpointID, DecisionReject, "alice", "duplicate invoice")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, result.Status)
	require.Equal(t, StageHITLDecision, result.FailedStage)

	state, err := engine.GetWorkflowStatus(ctx, paused.WorkflowID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, state.Status)
	require.Equal(t, StageHITLDecision, state.CurrentStage)
	require.NotEmpty(t, state.Errors)

	// Nothing ran past the decision stage.
	sequence := state.StageSequence()
	require.Equal(t, StageHITLDecision, sequence[len(sequence)-1])
	require.NotContains(t, sequence, StageReconcile)
}

func TestResumeEscalate(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t, map[string]float64{"INV-6": 0.5})

	paused, err := engine.Execute(ctx, testPayload("INV-6"))
	require.NoError(t, err)

	result, err := engine.Resume(ctx, paused.CheckpointID, DecisionEscalate, "alice", "needs senior review")
	require.NoError(t, err)
	require.Equal(t, StatusAwaitingHuman, result.Status)
	require.NotEmpty(t, result.CheckpointID)
	require.NotEqual(t, paused.CheckpointID, result.CheckpointID)

	// The original checkpoint is reviewed; the escalation opened a new one.
	checkpoints, err := engine.ListWorkflowCheckpoints(ctx, paused.WorkflowID)
	require.NoError(t, err)
	require.Len(t, checkpoints, 2)
	byID := map[string]*Checkpoint{}
	for _, cp := range checkpoints {
		byID[cp.CheckpointID] = cp
	}
	require.Equal(t, CheckpointReviewed, byID[paused.CheckpointID].Status)
	require.Equal(t, CheckpointOpen, byID[result.CheckpointID].Status)

	pending, err := engine.ListPendingReviews(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, result.CheckpointID, pending[0].CheckpointID)

	// A second reviewer can still accept the escalated checkpoint.
	final, err := engine.Resume(ctx, result.CheckpointID, DecisionAccept, "carol", "")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, final.Status)
}

func TestResumeValidation(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t, nil)

	t.Run("invalid decision", func(t *testing.T) {
		_, err := engine.Resume(ctx, "chk_missing", Decision("MAYBE"), "alice", "")
		require.Error(t, err)
		var validationErr *ValidationError
		require.ErrorAs(t, err, &validationErr)
	})

	t.Run("unknown checkpoint", func(t *testing.T) {
		_, err := engine.Resume(ctx, "chk_missing", DecisionAccept, "alice", "")
		require.Error(t, err)
		require.True(t, IsNotFound(err))
	})
}

func TestResumeExpiredCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	config := DefaultConfig()
	config.CheckpointTTL = time.Nanosecond
	engine, err := NewEngine(EngineOptions{
		Config:      &config,
		States:      store,
		Checkpoints: store,
		Invoker:     testAbilities(map[string]float64{"INV-7": 0.5}),
	})
	require.NoError(t, err)

	paused, err := engine.Execute(ctx, testPayload("INV-7"))
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	_, err = engine.Resume(ctx, paused.CheckpointID, DecisionAccept, "alice", "")
	require.Error(t, err)
	var stateErr *CheckpointStateError
	require.ErrorAs(t, err, &stateErr)
	require.Equal(t, CheckpointExpired, stateErr.Status)
}

func TestReviewQueuePriorityOrdering(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t, map[string]float64{
		"INV-LOW":  0.85,
		"INV-MED":  0.6,
		"INV-HIGH": 0.3,
	})

	for _, invoiceID := range []string{"INV-LOW", "INV-MED", "INV-HIGH"} {
		result, err := engine.Execute(ctx, testPayload(invoiceID))
		require.NoError(t, err)
		require.Equal(t, StatusAwaitingHuman, result.Status)
	}

	pending, err := engine.ListPendingReviews(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	require.Equal(t, "INV-HIGH", pending[0].InvoiceID)
	require.Equal(t, PriorityHigh, pending[0].Priority)
	require.Equal(t, "INV-MED", pending[1].InvoiceID)
	require.Equal(t, PriorityMedium, pending[1].Priority)
	require.Equal(t, "INV-LOW", pending[2].InvoiceID)
	require.Equal(t, PriorityLow, pending[2].Priority)
}

func TestExecuteValidation(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t, nil)

	cases := []struct {
		name    string
		payload *InvoicePayload
	}{
		{"nil payload", nil},
		{"missing invoice id", &InvoicePayload{VendorName: "Acme", Amount: 100}},
		{"missing vendor", &InvoicePayload{InvoiceID: "INV-1", Amount: 100}},
		{"non-positive amount", &InvoicePayload{InvoiceID: "INV-1", VendorName: "Acme", Amount: 0}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := engine.Execute(ctx, tc.payload)
			require.Error(t, err)
			require.Nil(t, result)
			var validationErr *ValidationError
			require.ErrorAs(t, err, &validationErr)
		})
	}
}

func TestStageFailureFailsWorkflow(t *testing.T) {
	ctx := context.Background()
	abilities := testAbilities(nil)
	abilities["fetch_po"] = func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return nil, NewAbilityError("fetch_po", "erp connection refused", false)
	}
	store := NewMemoryStore()
	engine, err := NewEngine(EngineOptions{
		States:      store,
		Checkpoints: store,
		Invoker:     abilities,
	})
	require.NoError(t, err)

	result, err := engine.Execute(ctx, testPayload("INV-8"))
	require.NoError(t, err)
	require.Equal(t, StatusFailed, result.Status)
	require.Equal(t, StageRetrieve, result.FailedStage)
	require.Contains(t, result.Message, "erp connection refused")

	state, err := engine.GetWorkflowStatus(ctx, result.WorkflowID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, state.Status)
	require.Equal(t, StageRetrieve, state.CurrentStage)

	// The failed stage still got its audit entry, recording the error.
	last := state.StageOutputs[len(state.StageOutputs)-1]
	require.Equal(t, StageRetrieve, last.Stage)
	require.Contains(t, last.Result["error"], "erp connection refused")
	require.Len(t, state.Errors, 1)
	require.Equal(t, StageRetrieve, state.Errors[0].Stage)
}

func TestConcurrentResumeSingleWinner(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t, map[string]float64{"INV-9": 0.5})

	paused, err := engine.Execute(ctx, testPayload("INV-9"))
	require.NoError(t, err)

	const attempts = 8
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = engine.Resume(ctx, paused.CheckpointID, DecisionAccept,
				fmt.Sprintf("reviewer-%d", i), "")
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, resumeErr := range errs {
		if resumeErr == nil {
			winners++
		} else {
			require.True(t, IsCheckpointState(resumeErr), "unexpected error: %v", resumeErr)
		}
	}
	require.Equal(t, 1, winners)

	// The winner ran the tail of the pipeline exactly once.
	state, err := engine.GetWorkflowStatus(ctx, paused.WorkflowID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, state.Status)
	reconciles := 0
	for _, stage := range state.StageSequence() {
		if stage == StageReconcile {
			reconciles++
		}
	}
	require.Equal(t, 1, reconciles)
}

func TestToolSelectionsAndAbilityCallsRecorded(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t, nil)

	result, err := engine.Execute(ctx, testPayload("INV-10"))
	require.NoError(t, err)

	state, err := engine.GetWorkflowStatus(ctx, result.WorkflowID)
	require.NoError(t, err)
	require.Equal(t, "postgres", state.ToolSelections["INTAKE_db"])
	require.Equal(t, "tesseract", state.ToolSelections["UNDERSTAND_ocr"])
	require.Equal(t, "mock_erp", state.ToolSelections["RETRIEVE_erp_connector"])
	require.Equal(t, "ses", state.ToolSelections["NOTIFY_email"])
	require.NotEmpty(t, state.AbilityCalls)

	abilityNames := map[string]bool{}
	for _, call := range state.AbilityCalls {
		abilityNames[call.Ability] = true
	}
	for _, name := range []string{"validate_schema", "ocr_extract", "compute_match_score", "post_to_erp"} {
		require.True(t, abilityNames[name], "missing ability call %s", name)
	}
}

func TestEngineRequiresInvoker(t *testing.T) {
	_, err := NewEngine(EngineOptions{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "invoker required")
}
