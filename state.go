package invoiceflow

import (
	"encoding/json"
	"fmt"
	"time"
)

// WorkflowStatus represents the lifecycle status of one pipeline run.
type WorkflowStatus string

const (
	StatusRunning       WorkflowStatus = "RUNNING"
	StatusAwaitingHuman WorkflowStatus = "AWAITING_HUMAN"
	StatusCompleted     WorkflowStatus = "COMPLETED"
	StatusFailed        WorkflowStatus = "FAILED"
)

// Terminal reports whether no further stages may run.
func (s WorkflowStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// MatchResult is the outcome of the two-way match stage.
type MatchResult string

const (
	MatchResultPending MatchResult = "PENDING"
	MatchResultMatched MatchResult = "MATCHED"
	MatchResultFailed  MatchResult = "FAILED"
)

// StageOutput is one entry in the append-only audit trail. Every stage
// execution appends exactly one entry; entries are never overwritten.
type StageOutput struct {
	Stage     Stage          `json:"stage"`
	Result    map[string]any `json:"result"`
	Timestamp time.Time      `json:"timestamp"`
}

// StageError records a stage failure. The list is append-only.
type StageError struct {
	Stage     Stage     `json:"stage"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// AbilityCall records one external ability invocation for audit.
type AbilityCall struct {
	Stage     Stage     `json:"stage"`
	Ability   string    `json:"ability"`
	Provider  string    `json:"provider,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// WorkflowState is the single source of truth for one pipeline run. It is
// fully JSON serializable and is mutated only by the engine, never
// concurrently for the same workflow id.
type WorkflowState struct {
	WorkflowID   string         `json:"workflow_id"`
	WorkflowName string         `json:"workflow_name"`
	Status       WorkflowStatus `json:"status"`
	CurrentStage Stage          `json:"current_stage"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`

	// Original input, immutable after INTAKE.
	Payload *InvoicePayload `json:"payload"`

	// INTAKE
	RawID      string    `json:"raw_id,omitempty"`
	IngestedAt time.Time `json:"ingested_at,omitzero"`

	// UNDERSTAND
	InvoiceText string   `json:"invoice_text,omitempty"`
	DetectedPOs []string `json:"detected_pos,omitempty"`

	// PREPARE
	VendorProfile *VendorProfile `json:"vendor_profile,omitempty"`
	Flags         map[string]any `json:"flags,omitempty"`

	// RETRIEVE
	MatchedPOs  []map[string]any `json:"matched_pos,omitempty"`
	MatchedGRNs []map[string]any `json:"matched_grns,omitempty"`
	History     []map[string]any `json:"history,omitempty"`

	// MATCH_TWO_WAY
	MatchScore    float64        `json:"match_score"`
	MatchResult   MatchResult    `json:"match_result"`
	MatchEvidence *MatchEvidence `json:"match_evidence,omitempty"`

	// CHECKPOINT_HITL
	CheckpointID string `json:"checkpoint_id,omitempty"`
	PausedReason string `json:"paused_reason,omitempty"`

	// HITL_DECISION
	HumanDecision Decision `json:"human_decision,omitempty"`
	ReviewerID    string   `json:"reviewer_id,omitempty"`
	ReviewerNotes string   `json:"reviewer_notes,omitempty"`

	// RECONCILE
	AccountingEntries []AccountingEntry `json:"accounting_entries,omitempty"`

	// APPROVE
	ApprovalStatus string `json:"approval_status,omitempty"`
	ApproverID     string `json:"approver_id,omitempty"`

	// POSTING
	Posted             bool   `json:"posted,omitempty"`
	ERPTransactionID   string `json:"erp_txn_id,omitempty"`
	ScheduledPaymentID string `json:"scheduled_payment_id,omitempty"`

	// NOTIFY
	NotifiedParties []string `json:"notified_parties,omitempty"`

	// Audit trail. StageOutputs length equals the number of stages entered;
	// CurrentStage always equals the stage of the last entry.
	StageOutputs []StageOutput `json:"stage_outputs"`
	Errors       []StageError  `json:"errors,omitempty"`

	// Provider selections and ability invocations, keyed "<STAGE>_<capability>".
	ToolSelections map[string]string `json:"tool_selections,omitempty"`
	AbilityCalls   []AbilityCall     `json:"ability_calls,omitempty"`
}

// NewWorkflowState creates the state for a fresh run with a generated
// workflow id.
func NewWorkflowState(workflowName string, payload *InvoicePayload) *WorkflowState {
	now := time.Now().UTC()
	return &WorkflowState{
		WorkflowID:     NewWorkflowID(),
		WorkflowName:   workflowName,
		Status:         StatusRunning,
		MatchResult:    MatchResultPending,
		CreatedAt:      now,
		UpdatedAt:      now,
		Payload:        payload,
		ToolSelections: map[string]string{},
	}
}

// AppendStageOutput records one stage execution and advances CurrentStage.
func (s *WorkflowState) AppendStageOutput(stage Stage, result map[string]any) {
	now := time.Now().UTC()
	s.StageOutputs = append(s.StageOutputs, StageOutput{
		Stage:     stage,
		Result:    result,
		Timestamp: now,
	})
	s.CurrentStage = stage
	s.UpdatedAt = now
}

// AddError appends to the error trail without touching the audit trail.
func (s *WorkflowState) AddError(stage Stage, message string) {
	s.Errors = append(s.Errors, StageError{
		Stage:     stage,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
}

// RecordToolSelection notes which provider served a capability at a stage.
func (s *WorkflowState) RecordToolSelection(stage Stage, capability, provider string) {
	if s.ToolSelections == nil {
		s.ToolSelections = map[string]string{}
	}
	s.ToolSelections[string(stage)+"_"+capability] = provider
}

// RecordAbilityCall notes one external ability invocation.
func (s *WorkflowState) RecordAbilityCall(stage Stage, ability, provider string) {
	s.AbilityCalls = append(s.AbilityCalls, AbilityCall{
		Stage:     stage,
		Ability:   ability,
		Provider:  provider,
		Timestamp: time.Now().UTC(),
	})
}

// StageSequence returns the stages recorded in the audit trail, in order.
func (s *WorkflowState) StageSequence() []Stage {
	stages := make([]Stage, 0, len(s.StageOutputs))
	for _, out := range s.StageOutputs {
		stages = append(stages, out.Stage)
	}
	return stages
}

// Clone returns a deep copy via a JSON round trip. Checkpoint snapshots and
// store reads use it so callers can never alias live state. All state fields
// are JSON serializable by construction, so a marshal failure indicates a
// programming error.
func (s *WorkflowState) Clone() *WorkflowState {
	data, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("workflow state not serializable: %v", err))
	}
	var out WorkflowState
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("workflow state not deserializable: %v", err))
	}
	return &out
}
