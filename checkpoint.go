package invoiceflow

import "time"

// CheckpointStatus is the lifecycle status of a checkpoint.
type CheckpointStatus string

const (
	CheckpointOpen     CheckpointStatus = "OPEN"
	CheckpointReviewed CheckpointStatus = "REVIEWED"
	CheckpointExpired  CheckpointStatus = "EXPIRED"
)

// Decision is the human review outcome recorded on a checkpoint.
type Decision string

const (
	DecisionAccept   Decision = "ACCEPT"
	DecisionReject   Decision = "REJECT"
	DecisionEscalate Decision = "ESCALATE"
)

// Valid reports whether d is one of the recognized decisions.
func (d Decision) Valid() bool {
	switch d {
	case DecisionAccept, DecisionReject, DecisionEscalate:
		return true
	}
	return false
}

// Checkpoint is a durable pause marker. It carries a full, independently
// inspectable snapshot of the workflow state at pause time plus denormalized
// context for the reviewer. A checkpoint transitions OPEN to REVIEWED exactly
// once and is retained permanently for audit.
type Checkpoint struct {
	CheckpointID string `json:"checkpoint_id"`
	WorkflowID   string `json:"workflow_id"`
	WorkflowName string `json:"workflow_name"`

	// Stage where the checkpoint was created; resume continues from here.
	Stage         Stage          `json:"stage"`
	StateSnapshot *WorkflowState `json:"state_snapshot"`

	Status        CheckpointStatus `json:"status"`
	ReasonForHold string           `json:"reason_for_hold"`

	// Denormalized context for the reviewer.
	InvoiceID          string         `json:"invoice_id"`
	VendorName         string         `json:"vendor_name"`
	Amount             float64        `json:"amount"`
	Currency           string         `json:"currency"`
	MatchScore         float64        `json:"match_score"`
	DiscrepancyDetails *MatchEvidence `json:"discrepancy_details,omitempty"`
	ReviewURL          string         `json:"review_url"`

	// Review outcome, absent until reviewed.
	Decision      Decision `json:"decision,omitempty"`
	ReviewerID    string   `json:"reviewer_id,omitempty"`
	ReviewerNotes string   `json:"reviewer_notes,omitempty"`

	// One-time credential generated at review time, consumed by resume.
	ResumeToken string `json:"resume_token,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	DecidedAt time.Time `json:"decided_at,omitzero"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// NewCheckpoint builds an OPEN checkpoint from the current workflow state.
// The snapshot is a deep copy; the live state may keep moving once resumed
// without affecting what the reviewer inspects.
func NewCheckpoint(id string, state *WorkflowState, reason string, ttl time.Duration) *Checkpoint {
	now := time.Now().UTC()
	cp := &Checkpoint{
		CheckpointID:  id,
		WorkflowID:    state.WorkflowID,
		WorkflowName:  state.WorkflowName,
		Stage:         state.CurrentStage,
		StateSnapshot: state.Clone(),
		Status:        CheckpointOpen,
		ReasonForHold: reason,
		InvoiceID:     state.Payload.InvoiceID,
		VendorName:    state.Payload.VendorName,
		Amount:        state.Payload.Amount,
		Currency:      state.Payload.currencyOrDefault(),
		MatchScore:    state.MatchScore,
		ReviewURL:     ReviewURL(id),
		CreatedAt:     now,
	}
	if state.MatchEvidence != nil {
		evidence := *state.MatchEvidence
		cp.DiscrepancyDetails = &evidence
	}
	if ttl > 0 {
		cp.ExpiresAt = now.Add(ttl)
	}
	return cp
}

// ReviewURL returns the reviewer-facing path for a checkpoint.
func ReviewURL(checkpointID string) string {
	return "/human-review/review/" + checkpointID
}

// ReviewUpdate carries the fields applied atomically when a checkpoint
// transitions OPEN to REVIEWED.
type ReviewUpdate struct {
	Decision    Decision
	ReviewerID  string
	Notes       string
	ResumeToken string
	DecidedAt   time.Time
}

// ReviewPriority orders pending reviews. Higher values are reviewed first.
type ReviewPriority int

const (
	PriorityLow    ReviewPriority = 1
	PriorityMedium ReviewPriority = 2
	PriorityHigh   ReviewPriority = 3
)

func (p ReviewPriority) String() string {
	switch p {
	case PriorityHigh:
		return "HIGH"
	case PriorityMedium:
		return "MEDIUM"
	}
	return "LOW"
}

// PriorityForScore derives review priority from the match score. A lower
// score means a worse mismatch and a higher priority.
func PriorityForScore(score float64) ReviewPriority {
	switch {
	case score < 0.5:
		return PriorityHigh
	case score < 0.8:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// ReviewQueueStatus is the lifecycle status of a queue entry.
type ReviewQueueStatus string

const (
	ReviewAwaiting ReviewQueueStatus = "AWAITING_REVIEW"
	ReviewResolved ReviewQueueStatus = "RESOLVED"
)

// ReviewQueueEntry is a lightweight index record for a checkpoint awaiting
// human review. Exactly one entry exists per OPEN checkpoint and it is
// resolved atomically with the checkpoint's REVIEWED transition.
type ReviewQueueEntry struct {
	CheckpointID  string            `json:"checkpoint_id"`
	WorkflowID    string            `json:"workflow_id"`
	InvoiceID     string            `json:"invoice_id"`
	VendorName    string            `json:"vendor_name"`
	Amount        float64           `json:"amount"`
	Currency      string            `json:"currency"`
	MatchScore    float64           `json:"match_score"`
	Priority      ReviewPriority    `json:"priority"`
	ReasonForHold string            `json:"reason_for_hold"`
	ReviewURL     string            `json:"review_url"`
	Status        ReviewQueueStatus `json:"status"`
	CreatedAt     time.Time         `json:"created_at"`
}
