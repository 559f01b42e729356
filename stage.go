package invoiceflow

// Stage is one named step in the fixed pipeline sequence.
type Stage string

const (
	StageIntake         Stage = "INTAKE"
	StageUnderstand     Stage = "UNDERSTAND"
	StagePrepare        Stage = "PREPARE"
	StageRetrieve       Stage = "RETRIEVE"
	StageMatchTwoWay    Stage = "MATCH_TWO_WAY"
	StageCheckpointHITL Stage = "CHECKPOINT_HITL"
	StageHITLDecision   Stage = "HITL_DECISION"
	StageReconcile      Stage = "RECONCILE"
	StageApprove        Stage = "APPROVE"
	StagePosting        Stage = "POSTING"
	StageNotify         Stage = "NOTIFY"
	StageComplete       Stage = "COMPLETE"
)

// Stages returns all stage names in pipeline order, including both sides of
// the match fork.
func Stages() []Stage {
	return []Stage{
		StageIntake,
		StageUnderstand,
		StagePrepare,
		StageRetrieve,
		StageMatchTwoWay,
		StageCheckpointHITL,
		StageHITLDecision,
		StageReconcile,
		StageApprove,
		StagePosting,
		StageNotify,
		StageComplete,
	}
}

// nextStage returns the stage that follows current. The pipeline is a linear
// sequence with one conditional fork at MATCH_TWO_WAY, decided by the match
// result computed on the state. Routing out of HITL_DECISION is handled by
// the engine since REJECT and ESCALATE are terminal or re-queueing outcomes,
// not forward transitions.
func nextStage(current Stage, state *WorkflowState) (Stage, bool) {
	switch current {
	case StageIntake:
		return StageUnderstand, true
	case StageUnderstand:
		return StagePrepare, true
	case StagePrepare:
		return StageRetrieve, true
	case StageRetrieve:
		return StageMatchTwoWay, true
	case StageMatchTwoWay:
		if state.MatchResult == MatchResultMatched {
			return StageReconcile, true
		}
		return StageCheckpointHITL, true
	case StageCheckpointHITL:
		return StageHITLDecision, true
	case StageHITLDecision:
		return StageReconcile, true
	case StageReconcile:
		return StageApprove, true
	case StageApprove:
		return StagePosting, true
	case StagePosting:
		return StageNotify, true
	case StageNotify:
		return StageComplete, true
	}
	return "", false
}
