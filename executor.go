package invoiceflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// StageExecutor runs one stage's logic against the current workflow state:
// it resolves providers, calls the Ability Invoker once per declared ability,
// and merges the results into the state. It never decides branching beyond
// recording the match result that the engine's transition rule reads.
type StageExecutor struct {
	invoker AbilityInvoker
	tools   *ToolConfig
	config  Config
	logger  *slog.Logger
}

// NewStageExecutor creates a stage executor.
func NewStageExecutor(invoker AbilityInvoker, tools *ToolConfig, config Config, logger *slog.Logger) *StageExecutor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &StageExecutor{invoker: invoker, tools: tools, config: config, logger: logger}
}

// RunStage executes the named stage, mutating state with the stage's delta
// and returning the result record for the audit trail. A returned error is a
// fatal stage failure; retryable problems have already been retried inside
// the invoker by the time they surface here.
func (x *StageExecutor) RunStage(ctx context.Context, stage Stage, state *WorkflowState) (map[string]any, error) {
	switch stage {
	case StageIntake:
		return x.runIntake(ctx, state)
	case StageUnderstand:
		return x.runUnderstand(ctx, state)
	case StagePrepare:
		return x.runPrepare(ctx, state)
	case StageRetrieve:
		return x.runRetrieve(ctx, state)
	case StageMatchTwoWay:
		return x.runMatchTwoWay(ctx, state)
	case StageReconcile:
		return x.runReconcile(ctx, state)
	case StageApprove:
		return x.runApprove(ctx, state)
	case StagePosting:
		return x.runPosting(ctx, state)
	case StageNotify:
		return x.runNotify(ctx, state)
	case StageComplete:
		return x.runComplete(ctx, state)
	}
	return nil, fmt.Errorf("unknown stage %q", stage)
}

// selectTool resolves a capability to a provider and records the selection on
// the state for audit.
func (x *StageExecutor) selectTool(stage Stage, state *WorkflowState, capability string) (string, error) {
	selection, err := x.tools.Select(capability, map[string]any{
		"workflow_id": state.WorkflowID,
		"stage":       string(stage),
	})
	if err != nil {
		return "", err
	}
	state.RecordToolSelection(stage, capability, selection.Provider)
	return selection.Provider, nil
}

// invoke calls one ability and records the call on the state for audit.
func (x *StageExecutor) invoke(ctx context.Context, stage Stage, state *WorkflowState, ability, provider string, args map[string]any) (map[string]any, error) {
	result, err := x.invoker.Invoke(ctx, ability, args)
	if err != nil {
		return nil, err
	}
	state.RecordAbilityCall(stage, ability, provider)
	return result, nil
}

func (x *StageExecutor) runIntake(ctx context.Context, state *WorkflowState) (map[string]any, error) {
	storage, err := x.selectTool(StageIntake, state, "db")
	if err != nil {
		return nil, err
	}
	result, err := x.invoke(ctx, StageIntake, state, "validate_schema", storage, map[string]any{
		"invoice_payload": payloadMap(state.Payload),
	})
	if err != nil {
		return nil, err
	}
	if !getBool(result, "validated") {
		return nil, NewAbilityError("validate_schema", "invoice payload failed schema validation", false)
	}

	state.RawID = "raw_" + state.WorkflowID
	state.IngestedAt = time.Now().UTC()
	return map[string]any{
		"raw_id":    state.RawID,
		"ingest_ts": state.IngestedAt.Format(time.RFC3339),
		"validated": true,
		"storage":   storage,
	}, nil
}

func (x *StageExecutor) runUnderstand(ctx context.Context, state *WorkflowState) (map[string]any, error) {
	ocrTool, err := x.selectTool(StageUnderstand, state, "ocr")
	if err != nil {
		return nil, err
	}
	result, err := x.invoke(ctx, StageUnderstand, state, "ocr_extract", ocrTool, map[string]any{
		"attachments": state.Payload.Attachments,
		"ocr_tool":    ocrTool,
	})
	if err != nil {
		return nil, err
	}

	state.InvoiceText = getString(result, "invoice_text")
	state.DetectedPOs = getStringSlice(result, "detected_pos")
	return map[string]any{
		"invoice_text": state.InvoiceText,
		"detected_pos": state.DetectedPOs,
		"ocr_tool":     ocrTool,
	}, nil
}

func (x *StageExecutor) runPrepare(ctx context.Context, state *WorkflowState) (map[string]any, error) {
	normalized, err := x.invoke(ctx, StagePrepare, state, "normalize_vendor", "", map[string]any{
		"vendor_name": state.Payload.VendorName,
	})
	if err != nil {
		return nil, err
	}
	normalizedName := getString(normalized, "normalized_name")
	if normalizedName == "" {
		normalizedName = state.Payload.VendorName
	}

	enrichTool, err := x.selectTool(StagePrepare, state, "enrichment")
	if err != nil {
		return nil, err
	}
	enriched, err := x.invoke(ctx, StagePrepare, state, "enrich_vendor", enrichTool, map[string]any{
		"vendor_name":     normalizedName,
		"vendor_tax_id":   state.Payload.VendorTaxID,
		"enrichment_tool": enrichTool,
	})
	if err != nil {
		return nil, err
	}

	flags, err := x.invoke(ctx, StagePrepare, state, "compute_flags", "", map[string]any{
		"invoice":        payloadMap(state.Payload),
		"vendor_profile": enriched,
	})
	if err != nil {
		return nil, err
	}

	state.VendorProfile = &VendorProfile{
		NormalizedName: normalizedName,
		TaxID:          getString(enriched, "tax_id"),
		RiskScore:      getFloat(enriched, "risk_score"),
		CreditScore:    getFloat(enriched, "credit_score"),
		EnrichmentMeta: getMap(enriched, "enrichment_meta"),
	}
	state.Flags = flags
	return map[string]any{
		"vendor_profile": state.VendorProfile,
		"flags":          flags,
	}, nil
}

func (x *StageExecutor) runRetrieve(ctx context.Context, state *WorkflowState) (map[string]any, error) {
	erpTool, err := x.selectTool(StageRetrieve, state, "erp_connector")
	if err != nil {
		return nil, err
	}

	poReference := state.Payload.POReference
	if len(state.DetectedPOs) > 0 {
		poReference = state.DetectedPOs[0]
	}

	poResult, err := x.invoke(ctx, StageRetrieve, state, "fetch_po", erpTool, map[string]any{
		"po_reference":   poReference,
		"invoice_amount": state.Payload.Amount,
		"erp_tool":       erpTool,
	})
	if err != nil {
		return nil, err
	}
	grnResult, err := x.invoke(ctx, StageRetrieve, state, "fetch_grn", erpTool, map[string]any{
		"po_reference": poReference,
		"erp_tool":     erpTool,
	})
	if err != nil {
		return nil, err
	}
	vendorName := state.Payload.VendorName
	if state.VendorProfile != nil {
		vendorName = state.VendorProfile.NormalizedName
	}
	historyResult, err := x.invoke(ctx, StageRetrieve, state, "fetch_history", erpTool, map[string]any{
		"vendor_name": vendorName,
		"erp_tool":    erpTool,
	})
	if err != nil {
		return nil, err
	}

	state.MatchedPOs = getMapSlice(poResult, "matched_pos")
	state.MatchedGRNs = getMapSlice(grnResult, "matched_grns")
	state.History = getMapSlice(historyResult, "history")
	return map[string]any{
		"matched_pos":  len(state.MatchedPOs),
		"matched_grns": len(state.MatchedGRNs),
		"history":      len(state.History),
		"erp_tool":     erpTool,
	}, nil
}

func (x *StageExecutor) runMatchTwoWay(ctx context.Context, state *WorkflowState) (map[string]any, error) {
	var po map[string]any
	if len(state.MatchedPOs) > 0 {
		po = state.MatchedPOs[0]
	}
	result, err := x.invoke(ctx, StageMatchTwoWay, state, "compute_match_score", "", map[string]any{
		"invoice":         payloadMap(state.Payload),
		"po":              po,
		"match_threshold": x.config.MatchThreshold,
		"tolerance_pct":   x.config.TolerancePct,
	})
	if err != nil {
		return nil, err
	}

	state.MatchScore = getFloat(result, "match_score")
	if state.MatchScore >= x.config.MatchThreshold {
		state.MatchResult = MatchResultMatched
	} else {
		state.MatchResult = MatchResultFailed
	}

	evidence := &MatchEvidence{InvoiceAmount: state.Payload.Amount}
	if raw := getMap(result, "match_evidence"); raw != nil {
		if err := decodeInto(raw, evidence); err != nil {
			return nil, fmt.Errorf("bad match evidence from ability: %w", err)
		}
	} else if po != nil {
		evidence.PONumber = getString(po, "po_number")
		evidence.POAmount = getFloat(po, "amount")
		evidence.Discrepancy = state.Payload.Amount - evidence.POAmount
	}
	state.MatchEvidence = evidence

	x.logger.Info("two-way match computed",
		"workflow_id", state.WorkflowID,
		"match_score", state.MatchScore,
		"match_result", state.MatchResult)

	return map[string]any{
		"match_score":  state.MatchScore,
		"match_result": string(state.MatchResult),
		"evidence":     evidence,
	}, nil
}

func (x *StageExecutor) runReconcile(ctx context.Context, state *WorkflowState) (map[string]any, error) {
	result, err := x.invoke(ctx, StageReconcile, state, "build_accounting_entries", "", map[string]any{
		"invoice":        payloadMap(state.Payload),
		"vendor_profile": state.VendorProfile,
	})
	if err != nil {
		return nil, err
	}

	var entries []AccountingEntry
	if raw, ok := result["accounting_entries"]; ok {
		if err := decodeInto(raw, &entries); err != nil {
			return nil, fmt.Errorf("bad accounting entries from ability: %w", err)
		}
	}
	state.AccountingEntries = entries
	return map[string]any{
		"accounting_entries": entries,
	}, nil
}

func (x *StageExecutor) runApprove(ctx context.Context, state *WorkflowState) (map[string]any, error) {
	result, err := x.invoke(ctx, StageApprove, state, "apply_approval_policy", "", map[string]any{
		"invoice_id":             state.Payload.InvoiceID,
		"amount":                 state.Payload.Amount,
		"auto_approve_threshold": x.config.ApprovalAmountThreshold,
	})
	if err != nil {
		return nil, err
	}

	state.ApprovalStatus = getString(result, "approval_status")
	state.ApproverID = getString(result, "approver_id")
	return map[string]any{
		"approval_status": state.ApprovalStatus,
		"approver_id":     state.ApproverID,
	}, nil
}

func (x *StageExecutor) runPosting(ctx context.Context, state *WorkflowState) (map[string]any, error) {
	erpTool, err := x.selectTool(StagePosting, state, "erp_connector")
	if err != nil {
		return nil, err
	}
	postResult, err := x.invoke(ctx, StagePosting, state, "post_to_erp", erpTool, map[string]any{
		"invoice_id":         state.Payload.InvoiceID,
		"accounting_entries": state.AccountingEntries,
		"erp_tool":           erpTool,
	})
	if err != nil {
		return nil, err
	}
	paymentResult, err := x.invoke(ctx, StagePosting, state, "schedule_payment", erpTool, map[string]any{
		"invoice_id": state.Payload.InvoiceID,
		"amount":     state.Payload.Amount,
		"due_date":   state.Payload.DueDate,
	})
	if err != nil {
		return nil, err
	}

	state.Posted = getBool(postResult, "posted")
	state.ERPTransactionID = getString(postResult, "erp_txn_id")
	state.ScheduledPaymentID = getString(paymentResult, "scheduled_payment_id")
	return map[string]any{
		"posted":               state.Posted,
		"erp_txn_id":           state.ERPTransactionID,
		"scheduled_payment_id": state.ScheduledPaymentID,
	}, nil
}

func (x *StageExecutor) runNotify(ctx context.Context, state *WorkflowState) (map[string]any, error) {
	emailTool, err := x.selectTool(StageNotify, state, "email")
	if err != nil {
		return nil, err
	}
	vendorName := state.Payload.VendorName
	if state.VendorProfile != nil {
		vendorName = state.VendorProfile.NormalizedName
	}
	if _, err := x.invoke(ctx, StageNotify, state, "notify_vendor", emailTool, map[string]any{
		"vendor_name":       vendorName,
		"invoice_id":        state.Payload.InvoiceID,
		"notification_tool": emailTool,
	}); err != nil {
		return nil, err
	}
	if _, err := x.invoke(ctx, StageNotify, state, "notify_finance_team", emailTool, map[string]any{
		"invoice_id":        state.Payload.InvoiceID,
		"status":            string(state.Status),
		"notification_tool": emailTool,
	}); err != nil {
		return nil, err
	}

	state.NotifiedParties = []string{"vendor", "finance_team"}
	return map[string]any{
		"notified_parties": state.NotifiedParties,
		"email_tool":       emailTool,
	}, nil
}

func (x *StageExecutor) runComplete(ctx context.Context, state *WorkflowState) (map[string]any, error) {
	vendorName := state.Payload.VendorName
	if state.VendorProfile != nil {
		vendorName = state.VendorProfile.NormalizedName
	}
	return map[string]any{
		"workflow_id":  state.WorkflowID,
		"invoice_id":   state.Payload.InvoiceID,
		"vendor":       vendorName,
		"amount":       state.Payload.Amount,
		"match_score":  state.MatchScore,
		"posted":       state.Posted,
		"erp_txn_id":   state.ERPTransactionID,
		"completed_at": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// payloadMap converts the payload to a generic record for ability arguments.
func payloadMap(payload *InvoicePayload) map[string]any {
	var out map[string]any
	if err := decodeInto(payload, &out); err != nil {
		return map[string]any{}
	}
	return out
}

// decodeInto converts between JSON-shaped values via a marshal round trip.
func decodeInto(from, to any) error {
	data, err := json.Marshal(from)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, to)
}

func getString(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func getBool(m map[string]any, key string) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return false
}

func getFloat(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}

func getMap(m map[string]any, key string) map[string]any {
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return nil
}

func getStringSlice(m map[string]any, key string) []string {
	switch v := m[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func getMapSlice(m map[string]any, key string) []map[string]any {
	switch v := m[key].(type) {
	case []map[string]any:
		return v
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, item := range v {
			if record, ok := item.(map[string]any); ok {
				out = append(out, record)
			}
		}
		return out
	}
	return nil
}
