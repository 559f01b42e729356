package abilities

import (
	"context"
	"testing"

	"github.com/deepnoodle-ai/invoiceflow"
	"github.com/stretchr/testify/require"
)

func TestSimulatedCoversPipeline(t *testing.T) {
	registry := Simulated()
	for _, ability := range []string{
		"validate_schema", "ocr_extract", "normalize_vendor", "enrich_vendor",
		"compute_flags", "fetch_po", "fetch_grn", "fetch_history",
		"compute_match_score", "build_accounting_entries", "apply_approval_policy",
		"post_to_erp", "schedule_payment", "notify_vendor", "notify_finance_team",
	} {
		require.Contains(t, registry, ability)
	}
}

func TestNormalizeVendor(t *testing.T) {
	result, err := Simulated().Invoke(context.Background(), "normalize_vendor", map[string]any{
		"vendor_name": "  Acme   Corp Inc. ",
	})
	require.NoError(t, err)
	require.Equal(t, "Acme Corp", result["normalized_name"])
}

func TestComputeMatchScore(t *testing.T) {
	registry := Simulated()

	t.Run("exact match scores high", func(t *testing.T) {
		result, err := registry.Invoke(context.Background(), "compute_match_score", map[string]any{
			"invoice":       map[string]any{"amount": 15000.0},
			"po":            map[string]any{"po_number": "PO-1000", "amount": 15000.0},
			"tolerance_pct": 5.0,
		})
		require.NoError(t, err)
		require.Equal(t, 1.0, result["match_score"])
	})

	t.Run("large discrepancy scores low", func(t *testing.T) {
		result, err := registry.Invoke(context.Background(), "compute_match_score", map[string]any{
			"invoice":       map[string]any{"amount": 15000.0},
			"po":            map[string]any{"po_number": "PO-1001", "amount": 10000.0},
			"tolerance_pct": 5.0,
		})
		require.NoError(t, err)
		score := result["match_score"].(float64)
		require.Less(t, score, 0.9)
	})

	t.Run("missing po scores 0.40", func(t *testing.T) {
		result, err := registry.Invoke(context.Background(), "compute_match_score", map[string]any{
			"invoice":       map[string]any{"amount": 15000.0},
			"tolerance_pct": 5.0,
		})
		require.NoError(t, err)
		require.Equal(t, 0.40, result["match_score"])
	})
}

func TestSimulatedPipelinePaths(t *testing.T) {
	newEngine := func(t *testing.T) *invoiceflow.Engine {
		t.Helper()
		engine, err := invoiceflow.NewEngine(invoiceflow.EngineOptions{
			Invoker: Simulated(),
		})
		require.NoError(t, err)
		return engine
	}

	t.Run("matching po completes straight through", func(t *testing.T) {
		result, err := newEngine(t).Execute(context.Background(), &invoiceflow.InvoicePayload{
			InvoiceID:   "INV-100",
			VendorName:  "Acme Corp",
			Amount:      15000,
			POReference: "PO-1000",
		})
		require.NoError(t, err)
		require.Equal(t, invoiceflow.StatusCompleted, result.Status)
	})

	t.Run("mismatched po pauses for review", func(t *testing.T) {
		result, err := newEngine(t).Execute(context.Background(), &invoiceflow.InvoicePayload{
			InvoiceID:   "INV-101",
			VendorName:  "Acme Corp",
			Amount:      15000,
			POReference: "PO-1001",
		})
		require.NoError(t, err)
		require.Equal(t, invoiceflow.StatusAwaitingHuman, result.Status)
		require.NotEmpty(t, result.CheckpointID)
	})
}
