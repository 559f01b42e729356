package invoiceflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAbilityRegistryInvoke(t *testing.T) {
	registry := AbilityRegistry{
		"echo": func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return args, nil
		},
	}

	t.Run("dispatches to registered ability", func(t *testing.T) {
		result, err := registry.Invoke(context.Background(), "echo", map[string]any{"k": "v"})
		require.NoError(t, err)
		require.Equal(t, "v", result["k"])
	})

	t.Run("unknown ability is a non-retryable failure", func(t *testing.T) {
		_, err := registry.Invoke(context.Background(), "missing", nil)
		require.Error(t, err)
		var abilityErr *AbilityError
		require.ErrorAs(t, err, &abilityErr)
		require.False(t, abilityErr.Retryable)
	})
}

func TestRetryInvoker(t *testing.T) {
	t.Run("retries retryable failures until success", func(t *testing.T) {
		calls := 0
		registry := AbilityRegistry{
			"flaky": func(ctx context.Context, args map[string]any) (map[string]any, error) {
				calls++
				if calls < 3 {
					return nil, NewAbilityError("flaky", "transient", true)
				}
				return map[string]any{"ok": true}, nil
			},
		}
		invoker := NewRetryInvoker(registry, RetryInvokerOptions{
			MaxRetries: 5,
			BaseWait:   time.Millisecond,
		})

		result, err := invoker.Invoke(context.Background(), "flaky", nil)
		require.NoError(t, err)
		require.Equal(t, true, result["ok"])
		require.Equal(t, 3, calls)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		calls := 0
		registry := AbilityRegistry{
			"down": func(ctx context.Context, args map[string]any) (map[string]any, error) {
				calls++
				return nil, NewAbilityError("down", "still down", true)
			},
		}
		invoker := NewRetryInvoker(registry, RetryInvokerOptions{
			MaxRetries: 2,
			BaseWait:   time.Millisecond,
		})

		_, err := invoker.Invoke(context.Background(), "down", nil)
		require.Error(t, err)
		require.Equal(t, 3, calls, "initial attempt plus two retries")
	})

	t.Run("does not retry fatal failures", func(t *testing.T) {
		calls := 0
		registry := AbilityRegistry{
			"fatal": func(ctx context.Context, args map[string]any) (map[string]any, error) {
				calls++
				return nil, NewAbilityError("fatal", "bad credentials", false)
			},
		}
		invoker := NewRetryInvoker(registry, RetryInvokerOptions{
			MaxRetries: 5,
			BaseWait:   time.Millisecond,
		})

		_, err := invoker.Invoke(context.Background(), "fatal", nil)
		require.Error(t, err)
		require.Equal(t, 1, calls)
	})
}

func TestEngineWithRetryInvoker(t *testing.T) {
	// A transient failure during a stage is absorbed by the retry layer and
	// the workflow still completes.
	calls := 0
	abilities := testAbilities(nil)
	abilities["fetch_po"] = func(ctx context.Context, args map[string]any) (map[string]any, error) {
		calls++
		if calls == 1 {
			return nil, NewAbilityError("fetch_po", "connection reset", true)
		}
		return map[string]any{
			"matched_pos": []any{map[string]any{"po_number": "PO-1000", "amount": 15000.0}},
		}, nil
	}

	store := NewMemoryStore()
	engine, err := NewEngine(EngineOptions{
		States:      store,
		Checkpoints: store,
		Invoker: NewRetryInvoker(abilities, RetryInvokerOptions{
			MaxRetries: 3,
			BaseWait:   time.Millisecond,
		}),
	})
	require.NoError(t, err)

	result, err := engine.Execute(context.Background(), testPayload("INV-RETRY"))
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, result.Status)
	require.Equal(t, 2, calls)
}
