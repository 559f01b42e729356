package invoiceflow

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/deepnoodle-ai/invoiceflow/retry"
)

// AbilityInvoker executes a named external operation with a payload. The
// engine is agnostic to which concrete provider served the call; provider
// selection happens before Invoke via the tool-pool configuration.
type AbilityInvoker interface {
	Invoke(ctx context.Context, ability string, args map[string]any) (map[string]any, error)
}

// AbilityFunc is a function that can be used as an ability.
type AbilityFunc func(ctx context.Context, args map[string]any) (map[string]any, error)

// AbilityRegistry maps ability names to implementations and itself acts as
// an AbilityInvoker.
type AbilityRegistry map[string]AbilityFunc

// Invoke dispatches to the named ability. An unknown ability is a
// non-retryable failure.
func (r AbilityRegistry) Invoke(ctx context.Context, ability string, args map[string]any) (map[string]any, error) {
	fn, ok := r[ability]
	if !ok {
		return nil, NewAbilityError(ability, "no implementation registered", false)
	}
	result, err := fn(ctx, args)
	if err != nil {
		return nil, WrapAbilityError(ability, err)
	}
	return result, nil
}

// RetryInvoker wraps an AbilityInvoker with backoff on retryable failures.
// Retries stay inside the collaborator: the engine only ever sees the final
// outcome of a call.
type RetryInvoker struct {
	next       AbilityInvoker
	maxRetries int
	baseWait   time.Duration
	logger     *slog.Logger
}

// RetryInvokerOptions configures a RetryInvoker.
type RetryInvokerOptions struct {
	MaxRetries int
	BaseWait   time.Duration
	Logger     *slog.Logger
}

// NewRetryInvoker wraps next with retry behavior.
func NewRetryInvoker(next AbilityInvoker, opts RetryInvokerOptions) *RetryInvoker {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.BaseWait <= 0 {
		opts.BaseWait = 100 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &RetryInvoker{
		next:       next,
		maxRetries: opts.MaxRetries,
		baseWait:   opts.BaseWait,
		logger:     opts.Logger,
	}
}

// Invoke calls the wrapped invoker, retrying while the failure is retryable.
func (i *RetryInvoker) Invoke(ctx context.Context, ability string, args map[string]any) (map[string]any, error) {
	var result map[string]any
	attempt := 0
	err := retry.Do(ctx, func() error {
		attempt++
		var callErr error
		result, callErr = i.next.Invoke(ctx, ability, args)
		if callErr != nil && retry.IsRecoverable(callErr) {
			i.logger.Warn("ability call failed, will retry",
				"ability", ability,
				"attempt", attempt,
				"error", callErr)
		}
		return callErr
	}, retry.WithMaxRetries(i.maxRetries), retry.WithBaseWait(i.baseWait), retry.WithJitter())
	if err != nil {
		return nil, err
	}
	return result, nil
}
