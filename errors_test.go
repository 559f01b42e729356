package invoiceflow

import (
	"errors"
	"fmt"
	"testing"

	"github.com/deepnoodle-ai/invoiceflow/retry"
	"github.com/stretchr/testify/require"
)

func TestAbilityErrorRecoverable(t *testing.T) {
	retryable := NewAbilityError("fetch_po", "timeout", true)
	require.True(t, retry.IsRecoverable(retryable))

	fatal := NewAbilityError("fetch_po", "bad credentials", false)
	require.False(t, retry.IsRecoverable(fatal))
}

func TestWrapAbilityError(t *testing.T) {
	t.Run("passes through an existing ability error", func(t *testing.T) {
		original := NewAbilityError("fetch_po", "timeout", true)
		wrapped := WrapAbilityError("fetch_po", fmt.Errorf("call failed: %w", original))
		require.Same(t, original, wrapped)
	})

	t.Run("classifies unknown errors as non-retryable", func(t *testing.T) {
		cause := errors.New("boom")
		wrapped := WrapAbilityError("fetch_po", cause)
		require.False(t, wrapped.Retryable)
		require.Equal(t, "fetch_po", wrapped.Ability)
		require.ErrorIs(t, wrapped, cause)
	})
}

func TestNotFoundError(t *testing.T) {
	err := NewWorkflowNotFound("wf_123")
	require.True(t, IsNotFound(err))
	require.Contains(t, err.Error(), "wf_123")

	wrapped := fmt.Errorf("loading: %w", NewCheckpointNotFound("chk_123"))
	require.True(t, IsNotFound(wrapped))

	require.False(t, IsNotFound(errors.New("other")))
	require.False(t, IsNotFound(nil))
}

func TestCheckpointStateError(t *testing.T) {
	err := &CheckpointStateError{CheckpointID: "chk_123", Status: CheckpointReviewed}
	require.True(t, IsCheckpointState(err))
	require.Contains(t, err.Error(), "chk_123")
	require.Contains(t, err.Error(), "REVIEWED")
	require.False(t, IsCheckpointState(errors.New("other")))
}

func TestValidationErrorMessage(t *testing.T) {
	err := &ValidationError{Field: "amount", Message: "must be positive"}
	require.Contains(t, err.Error(), "amount")
	require.Contains(t, err.Error(), "must be positive")
}
