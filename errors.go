package invoiceflow

import (
	"errors"
	"fmt"
)

// ValidationError indicates a malformed input payload. It is returned before
// a workflow is created; no state is persisted for it.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// AbilityError represents a failed external ability call. Retryable failures
// may be retried by the invoker before surfacing; a non-retryable failure is
// fatal to the stage that issued the call.
//
// It supports Go's error wrapping patterns with Unwrap(), and implements the
// retry package's RecoverableError interface so retry policy can be decided
// from the error itself.
type AbilityError struct {
	Ability   string `json:"ability"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Wrapped   error  `json:"-"`
}

func (e *AbilityError) Error() string {
	return fmt.Sprintf("ability %s failed: %s", e.Ability, e.Message)
}

func (e *AbilityError) Unwrap() error {
	return e.Wrapped
}

// IsRecoverable implements retry.RecoverableError.
func (e *AbilityError) IsRecoverable() bool {
	return e.Retryable
}

// NewAbilityError creates an AbilityError for the named ability.
func NewAbilityError(ability, message string, retryable bool) *AbilityError {
	return &AbilityError{Ability: ability, Message: message, Retryable: retryable}
}

// WrapAbilityError classifies an arbitrary error from an ability call. An
// existing AbilityError passes through; anything else is treated as a
// non-retryable failure. Callers that know better should construct the
// AbilityError themselves.
func WrapAbilityError(ability string, err error) *AbilityError {
	var abilityErr *AbilityError
	if errors.As(err, &abilityErr) {
		return abilityErr
	}
	return &AbilityError{
		Ability: ability,
		Message: err.Error(),
		Wrapped: err,
	}
}

// CheckpointStateError indicates a resume attempt against a checkpoint that
// is not OPEN. No state is mutated when it is returned; a repeated resume on
// an already-reviewed checkpoint surfaces this error.
type CheckpointStateError struct {
	CheckpointID string           `json:"checkpoint_id"`
	Status       CheckpointStatus `json:"status"`
}

func (e *CheckpointStateError) Error() string {
	return fmt.Sprintf("checkpoint %s is %s, not OPEN", e.CheckpointID, e.Status)
}

// NotFoundError indicates an unknown workflow or checkpoint id.
type NotFoundError struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// NewWorkflowNotFound returns a NotFoundError for a workflow id.
func NewWorkflowNotFound(id string) *NotFoundError {
	return &NotFoundError{Kind: "workflow", ID: id}
}

// NewCheckpointNotFound returns a NotFoundError for a checkpoint id.
func NewCheckpointNotFound(id string) *NotFoundError {
	return &NotFoundError{Kind: "checkpoint", ID: id}
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsCheckpointState reports whether err is a CheckpointStateError.
func IsCheckpointState(err error) bool {
	var cs *CheckpointStateError
	return errors.As(err, &cs)
}
