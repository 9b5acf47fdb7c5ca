package contracts

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every component. Callers match with errors.Is.
var (
	// ErrAdmissionFull is returned when a tier has no room. Non-fatal.
	ErrAdmissionFull = errors.New("admission tier full")
	// ErrStageFailure marks a pipeline stage error. It aborts one item only.
	ErrStageFailure = errors.New("stage failure")
	// ErrNoExecutorConfigured is a fatal misconfiguration.
	ErrNoExecutorConfigured = errors.New("no executor configured")
	// ErrBatchAlreadyDispatched rejects a second evaluation of a batch.
	ErrBatchAlreadyDispatched = errors.New("batch already dispatched")
	// ErrDuplicateVote is returned when an approver votes twice. The vote is a no-op.
	ErrDuplicateVote = errors.New("duplicate vote")
	// ErrNoCapacity is returned when no node can take a shard.
	ErrNoCapacity = errors.New("no node capacity")
	// ErrUnknownPolicy rejects an unknown lazy-evaluation policy.
	ErrUnknownPolicy = errors.New("unknown policy")
	// ErrUnknownStrategy rejects an unknown sharding strategy.
	ErrUnknownStrategy = errors.New("unknown strategy")
	// ErrNotFound is returned for unknown ids.
	ErrNotFound = errors.New("not found")
	// ErrThrottled is returned when the throttler defers work.
	ErrThrottled = errors.New("throttled")
	// ErrBlocked is returned when the admission firewall refuses a proposal.
	ErrBlocked = errors.New("blocked by firewall")
)

// StageError wraps the error returned by a named pipeline stage.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

// Unwrap exposes both the stage failure marker and the cause.
func (e *StageError) Unwrap() []error {
	return []error{ErrStageFailure, e.Err}
}
