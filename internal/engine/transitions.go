package engine

import (
	"fmt"

	"github.com/praxhq/prax/internal/util"
	"github.com/praxhq/prax/pkg/api"
)

// Legal status transitions. Anything not listed is a bug surfaced as an
// UNEXPECTED_STATE failure rather than silently applied
var (
	executionTransitions = util.StateTransitions[api.ExecutionStatus]{
		api.ExecutionPending: util.SetOf(
			api.ExecutionRunning, api.ExecutionCancelled,
		),
		api.ExecutionRunning: util.SetOf(
			api.ExecutionPaused, api.ExecutionCompleted,
			api.ExecutionFailed, api.ExecutionCancelled,
		),
		api.ExecutionPaused: util.SetOf(
			api.ExecutionRunning, api.ExecutionFailed,
			api.ExecutionCancelled,
		),
	}

	stepTransitions = util.StateTransitions[api.StepStatus]{
		api.StepStatusPending: util.SetOf(
			api.StepStatusReady, api.StepStatusSkipped,
		),
		api.StepStatusReady: util.SetOf(
			api.StepStatusRunning, api.StepStatusSkipped,
		),
		// running -> ready re-arms a step interrupted by a crash; it
		// re-runs from the start
		api.StepStatusRunning: util.SetOf(
			api.StepStatusWaitingApproval, api.StepStatusCompleted,
			api.StepStatusFailed, api.StepStatusSkipped,
			api.StepStatusReady,
		),
		api.StepStatusWaitingApproval: util.SetOf(
			api.StepStatusCompleted, api.StepStatusFailed,
			api.StepStatusSkipped,
		),
		// goto_step re-arms an already-failed target
		api.StepStatusFailed: util.SetOf(api.StepStatusReady),
	}
)

func transitionExecution(
	exec *api.ProcessExecution, to api.ExecutionStatus,
) error {
	if !executionTransitions.CanTransition(exec.Status, to) {
		return fmt.Errorf("%w: execution %s -> %s",
			api.ErrStateForbidden, exec.Status, to)
	}
	exec.Status = to
	return nil
}

func transitionStep(se *api.StepExecution, to api.StepStatus) error {
	if !stepTransitions.CanTransition(se.Status, to) {
		return fmt.Errorf("%w: step %s %s -> %s",
			api.ErrStateForbidden, se.StepID, se.Status, to)
	}
	se.Status = to
	return nil
}
