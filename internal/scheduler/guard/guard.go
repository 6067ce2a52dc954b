// Package guard holds the pure preconditions for pipeline run state
// transitions, kept free of persistence so they are trivially testable.
package guard

import (
	"errors"

	pipelinedomain "github.com/ottworks/telemetria/internal/pipeline/domain"
)

var (
	ErrInvalidTransition = errors.New("invalid_run_transition")
	ErrRunFinished       = errors.New("run_already_finished")
)

var allowedTransitions = map[pipelinedomain.RunState][]pipelinedomain.RunState{
	pipelinedomain.RunStateScheduled: {
		pipelinedomain.RunStateRunningIngest,
		pipelinedomain.RunStateFailed,
	},
	pipelinedomain.RunStateRunningIngest: {
		pipelinedomain.RunStateRunningMerge,
		pipelinedomain.RunStateFailed,
	},
	pipelinedomain.RunStateRunningMerge: {
		pipelinedomain.RunStateDone,
		pipelinedomain.RunStateFailed,
	},
}

// EnsureRunCanTransition validates a run state change against the chain
// state machine. DONE and FAILED are terminal.
func EnsureRunCanTransition(from, to pipelinedomain.RunState) error {
	if from == pipelinedomain.RunStateDone || from == pipelinedomain.RunStateFailed {
		return ErrRunFinished
	}
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return ErrInvalidTransition
}
