package task

import (
	"errors"
	"fmt"
)

type RunState string

const (
	StatePending       RunState = "PENDING"
	StateConfigured    RunState = "CONFIGURED"
	StateImagePrepared RunState = "IMAGE_PREPARED"
	StateSkipped       RunState = "SKIPPED"
	StateExecuting     RunState = "EXECUTING"
	StateCompleted     RunState = "COMPLETED"
	StateFailed        RunState = "FAILED"
)

var ErrInvalidTransition = errors.New("invalid run state transition")

var transitions = map[RunState][]RunState{
	StatePending:       {StateConfigured, StateFailed},
	StateConfigured:    {StateImagePrepared, StateFailed},
	StateImagePrepared: {StateSkipped, StateExecuting},
	StateExecuting:     {StateCompleted, StateFailed},
}

// Transition checks that a run may move from one state to the next and
// returns the new state.
func Transition(from, to RunState) (RunState, error) {
	for _, next := range transitions[from] {
		if next == to {
			return to, nil
		}
	}
	return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Terminal reports whether no further transition is possible.
func (s RunState) Terminal() bool {
	return len(transitions[s]) == 0
}
