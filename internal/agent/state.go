package agent

import (
	"fmt"

	"github.com/flynn-ai/tally/internal/errors"
)

// State is a loop driver state.
type State int

const (
	StateDeciding State = iota
	StateExecuting
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDeciding:
		return "deciding"
	case StateExecuting:
		return "executing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

var validTransitions = map[State][]State{
	StateDeciding:  {StateExecuting, StateDone, StateFailed},
	StateExecuting: {StateDeciding, StateFailed},
}

// transition returns an error if from -> to is not an edge of the loop.
func transition(from, to State) error {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return errors.Permanent(errors.CodeAgentInvalidTransition, fmt.Sprintf("invalid transition %s -> %s", from, to))
}
