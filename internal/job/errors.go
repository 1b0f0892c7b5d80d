package job

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("job not found")
	ErrExists             = errors.New("job already exists")
	ErrConflict           = errors.New("job state changed concurrently")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrTerminal           = errors.New("job is in a terminal status")
	ErrStageClaimed       = errors.New("stage already claimed")
	ErrPredecessorMissing = errors.New("stage predecessor has no success result")
	ErrUnknownStage       = errors.New("stage not in job graph")
	ErrInvalidRef         = errors.New("invalid artifact reference")
)

// TransitionError reports a rejected edge of the state machine.
type TransitionError struct {
	From, To Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }
