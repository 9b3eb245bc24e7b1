package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrCommandNotForMachine is returned when an agent reports a result for
	// a command issued to a different machine.
	ErrCommandNotForMachine = errors.New("dispatch: command does not belong to this machine")

	// ErrAlreadyFinalized is returned when a result arrives for a command
	// already in a different terminal state. Reporting the same decision
	// twice is not an error; reporting a conflicting one is.
	ErrAlreadyFinalized = errors.New("dispatch: command already finalized")
)

// NotIdleError is returned when an operator issues a shutdown against a
// machine whose last heartbeat did not classify it idle.
type NotIdleError struct {
	Status string
}

func (e *NotIdleError) Error() string {
	return fmt.Sprintf("machine is %s; shutdown commands require an idle machine", e.Status)
}
