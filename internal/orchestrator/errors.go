package orchestrator

import (
	"errors"
	"fmt"
)

// HaltError is returned when a step fails and the run stops.
type HaltError struct {
	Step          string
	EnvironmentID string
	Err           error
}

func (e *HaltError) Error() string {
	return fmt.Sprintf("migration halted at step %q on %q: %v", e.Step, e.EnvironmentID, e.Err)
}

func (e *HaltError) Unwrap() error { return e.Err }

// IsHalt reports whether err is a HaltError.
func IsHalt(err error) bool {
	var he *HaltError
	return errors.As(err, &he)
}
