package sandbox

import (
	"errors"
	"fmt"
)

var (
	ErrNotASandbox = errors.New("not a capsule sandbox")
	ErrIncomplete  = errors.New("sandbox build did not complete")
)

// ValidationError reports a smoke-test command that exited non-zero under
// strict mode.
type ValidationError struct {
	Command  string
	ExitCode int
	Output   []byte
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %q exited %d", e.Command, e.ExitCode)
}
