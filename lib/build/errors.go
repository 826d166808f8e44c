package build

import (
	"errors"
	"fmt"
)

var ErrTargetExists = errors.New("build target already exists")

// BuildStepError reports the first install step that exited non-zero. The
// pipeline aborts at that step; later steps never run.
type BuildStepError struct {
	StepIndex int
	Step      string
	ExitCode  int
	Output    []byte
}

func (e *BuildStepError) Error() string {
	return fmt.Sprintf("build step %d (%q) failed with exit code %d", e.StepIndex, e.Step, e.ExitCode)
}
