package steps

import (
	"fmt"

	"github.com/ngld/cellar/pkg/recipe"
)

// StepFailure is returned by Runner.Run for the first step that didn't exit cleanly
type StepFailure struct {
	// Index is the zero based position of the failed step
	Index    int
	Command  recipe.Step
	ExitCode int
	// Stderr holds the last bytes the step wrote to stderr
	Stderr string
	// Err is set if the step couldn't be executed at all
	Err error
}

var _ error = (*StepFailure)(nil)

func (e *StepFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("step #%d (%s) failed: %v", e.Index, e.Command, e.Err)
	}
	return fmt.Sprintf("step #%d (%s) failed with exit code %d", e.Index, e.Command, e.ExitCode)
}

func (e *StepFailure) Unwrap() error {
	return e.Err
}
