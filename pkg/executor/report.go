package executor

import (
	"errors"

	"github.com/ngld/cellar/pkg/graph"
	"github.com/ngld/cellar/pkg/recipe"
)

// Status is the outcome of a single recipe
type Status string

const (
	Success Status = "success"
	Failed  Status = "failed"
	Skipped Status = "skipped"
)

// InstallResult records what happened to one recipe during a run
type InstallResult struct {
	Name   string
	Status Status
	// FailingStep is the index of the install step that failed, nil if the failure happened elsewhere
	FailingStep *int
	Command     string
	Error       string
	// Stderr is the tail of the failing step's stderr
	Stderr string
}

// Report is the result of Executor.Run
type Report struct {
	// Order is the computed install order
	Order   []string
	Results map[string]InstallResult
	DryRun  bool
}

// Count returns the number of results with the given status
func (r *Report) Count(status Status) int {
	count := 0
	for _, result := range r.Results {
		if result.Status == status {
			count++
		}
	}
	return count
}

// ExitCode returns 0 if every recipe in the order was installed (or nothing was supposed to run) and 1 otherwise
func (r *Report) ExitCode() int {
	if r.DryRun {
		return 0
	}

	for _, name := range r.Order {
		if result, ok := r.Results[name]; !ok || result.Status != Success {
			return 1
		}
	}
	return 0
}

// IsConfigurationError reports whether err was caused by the recipe set itself (cycles, unresolved
// dependencies, malformed recipes) rather than by a failing install.
func IsConfigurationError(err error) bool {
	var cycle *graph.CycleDetected
	var unresolved *graph.UnresolvedDependency
	var malformed *recipe.MalformedRecipe

	return errors.As(err, &cycle) || errors.As(err, &unresolved) || errors.As(err, &malformed)
}
