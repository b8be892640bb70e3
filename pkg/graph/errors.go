package graph

import (
	"fmt"
	"strings"
)

// CycleDetected is returned if the dependency relation of the requested recipes contains a cycle
type CycleDetected struct {
	// Participants lists the recipes on the cycle in dependency order, starting and ending with the same name
	Participants []string
}

var _ error = (*CycleDetected)(nil)

func (e *CycleDetected) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Participants, " -> "))
}

// UnresolvedDependency is returned for dependencies that are neither part of the batch nor assumed present
type UnresolvedDependency struct {
	Name       string
	RequiredBy string
}

var _ error = (*UnresolvedDependency)(nil)

func (e *UnresolvedDependency) Error() string {
	if e.RequiredBy == "" {
		return fmt.Sprintf("no recipe named %s", e.Name)
	}
	return fmt.Sprintf("the dependency %s of %s is missing", e.Name, e.RequiredBy)
}
