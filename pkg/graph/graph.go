// Package graph orders recipes so that every recipe comes after its required dependencies.
package graph

import (
	"github.com/ngld/cellar/pkg/recipe"
)

// Options controls which dependency edges are followed
type Options struct {
	// IncludeRecommended follows dependencies tagged "recommended"
	IncludeRecommended bool
	// AssumePresent reports whether a name missing from the batch is satisfied externally.
	// A nil func treats every missing dependency as unresolved.
	AssumePresent func(name string) bool
}

const (
	unvisited = iota
	visiting
	done
)

type builder struct {
	batch  *recipe.Batch
	opts   Options
	state  map[string]int
	stack  []string
	closed map[string]bool
}

// Order returns the install order for the transitive closure of requested.
// Ties between recipes whose dependencies are all satisfied are broken by batch insertion order.
func Order(batch *recipe.Batch, requested []string, opts Options) ([]string, error) {
	b := &builder{
		batch:  batch,
		opts:   opts,
		state:  make(map[string]int),
		closed: make(map[string]bool),
	}

	for _, name := range requested {
		if _, ok := batch.Get(name); !ok {
			return nil, &UnresolvedDependency{Name: name}
		}

		if err := b.visit(name); err != nil {
			return nil, err
		}
	}

	return b.linearize(), nil
}

// visit walks the closure depth first, detecting cycles and unresolved names on the way
func (b *builder) visit(name string) error {
	switch b.state[name] {
	case done:
		return nil
	case visiting:
		start := 0
		for idx, item := range b.stack {
			if item == name {
				start = idx
				break
			}
		}

		participants := make([]string, 0, len(b.stack)-start+1)
		participants = append(participants, b.stack[start:]...)
		participants = append(participants, name)
		return &CycleDetected{Participants: participants}
	}

	r, _ := b.batch.Get(name)
	b.state[name] = visiting
	b.stack = append(b.stack, name)

	for _, dep := range r.RequiredDependencies(b.opts.IncludeRecommended) {
		if _, ok := b.batch.Get(dep); !ok {
			if b.opts.AssumePresent != nil && b.opts.AssumePresent(dep) {
				continue
			}
			return &UnresolvedDependency{Name: dep, RequiredBy: name}
		}

		if err := b.visit(dep); err != nil {
			return err
		}
	}

	b.stack = b.stack[:len(b.stack)-1]
	b.state[name] = done
	b.closed[name] = true
	return nil
}

// linearize emits the closure; at every point the earliest batch entry whose dependencies
// have all been emitted goes next
func (b *builder) linearize() []string {
	remaining := make(map[string]int, len(b.closed))
	dependents := make(map[string][]string, len(b.closed))
	candidates := make([]string, 0, len(b.closed))

	for _, name := range b.batch.Names() {
		if !b.closed[name] {
			continue
		}
		candidates = append(candidates, name)

		r, _ := b.batch.Get(name)
		seen := make(map[string]bool)
		for _, dep := range r.RequiredDependencies(b.opts.IncludeRecommended) {
			if b.closed[dep] && !seen[dep] {
				seen[dep] = true
				remaining[name]++
				dependents[dep] = append(dependents[dep], name)
			}
		}
	}

	order := make([]string, 0, len(candidates))
	emitted := make(map[string]bool, len(candidates))
	for len(order) < len(candidates) {
		for _, name := range candidates {
			if emitted[name] || remaining[name] > 0 {
				continue
			}

			emitted[name] = true
			order = append(order, name)
			for _, dependent := range dependents[name] {
				remaining[dependent]--
			}
			break
		}
	}

	return order
}

// Dependents returns every recipe in order that transitively requires name. order doesn't have to be
// topologically sorted; the result keeps its ordering.
func Dependents(batch *recipe.Batch, order []string, name string, includeRecommended bool) []string {
	affected := map[string]bool{name: true}

	for changed := true; changed; {
		changed = false
		for _, item := range order {
			if affected[item] {
				continue
			}

			r, ok := batch.Get(item)
			if !ok {
				continue
			}

			for _, dep := range r.RequiredDependencies(includeRecommended) {
				if affected[dep] {
					affected[item] = true
					changed = true
					break
				}
			}
		}
	}

	result := make([]string, 0)
	for _, item := range order {
		if item != name && affected[item] {
			result = append(result, item)
		}
	}
	return result
}
