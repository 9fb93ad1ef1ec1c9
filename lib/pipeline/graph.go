// Copyright 2026 The Hatchery Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"fmt"
	"sort"
	"strings"
)

// CycleError reports a dependency cycle in a project. Cycle lists the
// step names along the cycle, starting and ending with the same step.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Cycle, " -> "))
}

// Graph is the resolved dependency structure of a project: every step
// by name, its dependency edges in both directions, and a
// deterministic topological order.
type Graph struct {
	// Steps maps step name to its declaration.
	Steps map[string]Step

	// Dependencies maps a step to the steps it consumes.
	Dependencies map[string][]string

	// Dependents maps a step to the steps that consume it.
	Dependents map[string][]string

	// Order is a topological ordering of all step names, with ties
	// broken alphabetically so two builds of the same project walk
	// the steps in the same order.
	Order []string
}

// BuildGraph resolves a project's depends_on edges into a Graph.
// Returns a *CycleError if the dependencies form a cycle. The project
// should already have passed Validate; unknown dependency names are
// reported as plain errors here rather than silently dropped.
func BuildGraph(project *Project) (*Graph, error) {
	graph := &Graph{
		Steps:        make(map[string]Step, len(project.Steps)),
		Dependencies: make(map[string][]string, len(project.Steps)),
		Dependents:   make(map[string][]string, len(project.Steps)),
	}

	for _, step := range project.Steps {
		graph.Steps[step.Name] = step
	}
	for _, step := range project.Steps {
		for _, dependency := range step.DependsOn {
			if _, exists := graph.Steps[dependency]; !exists {
				return nil, fmt.Errorf("step %q depends on unknown step %q", step.Name, dependency)
			}
			graph.Dependencies[step.Name] = append(graph.Dependencies[step.Name], dependency)
			graph.Dependents[dependency] = append(graph.Dependents[dependency], step.Name)
		}
	}
	for name := range graph.Dependents {
		sort.Strings(graph.Dependents[name])
	}

	order, err := topologicalOrder(graph)
	if err != nil {
		return nil, err
	}
	graph.Order = order

	return graph, nil
}

// Restrict returns the subgraph induced by the steps of the given
// kinds plus everything they transitively depend on. The runner uses
// this to scope execution: fetch-only runs keep just the fetch steps,
// transform runs keep transforms and their upstream fetches.
func (g *Graph) Restrict(kinds ...Kind) *Graph {
	wanted := make(map[Kind]bool, len(kinds))
	for _, kind := range kinds {
		wanted[kind] = true
	}

	include := make(map[string]bool)
	var visit func(name string)
	visit = func(name string) {
		if include[name] {
			return
		}
		include[name] = true
		for _, dependency := range g.Dependencies[name] {
			visit(dependency)
		}
	}
	for _, name := range g.Order {
		if wanted[g.Steps[name].Kind] {
			visit(name)
		}
	}

	restricted := &Graph{
		Steps:        make(map[string]Step, len(include)),
		Dependencies: make(map[string][]string),
		Dependents:   make(map[string][]string),
	}
	for name := range include {
		restricted.Steps[name] = g.Steps[name]
		for _, dependency := range g.Dependencies[name] {
			if include[dependency] {
				restricted.Dependencies[name] = append(restricted.Dependencies[name], dependency)
				restricted.Dependents[dependency] = append(restricted.Dependents[dependency], name)
			}
		}
	}
	for name := range restricted.Dependents {
		sort.Strings(restricted.Dependents[name])
	}
	for _, name := range g.Order {
		if include[name] {
			restricted.Order = append(restricted.Order, name)
		}
	}

	return restricted
}

// topologicalOrder runs Kahn's algorithm with an alphabetically
// ordered ready set. If steps remain after the queue drains, the
// leftovers contain a cycle; walkCycle extracts one for the error.
func topologicalOrder(graph *Graph) ([]string, error) {
	indegree := make(map[string]int, len(graph.Steps))
	for name := range graph.Steps {
		indegree[name] = len(graph.Dependencies[name])
	}

	var ready []string
	for name, degree := range indegree {
		if degree == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(graph.Steps))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)

		var unblocked []string
		for _, dependent := range graph.Dependents[name] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				unblocked = append(unblocked, dependent)
			}
		}
		if len(unblocked) > 0 {
			ready = append(ready, unblocked...)
			sort.Strings(ready)
		}
	}

	if len(order) != len(graph.Steps) {
		remaining := make(map[string]bool)
		for name, degree := range indegree {
			if degree > 0 {
				remaining[name] = true
			}
		}
		return nil, &CycleError{Cycle: walkCycle(graph, remaining)}
	}

	return order, nil
}

// walkCycle finds one concrete cycle among the remaining steps by
// following dependency edges until a step repeats. Every remaining
// step has at least one remaining dependency, so the walk must loop.
func walkCycle(graph *Graph, remaining map[string]bool) []string {
	var start string
	for name := range remaining {
		if start == "" || name < start {
			start = name
		}
	}

	visited := make(map[string]int)
	var path []string
	current := start
	for {
		if position, seen := visited[current]; seen {
			cycle := append([]string{}, path[position:]...)
			return append(cycle, current)
		}
		visited[current] = len(path)
		path = append(path, current)

		next := ""
		for _, dependency := range graph.Dependencies[current] {
			if remaining[dependency] && (next == "" || dependency < next) {
				next = dependency
			}
		}
		current = next
	}
}
