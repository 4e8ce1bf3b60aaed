package resolver

import (
	"errors"
	"fmt"
	"strings"
)

// UnresolvedDependencyError is returned when a step depends on a tag that no
// registered step advertises.
type UnresolvedDependencyError struct {
	Step string
	Tag  string
}

func (e *UnresolvedDependencyError) Error() string {
	return fmt.Sprintf("step %q depends on tag %q, which no step provides", e.Step, e.Tag)
}

// CyclicDependencyError is returned when the dependency graph has a cycle.
// Cycle lists step names along the cycle, with the first name repeated at
// the end: ["X", "Y", "X"] means X waits on Y and Y waits on X.
type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Cycle, " → "))
}

// UnknownTagError is returned when a tag filter names tags that no step
// advertises.
type UnknownTagError struct {
	Tags []string
}

func (e *UnknownTagError) Error() string {
	return fmt.Sprintf("no step has tag %s", strings.Join(e.Tags, ", "))
}

// IsCycleError reports whether err is a CyclicDependencyError.
func IsCycleError(err error) bool {
	var ce *CyclicDependencyError
	return errors.As(err, &ce)
}

// IsResolutionError reports whether err is one of the errors that abort a run
// before any step executes because the graph cannot be ordered or the tag
// filter selects nothing it names.
func IsResolutionError(err error) bool {
	var ce *CyclicDependencyError
	var ue *UnresolvedDependencyError
	var te *UnknownTagError
	return errors.As(err, &ce) || errors.As(err, &ue) || errors.As(err, &te)
}

// cycleError finds a cycle among the steps Kahn could not schedule.
//
// Steps left with pending > 0 are either on a cycle or downstream of one.
// Tarjan's algorithm over that subgraph finds the strongly connected
// components; the one containing the lowest registration index is reported.
func (g *graph) cycleError(pending []int) error {
	stuck := make(map[int]bool)
	for i, p := range pending {
		if p > 0 {
			stuck[i] = true
		}
	}

	sccs := g.tarjanSCC(stuck)
	var chosen []int
	for _, scc := range sccs {
		if len(scc) < 2 {
			continue
		}
		if chosen == nil || minOf(scc) < minOf(chosen) {
			chosen = scc
		}
	}
	if chosen == nil {
		// Unreachable: self-edges are dropped in buildGraph, so every stuck
		// set contains a multi-node component.
		names := make([]string, 0, len(stuck))
		for i := range g.steps {
			if stuck[i] {
				names = append(names, g.steps[i].Name)
			}
		}
		return &CyclicDependencyError{Cycle: names}
	}

	path := g.cyclePath(chosen)
	names := make([]string, len(path))
	for i, idx := range path {
		names[i] = g.steps[idx].Name
	}
	return &CyclicDependencyError{Cycle: names}
}

// tarjanSCC returns the strongly connected components of the prerequisite
// graph restricted to nodes in the given set. Nodes are visited in index
// order so the result is deterministic.
func (g *graph) tarjanSCC(nodes map[int]bool) [][]int {
	var (
		index   = 0
		stack   []int
		indices = make(map[int]int)
		lowlink = make(map[int]int)
		onStack = make(map[int]bool)
		sccs    [][]int
	)

	var strongConnect func(int)
	strongConnect = func(v int) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range g.prereqs[v] {
			if !nodes[w] {
				continue
			}
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []int
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	for v := range g.steps {
		if !nodes[v] {
			continue
		}
		if _, visited := indices[v]; !visited {
			strongConnect(v)
		}
	}
	return sccs
}

// cyclePath returns the shortest cycle through the lowest index of scc,
// found by breadth-first search inside the component.
func (g *graph) cyclePath(scc []int) []int {
	member := make(map[int]bool, len(scc))
	for _, v := range scc {
		member[v] = true
	}
	start := minOf(scc)

	parent := map[int]int{start: -1}
	queue := []int{start}
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		for _, v := range g.prereqs[u] {
			if !member[v] {
				continue
			}
			if v == start {
				var rev []int
				for n := u; n != -1; n = parent[n] {
					rev = append(rev, n)
				}
				path := make([]int, 0, len(rev)+1)
				for i := len(rev) - 1; i >= 0; i-- {
					path = append(path, rev[i])
				}
				return append(path, start)
			}
			if _, seen := parent[v]; !seen {
				parent[v] = u
				queue = append(queue, v)
			}
		}
	}
	return append(scc, start)
}

func minOf(xs []int) int {
	m := xs[0]
	for _, x := range xs[1:] {
		if x < m {
			m = x
		}
	}
	return m
}
