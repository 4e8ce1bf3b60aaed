// Package resolver orders migration steps by their tag dependencies.
//
// An edge runs from step S to step T when T advertises a tag that S lists in
// its dependencies; T must run first. Ordering is a stable Kahn traversal:
// among the steps whose prerequisites are all satisfied, the one registered
// first always goes next. The same input therefore always yields the same
// order.
//
// All tag references are validated up front. A dependency naming a tag that
// no step advertises fails with UnresolvedDependencyError; a cycle fails with
// CyclicDependencyError naming the steps involved. Nothing is executed in
// either case.
package resolver

import (
	"container/heap"
	"sort"

	"github.com/roach88/chainstep/internal/step"
)

// graph is the prerequisite graph over registration indices.
type graph struct {
	steps      []step.Step
	prereqs    [][]int // prereqs[i]: steps that must run before i, ascending
	dependents [][]int // dependents[j]: steps waiting on j, ascending
}

// Resolve returns steps ordered so every dependency precedes its dependents.
// Ties are broken by position in the input slice.
func Resolve(steps []step.Step) ([]step.Step, error) {
	g, err := buildGraph(steps)
	if err != nil {
		return nil, err
	}
	order, err := g.order()
	if err != nil {
		return nil, err
	}
	out := make([]step.Step, len(order))
	for i, idx := range order {
		out[i] = steps[idx]
	}
	return out, nil
}

// Select returns the steps advertising any of tags together with everything
// they transitively depend on, in resolved order. The full step set is
// validated first, so a broken graph fails even if the selection avoids it.
// An empty tag list selects every step. A tag that no step advertises fails
// with UnknownTagError.
func Select(steps []step.Step, tags []string) ([]step.Step, error) {
	g, err := buildGraph(steps)
	if err != nil {
		return nil, err
	}
	order, err := g.order()
	if err != nil {
		return nil, err
	}
	if len(tags) == 0 {
		out := make([]step.Step, len(order))
		for i, idx := range order {
			out[i] = steps[idx]
		}
		return out, nil
	}

	selected := make([]bool, len(steps))
	matched := make(map[string]bool, len(tags))
	var queue []int
	for i, s := range steps {
		for _, tag := range tags {
			if s.HasTag(tag) {
				matched[tag] = true
				if !selected[i] {
					selected[i] = true
					queue = append(queue, i)
				}
			}
		}
	}
	var unknown []string
	for _, tag := range tags {
		if !matched[tag] {
			unknown = append(unknown, tag)
		}
	}
	if len(unknown) > 0 {
		return nil, &UnknownTagError{Tags: unknown}
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, p := range g.prereqs[cur] {
			if !selected[p] {
				selected[p] = true
				queue = append(queue, p)
			}
		}
	}

	var out []step.Step
	for _, idx := range order {
		if selected[idx] {
			out = append(out, steps[idx])
		}
	}
	return out, nil
}

func buildGraph(steps []step.Step) (*graph, error) {
	providers := make(map[string][]int)
	for i, s := range steps {
		for _, tag := range s.Tags {
			providers[tag] = append(providers[tag], i)
		}
	}

	g := &graph{
		steps:      steps,
		prereqs:    make([][]int, len(steps)),
		dependents: make([][]int, len(steps)),
	}

	for i, s := range steps {
		seen := make(map[int]bool)
		for _, dep := range s.Dependencies {
			ps, ok := providers[dep]
			if !ok {
				return nil, &UnresolvedDependencyError{Step: s.Name, Tag: dep}
			}
			for _, p := range ps {
				// A step's own tags never constrain it.
				if p == i || seen[p] {
					continue
				}
				seen[p] = true
				g.prereqs[i] = append(g.prereqs[i], p)
				g.dependents[p] = append(g.dependents[p], i)
			}
		}
	}
	for i := range g.prereqs {
		sort.Ints(g.prereqs[i])
		sort.Ints(g.dependents[i])
	}
	return g, nil
}

// order runs Kahn's algorithm with a min-heap on registration index.
func (g *graph) order() ([]int, error) {
	pending := make([]int, len(g.steps))
	ready := &indexHeap{}
	for i := range g.steps {
		pending[i] = len(g.prereqs[i])
		if pending[i] == 0 {
			heap.Push(ready, i)
		}
	}

	order := make([]int, 0, len(g.steps))
	for ready.Len() > 0 {
		cur := heap.Pop(ready).(int)
		order = append(order, cur)
		for _, d := range g.dependents[cur] {
			pending[d]--
			if pending[d] == 0 {
				heap.Push(ready, d)
			}
		}
	}

	if len(order) < len(g.steps) {
		return nil, g.cycleError(pending)
	}
	return order, nil
}

type indexHeap []int

func (h indexHeap) Len() int           { return len(h) }
func (h indexHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h indexHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *indexHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *indexHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
