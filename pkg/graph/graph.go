// Package graph holds the task dependency graph: validation at build time and
// the batch ordering the scheduler walks.
package graph

import (
	"iter"
	"sort"

	"github.com/ignatij/gobuild/pkg/models"
)

// Set is a set of task names.
type Set map[string]struct{}

// NewSet returns a set holding names.
func NewSet(names ...string) Set {
	s := make(Set, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

func (s Set) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Sorted returns the members in lexical order.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Graph maps task names to tasks plus the derived dependency adjacency.
// Tasks are added first; Build validates the whole graph. A built graph is
// immutable and safe for concurrent reads.
type Graph struct {
	tasks      map[string]*models.Task
	deps       map[string][]string // sorted, deduplicated
	dependents map[string][]string // sorted
	built      bool
}

func New() *Graph {
	return &Graph{
		tasks:      make(map[string]*models.Task),
		deps:       make(map[string][]string),
		dependents: make(map[string][]string),
	}
}

// AddTask registers a task. Dependencies are checked by Build.
func (g *Graph) AddTask(task *models.Task) error {
	if task == nil {
		return invalidTaskf("nil task")
	}
	if task.Name == "" {
		return invalidTaskf("task name is required")
	}
	if g.built {
		return invalidTaskf("cannot add %q: graph already built", task.Name)
	}
	if _, exists := g.tasks[task.Name]; exists {
		return duplicateTask(task.Name)
	}
	g.tasks[task.Name] = task
	g.deps[task.Name] = NewSet(task.Deps...).Sorted()
	return nil
}

// Build checks that every dependency exists and that the graph is acyclic.
func (g *Graph) Build() error {
	for _, name := range g.Names() {
		for _, dep := range g.deps[name] {
			if _, ok := g.tasks[dep]; !ok {
				return unknownDependency(name, dep)
			}
		}
	}
	if cycle := g.findCycle(); cycle != nil {
		return cycleError(cycle)
	}

	dependents := make(map[string][]string, len(g.tasks))
	for _, name := range g.Names() {
		for _, dep := range g.deps[name] {
			dependents[dep] = append(dependents[dep], name)
		}
	}
	g.dependents = dependents
	g.built = true
	return nil
}

// findCycle runs a three-colour depth-first search in name order and returns
// the first cycle found as a closed path (a -> b -> a), or nil.
func (g *Graph) findCycle() []string {
	const (
		white = iota // unvisited
		grey         // on the current path
		black        // done
	)
	color := make(map[string]int, len(g.tasks))
	var stack []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		color[name] = grey
		stack = append(stack, name)
		for _, dep := range g.deps[name] {
			switch color[dep] {
			case grey:
				for i, n := range stack {
					if n == dep {
						cycle = append(append([]string{}, stack[i:]...), dep)
						return true
					}
				}
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[name] = black
		return false
	}

	for _, name := range g.Names() {
		if color[name] == white && visit(name) {
			return cycle
		}
	}
	return nil
}

// Task returns the named task.
func (g *Graph) Task(name string) (*models.Task, bool) {
	t, ok := g.tasks[name]
	return t, ok
}

// Names returns every task name in lexical order.
func (g *Graph) Names() []string {
	names := make([]string, 0, len(g.tasks))
	for n := range g.tasks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of tasks.
func (g *Graph) Len() int { return len(g.tasks) }

// Dependencies returns the direct dependencies of name.
func (g *Graph) Dependencies(name string) []string {
	return append([]string(nil), g.deps[name]...)
}

// Dependents returns the tasks that directly depend on name.
func (g *Graph) Dependents(name string) []string {
	return append([]string(nil), g.dependents[name]...)
}

// Closure returns targets plus all of their transitive dependencies.
func (g *Graph) Closure(targets []string) (Set, error) {
	if !g.built {
		return nil, ErrNotBuilt
	}
	out := make(Set)
	var walk func(string)
	walk = func(name string) {
		if out.Has(name) {
			return
		}
		out[name] = struct{}{}
		for _, dep := range g.deps[name] {
			walk(dep)
		}
	}
	for _, t := range targets {
		if _, ok := g.tasks[t]; !ok {
			return nil, unknownTask(t)
		}
		walk(t)
	}
	return out, nil
}

// Downstream returns names plus every task that transitively depends on them.
// Unknown names are ignored.
func (g *Graph) Downstream(names []string) Set {
	out := make(Set)
	var walk func(string)
	walk = func(name string) {
		if out.Has(name) {
			return
		}
		out[name] = struct{}{}
		for _, d := range g.dependents[name] {
			walk(d)
		}
	}
	for _, n := range names {
		if _, ok := g.tasks[n]; ok {
			walk(n)
		}
	}
	return out
}

// TopologicalBatches yields the tasks of subset level by level: every task in
// a batch has all of its dependencies (within subset) in earlier batches.
// Names inside a batch are sorted. The order is recomputed on every iteration;
// the graph is never modified. A nil subset means the whole graph. A graph
// that was not built yields nothing.
func (g *Graph) TopologicalBatches(subset Set) iter.Seq[[]string] {
	return func(yield func([]string) bool) {
		if !g.built {
			return
		}
		remaining := make(map[string]int)
		for name := range g.tasks {
			if subset != nil && !subset.Has(name) {
				continue
			}
			remaining[name] = 0
		}
		for name := range remaining {
			for _, dep := range g.deps[name] {
				if _, ok := remaining[dep]; ok {
					remaining[name]++
				}
			}
		}

		for len(remaining) > 0 {
			var batch []string
			for name, pending := range remaining {
				if pending == 0 {
					batch = append(batch, name)
				}
			}
			if len(batch) == 0 {
				// cyclic graph
				return
			}
			sort.Strings(batch)
			for _, name := range batch {
				delete(remaining, name)
				for _, d := range g.dependents[name] {
					if _, ok := remaining[d]; ok {
						remaining[d]--
					}
				}
			}
			if !yield(batch) {
				return
			}
		}
	}
}
