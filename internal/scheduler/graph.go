package scheduler

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/gammazero/toposort"
)

// Edge is a dependency edge: To depends on From.
type Edge struct {
	From string
	To   string
	Type DependencyType
	Lag  time.Duration
}

// Graph is the dependency adjacency structure. It maps a task to the tasks that
// depend on it and is built incrementally as tasks are created. Edges may name
// tasks that do not exist yet.
type Graph struct {
	mu         sync.RWMutex
	nodes      []string            // Task IDs in insertion order
	known      map[string]bool
	dependents map[string][]string // Maps taskID -> list of tasks that depend on it
	edges      []Edge
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		known:      make(map[string]bool),
		dependents: make(map[string][]string),
	}
}

// AddTask registers taskID and one edge per dependency.
func (g *Graph) AddTask(taskID string, deps []TaskDependency) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.known[taskID] {
		g.known[taskID] = true
		g.nodes = append(g.nodes, taskID)
	}

	for _, dep := range deps {
		if !slices.Contains(g.dependents[dep.TaskID], taskID) {
			g.dependents[dep.TaskID] = append(g.dependents[dep.TaskID], taskID)
		}
		g.edges = append(g.edges, Edge{From: dep.TaskID, To: taskID, Type: dep.Type, Lag: dep.Lag})
	}
}

// Dependents returns the tasks that directly depend on taskID.
func (g *Graph) Dependents(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.dependents[taskID])
}

// Edges returns every edge in insertion order.
func (g *Graph) Edges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.edges)
}

// Order runs topological sort using gammazero/toposort over registered tasks.
// Edges from unregistered tasks are ignored. Returns an error if a cycle exists.
func (g *Graph) Order() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var edges []toposort.Edge
	hasIncoming := make(map[string]bool)
	for _, e := range g.edges {
		if !g.known[e.From] {
			continue
		}
		// Edge (from, to) means from must come before to
		edges = append(edges, toposort.Edge{e.From, e.To})
		hasIncoming[e.To] = true
	}
	for _, id := range g.nodes {
		if !hasIncoming[id] {
			// Root node - add edge from nil to ensure it's included
			edges = append(edges, toposort.Edge{nil, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("dependency graph contains cycle: %w", err)
	}

	order := make([]string, 0, len(sorted))
	seen := make(map[string]bool, len(sorted))
	for _, id := range sorted {
		if id == nil {
			continue
		}
		s := id.(string)
		if !seen[s] {
			seen[s] = true
			order = append(order, s)
		}
	}

	// Nodes that only sit on a cycle never reach the sorted output
	if len(order) != len(g.nodes) {
		return nil, fmt.Errorf("dependency graph contains cycle: %d of %d tasks ordered", len(order), len(g.nodes))
	}

	return order, nil
}

// ValidateTasks checks that the dependencies among tasks form no cycle.
// Dependencies on tasks outside the set are ignored.
func ValidateTasks(tasks []Task) error {
	g := NewGraph()
	inSet := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		inSet[t.ID] = true
	}
	for _, t := range tasks {
		var deps []TaskDependency
		for _, d := range t.Dependencies {
			if inSet[d.TaskID] {
				deps = append(deps, d)
			}
		}
		g.AddTask(t.ID, deps)
	}
	_, err := g.Order()
	return err
}
