package scheduler

import (
	"slices"
	"sort"
	"strings"
	"time"
)

// TaskFilter selects tasks in ListTasks. Zero-valued fields do not filter.
type TaskFilter struct {
	Statuses       []TaskStatus
	AssignedAgents []string
	PriorityMin    *int
	PriorityMax    *int
	Tags           []string // Matches tasks sharing at least one tag
	CreatedAfter   *time.Time
	CreatedBefore  *time.Time
	DeadlineBefore *time.Time // Matches tasks with a deadline before this instant
	Search         string     // Case-insensitive match over description, type, tags and assigned agent
}

// SortField names a ListTasks sort key.
type SortField string

const (
	SortByCreatedAt         SortField = "createdAt"
	SortByPriority          SortField = "priority"
	SortByDeadline          SortField = "deadline"
	SortByEstimatedDuration SortField = "estimatedDuration"
)

// TaskSort orders ListTasks results. The zero value sorts by creation, oldest first.
type TaskSort struct {
	Field      SortField
	Descending bool
}

// TaskList is a page of ListTasks results.
type TaskList struct {
	Tasks   []*Task
	Total   int
	HasMore bool
}

// ListTasks filters, sorts and paginates tasks. A limit <= 0 returns
// everything after offset. HasMore is offset+limit < total.
func (e *Engine) ListTasks(filter TaskFilter, order TaskSort, limit, offset int) TaskList {
	e.mu.Lock()
	matched := make([]*Task, 0, len(e.order))
	for _, id := range e.order {
		if t := e.tasks[id]; matchesFilter(t, filter) {
			matched = append(matched, cloneTask(t))
		}
	}
	e.mu.Unlock()

	sortTasks(matched, order)

	total := len(matched)
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = total - offset
		if limit < 0 {
			limit = 0
		}
	}

	start := min(offset, total)
	end := min(offset+limit, total)

	return TaskList{
		Tasks:   matched[start:end],
		Total:   total,
		HasMore: offset+limit < total,
	}
}

func matchesFilter(t *Task, f TaskFilter) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, t.Status) {
		return false
	}
	if len(f.AssignedAgents) > 0 && !slices.Contains(f.AssignedAgents, t.AssignedAgent) {
		return false
	}
	if f.PriorityMin != nil && t.Priority < *f.PriorityMin {
		return false
	}
	if f.PriorityMax != nil && t.Priority > *f.PriorityMax {
		return false
	}
	if len(f.Tags) > 0 && !slices.ContainsFunc(f.Tags, func(tag string) bool { return slices.Contains(t.Tags, tag) }) {
		return false
	}
	if f.CreatedAfter != nil && t.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && t.CreatedAt.After(*f.CreatedBefore) {
		return false
	}
	if f.DeadlineBefore != nil && (t.Deadline == nil || !t.Deadline.Before(*f.DeadlineBefore)) {
		return false
	}
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		haystack := []string{t.Description, t.Type, t.AssignedAgent}
		haystack = append(haystack, t.Tags...)
		if !slices.ContainsFunc(haystack, func(s string) bool { return strings.Contains(strings.ToLower(s), needle) }) {
			return false
		}
	}
	return true
}

// sortTasks sorts in place. Ties keep creation order; tasks without a
// deadline sort after those with one.
func sortTasks(tasks []*Task, order TaskSort) {
	less := func(a, b *Task) int {
		switch order.Field {
		case SortByPriority:
			return a.Priority - b.Priority
		case SortByEstimatedDuration:
			return compareDuration(a.EstimatedDuration, b.EstimatedDuration)
		case SortByDeadline:
			return compareDeadline(a.Deadline, b.Deadline, order.Descending)
		default:
			return a.CreatedAt.Compare(b.CreatedAt)
		}
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		c := less(tasks[i], tasks[j])
		if order.Descending {
			return c > 0
		}
		return c < 0
	})
}

func compareDuration(a, b time.Duration) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// compareDeadline keeps missing deadlines last in both directions.
func compareDeadline(a, b *time.Time, descending bool) int {
	last := 1
	if descending {
		last = -1
	}
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return last
	case b == nil:
		return -last
	}
	return a.Compare(*b)
}

// GraphNode is one task in the dependency graph view.
type GraphNode struct {
	ID          string
	Type        string
	Description string
	Status      TaskStatus
	Priority    int
	Progress    int
	Tags        []string
}

// DependencyGraph is a read-only view of tasks and their dependency edges.
// Nodes are in topological order when the graph is acyclic.
type DependencyGraph struct {
	Nodes   []GraphNode
	Edges   []Edge
	Acyclic bool
}

// GetDependencyGraph returns a node/edge view for inspection. It has no
// scheduling effect.
func (e *Engine) GetDependencyGraph() DependencyGraph {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids, err := e.graph.Order()
	view := DependencyGraph{Acyclic: err == nil}
	if err != nil {
		ids = slices.Clone(e.order)
	}

	for _, id := range ids {
		t, ok := e.tasks[id]
		if !ok {
			continue
		}
		view.Nodes = append(view.Nodes, GraphNode{
			ID:          t.ID,
			Type:        t.Type,
			Description: t.Description,
			Status:      t.Status,
			Priority:    t.Priority,
			Progress:    t.ProgressPercentage,
			Tags:        slices.Clone(t.Tags),
		})
	}
	view.Edges = e.graph.Edges()
	return view
}
