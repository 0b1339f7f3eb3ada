package scheduler

import (
	"slices"
	"testing"
	"time"
)

func ptr[T any](v T) *T { return &v }

func ids(tasks []*Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}

func seedTasks(t *testing.T) *Engine {
	t.Helper()
	e, _ := newTestEngine(t, Config{})

	now := time.Now()
	seed := []Task{
		{ID: "t1", Type: "research", Description: "Gather sources", Priority: 90, Tags: []string{"urgent"}, AssignedAgent: "alpha", Deadline: ptr(now.Add(time.Hour)), EstimatedDuration: 3 * time.Minute},
		{ID: "t2", Type: "development", Description: "Build parser", Priority: 50, Tags: []string{"backend"}, AssignedAgent: "beta", EstimatedDuration: time.Minute},
		{ID: "t3", Type: "analysis", Description: "Profile hot path", Priority: 20, Tags: []string{"backend", "perf"}, AssignedAgent: "alpha", Deadline: ptr(now.Add(2 * time.Hour)), EstimatedDuration: 2 * time.Minute},
		{ID: "t4", Type: "development", Description: "Write docs", Priority: 50},
		{ID: "t5", Type: "testing", Description: "Fuzz the PARSER", Priority: 80, Tags: []string{"urgent"}, Deadline: ptr(now.Add(30 * time.Minute))},
	}
	for _, task := range seed {
		task.Dependencies = missingDep
		mustCreate(t, e, task)
	}
	return e
}

func TestListTasksFilters(t *testing.T) {
	e := seedTasks(t)
	now := time.Now()

	tests := []struct {
		name   string
		filter TaskFilter
		want   []string
	}{
		{"no filter", TaskFilter{}, []string{"t1", "t2", "t3", "t4", "t5"}},
		{"status", TaskFilter{Statuses: []TaskStatus{StatusPending}}, []string{"t1", "t2", "t3", "t4", "t5"}},
		{"status without match", TaskFilter{Statuses: []TaskStatus{StatusRunning}}, []string{}},
		{"agent", TaskFilter{AssignedAgents: []string{"alpha"}}, []string{"t1", "t3"}},
		{"priority range", TaskFilter{PriorityMin: ptr(50), PriorityMax: ptr(80)}, []string{"t2", "t4", "t5"}},
		{"tags any", TaskFilter{Tags: []string{"perf", "urgent"}}, []string{"t1", "t3", "t5"}},
		{"search is case-insensitive", TaskFilter{Search: "parser"}, []string{"t2", "t5"}},
		{"search matches type", TaskFilter{Search: "analysis"}, []string{"t3"}},
		{"deadline before", TaskFilter{DeadlineBefore: ptr(now.Add(90 * time.Minute))}, []string{"t1", "t5"}},
		{"created after future", TaskFilter{CreatedAfter: ptr(now.Add(time.Hour))}, []string{}},
		{"created before future", TaskFilter{CreatedBefore: ptr(now.Add(time.Hour))}, []string{"t1", "t2", "t3", "t4", "t5"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list := e.ListTasks(tt.filter, TaskSort{}, 0, 0)
			if got := ids(list.Tasks); !slices.Equal(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
			if list.Total != len(tt.want) {
				t.Errorf("expected total %d, got %d", len(tt.want), list.Total)
			}
		})
	}
}

func TestListTasksSort(t *testing.T) {
	e := seedTasks(t)

	tests := []struct {
		name  string
		order TaskSort
		want  []string
	}{
		{"created ascending", TaskSort{}, []string{"t1", "t2", "t3", "t4", "t5"}},
		{"priority descending keeps ties stable", TaskSort{Field: SortByPriority, Descending: true}, []string{"t1", "t5", "t2", "t4", "t3"}},
		{"priority ascending", TaskSort{Field: SortByPriority}, []string{"t3", "t2", "t4", "t5", "t1"}},
		{"deadline ascending, missing last", TaskSort{Field: SortByDeadline}, []string{"t5", "t1", "t3", "t2", "t4"}},
		{"deadline descending, missing last", TaskSort{Field: SortByDeadline, Descending: true}, []string{"t3", "t1", "t5", "t2", "t4"}},
		{"estimated duration", TaskSort{Field: SortByEstimatedDuration}, []string{"t4", "t5", "t2", "t3", "t1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ids(e.ListTasks(TaskFilter{}, tt.order, 0, 0).Tasks)
			if !slices.Equal(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

// TestListTasksPagination checks page size and HasMore over a grid of windows.
func TestListTasksPagination(t *testing.T) {
	e := seedTasks(t)
	const total = 5

	for limit := 1; limit <= total+2; limit++ {
		for offset := 0; offset <= total+2; offset++ {
			list := e.ListTasks(TaskFilter{}, TaskSort{}, limit, offset)

			want := max(0, min(limit, total-offset))
			if len(list.Tasks) != want {
				t.Errorf("limit=%d offset=%d: got %d tasks, want %d", limit, offset, len(list.Tasks), want)
			}
			if list.Total != total {
				t.Errorf("limit=%d offset=%d: total %d", limit, offset, list.Total)
			}
			if list.HasMore != (offset+limit < total) {
				t.Errorf("limit=%d offset=%d: hasMore %v", limit, offset, list.HasMore)
			}
		}
	}
}

func TestListTasksReturnsCopies(t *testing.T) {
	e := seedTasks(t)

	list := e.ListTasks(TaskFilter{}, TaskSort{}, 1, 0)
	list.Tasks[0].Description = "mutated"
	list.Tasks[0].Tags[0] = "mutated"

	t1, _ := e.GetTask("t1")
	if t1.Description != "Gather sources" || t1.Tags[0] != "urgent" {
		t.Error("ListTasks leaked internal task state")
	}
}

func TestGetDependencyGraph(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	mustCreate(t, e, Task{ID: "c", Dependencies: []TaskDependency{{TaskID: "b"}}})
	mustCreate(t, e, Task{ID: "b", Dependencies: []TaskDependency{{TaskID: "a", Type: StartToStart}}})
	mustCreate(t, e, Task{ID: "a", Dependencies: missingDep})

	view := e.GetDependencyGraph()
	if !view.Acyclic {
		t.Fatal("expected acyclic graph")
	}
	if got := ids(nodeTasks(view.Nodes)); !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Errorf("expected topological order [a b c], got %v", got)
	}
	if len(view.Edges) != 3 {
		t.Errorf("expected 3 edges, got %d", len(view.Edges))
	}
	if view.Edges[1].From != "a" || view.Edges[1].To != "b" || view.Edges[1].Type != StartToStart {
		t.Errorf("unexpected edge %+v", view.Edges[1])
	}
}

func TestGetDependencyGraphCycle(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	mustCreate(t, e, Task{ID: "x", Dependencies: []TaskDependency{{TaskID: "y"}}})
	mustCreate(t, e, Task{ID: "y", Dependencies: []TaskDependency{{TaskID: "x"}}})

	view := e.GetDependencyGraph()
	if view.Acyclic {
		t.Error("expected cycle to be reported")
	}
	if len(view.Nodes) != 2 {
		t.Errorf("expected both nodes listed, got %d", len(view.Nodes))
	}
}

func nodeTasks(nodes []GraphNode) []*Task {
	out := make([]*Task, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, &Task{ID: n.ID})
	}
	return out
}
