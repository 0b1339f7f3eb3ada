package scheduler

import (
	"slices"
	"testing"
)

func TestGraphOrder(t *testing.T) {
	g := NewGraph()
	g.AddTask("a", nil)
	g.AddTask("b", []TaskDependency{{TaskID: "a"}})
	g.AddTask("c", []TaskDependency{{TaskID: "a"}})
	g.AddTask("d", []TaskDependency{{TaskID: "b"}, {TaskID: "c"}})

	order, err := g.Order()
	if err != nil {
		t.Fatalf("Order failed: %v", err)
	}
	if len(order) != 4 {
		t.Fatalf("expected 4 nodes, got %v", order)
	}

	pos := make(map[string]int)
	for i, id := range order {
		pos[id] = i
	}
	for _, e := range g.Edges() {
		if pos[e.From] >= pos[e.To] {
			t.Errorf("edge %s -> %s violated by order %v", e.From, e.To, order)
		}
	}
}

func TestGraphCycle(t *testing.T) {
	g := NewGraph()
	g.AddTask("a", []TaskDependency{{TaskID: "c"}})
	g.AddTask("b", []TaskDependency{{TaskID: "a"}})
	g.AddTask("c", []TaskDependency{{TaskID: "b"}})

	if _, err := g.Order(); err == nil {
		t.Error("expected cycle error")
	}
}

func TestGraphIgnoresUnknownDependencies(t *testing.T) {
	g := NewGraph()
	g.AddTask("a", []TaskDependency{{TaskID: "external"}})

	order, err := g.Order()
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(order, []string{"a"}) {
		t.Errorf("expected [a], got %v", order)
	}
	if deps := g.Dependents("external"); !slices.Equal(deps, []string{"a"}) {
		t.Errorf("expected a to depend on external, got %v", deps)
	}
}

func TestGraphDependentsDeduplicated(t *testing.T) {
	g := NewGraph()
	g.AddTask("a", nil)
	g.AddTask("b", []TaskDependency{{TaskID: "a", Type: FinishToStart}, {TaskID: "a", Type: StartToStart}})

	if deps := g.Dependents("a"); !slices.Equal(deps, []string{"b"}) {
		t.Errorf("expected [b], got %v", deps)
	}
	if n := len(g.Edges()); n != 2 {
		t.Errorf("expected both edges kept, got %d", n)
	}
}

func TestValidateTasks(t *testing.T) {
	tests := []struct {
		name    string
		tasks   []Task
		wantErr bool
	}{
		{"empty", nil, false},
		{"chain", []Task{{ID: "a"}, {ID: "b", Dependencies: []TaskDependency{{TaskID: "a"}}}}, false},
		{"outside dependency ignored", []Task{{ID: "a", Dependencies: []TaskDependency{{TaskID: "elsewhere"}}}}, false},
		{"self loop", []Task{{ID: "a", Dependencies: []TaskDependency{{TaskID: "a"}}}}, true},
		{"two cycle", []Task{
			{ID: "a", Dependencies: []TaskDependency{{TaskID: "b"}}},
			{ID: "b", Dependencies: []TaskDependency{{TaskID: "a"}}},
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTasks(tt.tasks)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTasks() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
