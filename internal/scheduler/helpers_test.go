package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aristath/swarmcore/internal/events"
)

// newTestEngine creates an engine with fast steps and registers cleanup.
func newTestEngine(t *testing.T, cfg Config) (*Engine, *events.EventBus) {
	t.Helper()

	bus := events.NewEventBus()
	cfg.Bus = bus
	if cfg.StepCount == 0 {
		cfg.StepCount = 4
	}
	if cfg.StepInterval == 0 {
		cfg.StepInterval = time.Millisecond
	}
	e := NewEngine(cfg)
	t.Cleanup(func() {
		e.Close()
		bus.Close()
	})
	return e, bus
}

// await waits for a task to reach a terminal state.
func await(t *testing.T, e *Engine, taskID string) *Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	task, err := e.Await(ctx, taskID)
	if err != nil {
		t.Fatalf("await %s: %v", taskID, err)
	}
	return task
}

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func mustCreate(t *testing.T, e *Engine, task Task) *Task {
	t.Helper()
	created, err := e.CreateTask(task)
	if err != nil {
		t.Fatalf("CreateTask(%s) failed: %v", task.ID, err)
	}
	return created
}

// gatedWorker holds gated tasks at their first step until released or cancelled.
type gatedWorker struct {
	mu      sync.Mutex
	gates   map[string]chan struct{}
	started map[string]chan struct{}
}

func newGatedWorker(ids ...string) *gatedWorker {
	w := &gatedWorker{
		gates:   make(map[string]chan struct{}),
		started: make(map[string]chan struct{}),
	}
	for _, id := range ids {
		w.gates[id] = make(chan struct{})
		w.started[id] = make(chan struct{})
	}
	return w
}

func (w *gatedWorker) Step(ctx context.Context, task *Task, step, total int) (StepResult, error) {
	if step == 0 {
		w.mu.Lock()
		gate, gated := w.gates[task.ID]
		started := w.started[task.ID]
		w.mu.Unlock()

		if gated {
			close(started)
			select {
			case <-gate:
			case <-ctx.Done():
			}
		}
	}
	time.Sleep(time.Millisecond)
	return StepResult{}, nil
}

func (w *gatedWorker) release(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	close(w.gates[id])
}

func (w *gatedWorker) waitStarted(t *testing.T, id string) {
	t.Helper()
	w.mu.Lock()
	ch := w.started[id]
	w.mu.Unlock()

	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("task %s never started", id)
	}
}

// recorder collects events delivered through a handler subscription.
type recorder struct {
	mu     sync.Mutex
	events []events.TaskEvent
}

func record(bus *events.EventBus, topics ...string) *recorder {
	r := &recorder{}
	bus.SubscribeFunc(func(ev events.Event) {
		if te, ok := ev.(events.TaskEvent); ok {
			r.mu.Lock()
			r.events = append(r.events, te)
			r.mu.Unlock()
		}
	}, topics...)
	return r
}

func (r *recorder) snapshot() []events.TaskEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.TaskEvent(nil), r.events...)
}

func (r *recorder) count(topic, taskID string) int {
	n := 0
	for _, ev := range r.snapshot() {
		if ev.Topic == topic && ev.ID == taskID {
			n++
		}
	}
	return n
}

// missingDep keeps a task pending forever.
var missingDep = []TaskDependency{{TaskID: "never-created", Type: FinishToStart}}
