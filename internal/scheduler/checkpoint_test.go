package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func stateWorker() Worker {
	return WorkerFunc(func(ctx context.Context, task *Task, step, total int) (StepResult, error) {
		return StepResult{
			State:     map[string]any{"lastStep": step},
			Artifacts: []string{fmt.Sprintf("artifact-%d", step)},
		}, nil
	})
}

func TestCheckpointsTakenEveryQuarter(t *testing.T) {
	e, _ := newTestEngine(t, Config{StepCount: 8, Worker: stateWorker()})

	mustCreate(t, e, Task{ID: "steps"})
	task := await(t, e, "steps")

	if len(task.Checkpoints) != 4 {
		t.Fatalf("expected 4 checkpoints, got %d", len(task.Checkpoints))
	}
	for i, cp := range task.Checkpoints {
		want := fmt.Sprintf("Progress checkpoint at step %d", i*2)
		if cp.Description != want {
			t.Errorf("checkpoint %d: expected %q, got %q", i, want, cp.Description)
		}
		if cp.ID == "" || cp.Timestamp.IsZero() {
			t.Errorf("checkpoint %d: missing ID or timestamp", i)
		}
	}
	if got := task.Checkpoints[3].State["step"]; got != 6 {
		t.Errorf("expected last checkpoint at step 6, got %v", got)
	}
	if n := len(task.Checkpoints[3].Artifacts); n != 6 {
		t.Errorf("expected 6 artifacts in last checkpoint, got %d", n)
	}
}

func TestCheckpointsWithFewSteps(t *testing.T) {
	e, _ := newTestEngine(t, Config{StepCount: 2})

	mustCreate(t, e, Task{ID: "short"})
	task := await(t, e, "short")

	if len(task.Checkpoints) != 2 {
		t.Errorf("expected a checkpoint per step, got %d", len(task.Checkpoints))
	}
}

func TestRollbackPreviousCheckpoint(t *testing.T) {
	e, _ := newTestEngine(t, Config{StepCount: 8, Worker: stateWorker()})

	mustCreate(t, e, Task{ID: "prev"})
	await(t, e, "prev")

	if err := e.RollbackTask("prev"); err != nil {
		t.Fatal(err)
	}
	task, _ := e.GetTask("prev")
	if task.ProgressPercentage != 75 {
		t.Errorf("expected progress 75, got %d", task.ProgressPercentage)
	}
	if len(task.Checkpoints) != 4 {
		t.Errorf("expected all 4 checkpoints kept, got %d", len(task.Checkpoints))
	}
	if got := e.TaskState("prev")["step"]; got != 6 {
		t.Errorf("expected state restored to step 6, got %v", got)
	}

	if err := e.RollbackTask("prev"); err != nil {
		t.Fatal(err)
	}
	task, _ = e.GetTask("prev")
	if task.ProgressPercentage != 50 {
		t.Errorf("expected progress 50 after second rollback, got %d", task.ProgressPercentage)
	}
}

func TestRollbackInitialState(t *testing.T) {
	e, _ := newTestEngine(t, Config{StepCount: 8, Worker: stateWorker()})

	mustCreate(t, e, Task{ID: "initial", RollbackStrategy: RollbackInitialState})
	await(t, e, "initial")

	if err := e.RollbackTask("initial"); err != nil {
		t.Fatal(err)
	}
	task, _ := e.GetTask("initial")
	if len(task.Checkpoints) != 1 {
		t.Errorf("expected checkpoints truncated to the first, got %d", len(task.Checkpoints))
	}
	if task.ProgressPercentage != 75 {
		t.Errorf("expected progress 75, got %d", task.ProgressPercentage)
	}
	if _, ok := e.TaskState("initial")["step"]; ok {
		t.Error("expected initial state without step progress")
	}
}

func TestRollbackWithoutCheckpoints(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	mustCreate(t, e, Task{ID: "idle", Dependencies: missingDep})
	if err := e.RollbackTask("idle"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	task, _ := e.GetTask("idle")
	if task.ProgressPercentage != 0 {
		t.Errorf("expected progress unchanged, got %d", task.ProgressPercentage)
	}

	if err := e.RollbackTask("ghost"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestCreateCheckpointManually(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	mustCreate(t, e, Task{ID: "manual", Dependencies: missingDep})
	cp, err := e.CreateCheckpoint("manual", "before migration")
	if err != nil {
		t.Fatal(err)
	}
	if cp.Description != "before migration" || cp.State == nil {
		t.Errorf("unexpected checkpoint %+v", cp)
	}

	task, _ := e.GetTask("manual")
	if len(task.Checkpoints) != 1 {
		t.Errorf("expected 1 checkpoint, got %d", len(task.Checkpoints))
	}

	if _, err := e.CreateCheckpoint("ghost", ""); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}
