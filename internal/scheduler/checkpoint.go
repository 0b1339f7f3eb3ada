package scheduler

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// rollbackPenalty is subtracted from reported progress on every rollback,
// whichever checkpoint is restored.
const rollbackPenalty = 25

// CreateCheckpoint snapshots the task's current scratch state.
func (e *Engine) CreateCheckpoint(taskID, description string) (*Checkpoint, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	task, ok := e.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	st := cloneMap(e.state[taskID])
	if st == nil {
		st = make(map[string]any)
	}
	var artifacts []string
	if a, ok := st["artifacts"].([]string); ok {
		artifacts = slices.Clone(a)
	}

	cp := Checkpoint{
		ID:          uuid.NewString(),
		Timestamp:   time.Now(),
		Description: description,
		State:       st,
		Artifacts:   artifacts,
	}
	task.Checkpoints = append(task.Checkpoints, cp)

	out := cp
	out.State = cloneMap(cp.State)
	return &out, nil
}

// RollbackTask restores the task to a checkpoint: the first one under the
// initial-state strategy, otherwise the most recent. Later checkpoints are
// discarded and progress drops by a flat 25 points.
func (e *Engine) RollbackTask(taskID string) error {
	e.mu.Lock()

	task, ok := e.tasks[taskID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if e.rollbackLocked(task) {
		e.markDirtyLocked(task)
	}
	e.unlockAndFlush()
	return nil
}

func (e *Engine) rollbackLocked(task *Task) bool {
	if len(task.Checkpoints) == 0 {
		return false
	}

	idx := len(task.Checkpoints) - 1
	if task.RollbackStrategy == RollbackInitialState {
		idx = 0
	}
	target := task.Checkpoints[idx]
	task.Checkpoints = task.Checkpoints[:idx+1]

	e.state[task.ID] = cloneMap(target.State)

	task.ProgressPercentage -= rollbackPenalty
	if task.ProgressPercentage < 0 {
		task.ProgressPercentage = 0
	}
	return true
}

