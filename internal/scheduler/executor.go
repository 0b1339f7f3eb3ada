package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/swarmcore/internal/events"
)

// StepResult is what a worker reports after one step.
type StepResult struct {
	State     map[string]any // Merged into the task's scratch state
	Artifacts []string       // Appended to the scratch state's artifact list
	Log       string         // Appended to the execution log when non-empty
}

// Worker executes one progress step of a task. Cancellation is observed by the
// engine between steps; a worker may also watch ctx.
type Worker interface {
	Step(ctx context.Context, task *Task, step, total int) (StepResult, error)
}

// WorkerFunc adapts a function to Worker.
type WorkerFunc func(ctx context.Context, task *Task, step, total int) (StepResult, error)

func (f WorkerFunc) Step(ctx context.Context, task *Task, step, total int) (StepResult, error) {
	return f(ctx, task, step, total)
}

// SimulatedWorker sleeps Interval per step. The sleep ignores ctx so a step in
// progress always runs to completion.
type SimulatedWorker struct {
	Interval time.Duration
}

func (w SimulatedWorker) Step(_ context.Context, _ *Task, step, total int) (StepResult, error) {
	time.Sleep(w.Interval)
	return StepResult{Log: fmt.Sprintf("step %d/%d", step+1, total)}, nil
}

// execute runs the step loop for one execution attempt. A checkpoint is taken
// at the start of every quarter of the steps.
func (e *Engine) execute(ctx context.Context, task *Task, execID string) {
	total := e.cfg.StepCount
	quarter := total / 4
	if quarter < 1 {
		quarter = 1
	}

	var runErr error
	for step := 0; step < total; step++ {
		if ctx.Err() != nil {
			runErr = fmt.Errorf("execution aborted at step %d: %w", step, context.Cause(ctx))
			break
		}

		if step%quarter == 0 {
			if _, err := e.CreateCheckpoint(task.ID, fmt.Sprintf("Progress checkpoint at step %d", step)); err != nil {
				e.log.Warn("checkpoint failed", zap.String("task", task.ID), zap.Error(err))
			}
		}

		res, err := e.runStep(ctx, task, step, total)
		if err != nil {
			runErr = err
			break
		}
		e.recordStep(task.ID, execID, step, total, res)
	}

	e.finish(task.ID, execID, runErr)
}

// runStep converts a worker panic into a step error.
func (e *Engine) runStep(ctx context.Context, task *Task, step, total int) (res StepResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic at step %d: %v", step, r)
		}
	}()
	return e.worker.Step(ctx, task, step, total)
}

func (e *Engine) recordStep(taskID, execID string, step, total int, res StepResult) {
	e.mu.Lock()
	defer e.mu.Unlock()

	task, ok := e.tasks[taskID]
	if !ok || task.Status != StatusRunning {
		return
	}
	rt, ok := e.running[taskID]
	if !ok || rt.execID != execID {
		return
	}

	progress := (step + 1) * 100 / total
	task.ProgressPercentage = progress

	st := e.state[taskID]
	if st == nil {
		st = make(map[string]any)
		e.state[taskID] = st
	}
	for k, v := range res.State {
		st[k] = v
	}
	st["step"] = step + 1
	st["progress"] = progress
	if len(res.Artifacts) > 0 {
		artifacts, _ := st["artifacts"].([]string)
		st["artifacts"] = append(append([]string(nil), artifacts...), res.Artifacts...)
	}

	if exec := e.latestExecLocked(taskID); exec != nil && exec.ID == execID {
		exec.Progress = progress
		exec.Metrics.StepsCompleted = step + 1
		if res.Log != "" {
			exec.Logs = append(exec.Logs, ExecutionLog{Timestamp: time.Now(), Level: "info", Message: res.Log})
		}
	}
}

// finish records the outcome of an execution attempt. Resources are released
// whatever the outcome.
func (e *Engine) finish(taskID, execID string, runErr error) {
	e.mu.Lock()

	e.resources.ReleaseAll(taskID)
	if rt, ok := e.running[taskID]; ok && rt.execID == execID {
		rt.cancel(nil)
		delete(e.running, taskID)
	}

	task := e.tasks[taskID]
	exec := e.latestExecLocked(taskID)
	if exec != nil && exec.ID != execID {
		exec = nil
	}
	now := time.Now()
	if exec != nil {
		exec.CompletedAt = &now
		exec.Metrics.Duration = now.Sub(exec.StartedAt)
		exec.Metrics.CheckpointCount = len(task.Checkpoints)
	}

	switch {
	case task.Status == StatusCancelled:
		// Cancelled in flight: the task keeps its cancelled status
		if exec != nil {
			exec.Status = ExecutionFailed
			exec.Error = cancellationError(runErr).Error()
		}

	case runErr == nil:
		task.Status = StatusCompleted
		task.ProgressPercentage = 100
		task.CompletedAt = &now
		task.Output = map[string]any{
			"result":      fmt.Sprintf("Task %s completed successfully", task.ID),
			"completedAt": now,
			"state":       cloneMap(e.state[taskID]),
		}
		if exec != nil {
			exec.Status = ExecutionCompleted
			exec.Progress = 100
		}
		e.emitLocked(events.TopicTaskCompleted, task, func(ev *events.TaskEvent) {
			ev.Result = cloneMap(task.Output)
			if exec != nil {
				ev.Duration = exec.Metrics.Duration
			}
		})
		e.markDirtyLocked(task)
		e.onCompletedLocked(task)

	default:
		task.Status = StatusFailed
		task.Error = runErr.Error()
		task.CompletedAt = &now
		if exec != nil {
			exec.Status = ExecutionFailed
			exec.Error = runErr.Error()
			exec.Logs = append(exec.Logs, ExecutionLog{Timestamp: now, Level: "error", Message: runErr.Error()})
		}
		final := e.closed || !shouldRetry(task)
		e.emitLocked(events.TopicTaskFailed, task, func(ev *events.TaskEvent) {
			ev.Err = runErr
			ev.Final = final
			if exec != nil {
				ev.Duration = exec.Metrics.Duration
			}
		})
		e.markDirtyLocked(task)
		e.retryLocked(task)
	}

	// Read before unlocking: a retry timer may reschedule the task right after.
	failed := runErr != nil && task.Status != StatusCancelled
	retries := task.RetryCount

	e.drainLocked()
	e.unlockAndFlush()

	if failed {
		e.log.Warn("task failed", zap.String("task", taskID), zap.Int("retryCount", retries), zap.Error(runErr))
	}
}

func cancellationError(runErr error) error {
	if runErr != nil && errors.Is(runErr, ErrTaskCancelled) {
		return runErr
	}
	return fmt.Errorf("execution aborted: %w", ErrTaskCancelled)
}

// retryLocked resets a failed task to pending and re-submits it after the
// backoff delay, while attempts remain.
func (e *Engine) retryLocked(task *Task) {
	if e.closed || !shouldRetry(task) {
		return
	}

	delay := retryDelay(task.RetryPolicy, task.RetryCount)
	task.RetryCount++
	task.Metadata["retryCount"] = task.RetryCount
	task.Status = StatusPending
	e.markDirtyLocked(task)

	id := task.ID
	e.timers[id] = time.AfterFunc(delay, func() { e.resubmit(id) })

	e.log.Info("task retry scheduled",
		zap.String("task", id),
		zap.Int("attempt", task.RetryCount),
		zap.Duration("delay", delay))
}

func (e *Engine) resubmit(taskID string) {
	e.mu.Lock()
	if _, ok := e.timers[taskID]; !ok {
		// Stopped by cancel or close
		e.mu.Unlock()
		return
	}
	delete(e.timers, taskID)

	if task, ok := e.tasks[taskID]; ok {
		e.scheduleLocked(task)
	}
	e.drainLocked()
	e.unlockAndFlush()
}
