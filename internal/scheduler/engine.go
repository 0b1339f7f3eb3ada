package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aristath/swarmcore/internal/events"
	"github.com/aristath/swarmcore/internal/logging"
)

var (
	// ErrTaskNotFound is returned for operations on an unknown task ID.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskCompleted is returned when cancelling a task that already completed.
	ErrTaskCompleted = errors.New("task already completed")
	// ErrDependencyNotFound is returned by GetTaskStatus when a dependency no longer exists.
	ErrDependencyNotFound = errors.New("dependency task not found")
	// ErrTaskExists is returned when creating a task with an ID already in use.
	ErrTaskExists = errors.New("task already exists")
	// ErrTaskCancelled is the cause attached to a cancelled execution.
	ErrTaskCancelled = errors.New("task cancelled")
	// ErrEngineClosed is returned by operations after Close.
	ErrEngineClosed = errors.New("engine closed")
)

// TaskStore persists task snapshots. Saves are best-effort: errors are logged.
type TaskStore interface {
	SaveTask(ctx context.Context, task *Task) error
}

// Config configures the engine.
type Config struct {
	MaxConcurrent  int           // Max tasks in running state (default 4)
	DefaultTimeout time.Duration // Timeout stored on tasks without one (default 300s)
	DefaultRetry   *RetryPolicy  // Retry policy for tasks without one (default 3, 1s, x2)
	StepCount      int           // Progress steps per execution (default 10)
	StepInterval   time.Duration // Step duration for the default worker (default 100ms)
	Worker         Worker        // Executes one step; defaults to a SimulatedWorker
	Store          TaskStore     // Optional snapshot store
	Bus            *events.EventBus
	Logger         *zap.Logger
}

// Engine owns tasks, workflows, executions, resources, the dependency graph and
// the ready queue. Scheduling decisions happen under one lock; task steps run
// on their own goroutines, at most MaxConcurrent at a time.
type Engine struct {
	cfg    Config
	log    *zap.Logger
	bus    *events.EventBus
	worker Worker

	mu         sync.Mutex
	tasks      map[string]*Task
	order      []string // creation order
	executions map[string][]*TaskExecution
	workflows  map[string]*Workflow
	graph      *Graph
	resources  *ResourceRegistry
	queue      readyQueue
	running    map[string]runningTask
	state      map[string]map[string]any // per-task scratch state, restored by rollback
	timers     map[string]*time.Timer    // pending retry re-submissions
	notify     chan struct{}             // closed and replaced after every state change
	closed     bool

	outbox    []events.TaskEvent
	dirty     []*Task
	publishMu sync.Mutex
	wg        sync.WaitGroup
}

type runningTask struct {
	execID string
	cancel context.CancelCauseFunc
}

// NewEngine creates an engine.
func NewEngine(cfg Config) *Engine {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.DefaultRetry == nil {
		p := DefaultRetryPolicy()
		cfg.DefaultRetry = &p
	}
	if cfg.StepCount <= 0 {
		cfg.StepCount = 10
	}
	if cfg.StepInterval <= 0 {
		cfg.StepInterval = 100 * time.Millisecond
	}
	cfg.Logger = logging.OrNop(cfg.Logger)
	worker := cfg.Worker
	if worker == nil {
		worker = SimulatedWorker{Interval: cfg.StepInterval}
	}

	return &Engine{
		cfg:        cfg,
		log:        cfg.Logger.Named("engine"),
		bus:        cfg.Bus,
		worker:     worker,
		tasks:      make(map[string]*Task),
		executions: make(map[string][]*TaskExecution),
		workflows:  make(map[string]*Workflow),
		graph:      NewGraph(),
		resources:  NewResourceRegistry(),
		running:    make(map[string]runningTask),
		state:      make(map[string]map[string]any),
		timers:     make(map[string]*time.Timer),
		notify:     make(chan struct{}),
	}
}

// Resources exposes the resource registry.
func (e *Engine) Resources() *ResourceRegistry {
	return e.resources
}

// RegisterResource adds an unlocked resource to the registry and re-drains the
// queue, since a task may have been waiting for it.
func (e *Engine) RegisterResource(id string) error {
	if err := e.resources.Register(id); err != nil {
		return err
	}
	e.mu.Lock()
	e.drainLocked()
	e.unlockAndFlush()
	return nil
}

// CreateTask fills defaults, registers graph edges, stores the task, emits
// task:created and schedules it if its dependencies are satisfied.
func (e *Engine) CreateTask(data Task) (*Task, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}

	task := cloneTask(&data)
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if _, exists := e.tasks[task.ID]; exists {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTaskExists, task.ID)
	}
	e.applyDefaults(task)

	e.tasks[task.ID] = task
	e.order = append(e.order, task.ID)
	e.graph.AddTask(task.ID, task.Dependencies)

	e.emitLocked(events.TopicTaskCreated, task, nil)
	e.markDirtyLocked(task)
	e.scheduleLocked(task)
	e.drainLocked()

	out := cloneTask(task)
	e.unlockAndFlush()

	e.log.Debug("task created", zap.String("task", out.ID), zap.String("type", out.Type))
	return out, nil
}

func (e *Engine) applyDefaults(task *Task) {
	task.Status = StatusPending
	task.ProgressPercentage = 0
	task.Checkpoints = []Checkpoint{}
	task.RetryCount = 0
	task.Output = nil
	task.Error = ""
	task.CreatedAt = time.Now()
	task.StartedAt = nil
	task.CompletedAt = nil
	if task.RetryPolicy == (RetryPolicy{}) {
		task.RetryPolicy = *e.cfg.DefaultRetry
	}
	if task.Timeout <= 0 {
		task.Timeout = e.cfg.DefaultTimeout
	}
	if task.RollbackStrategy == "" {
		task.RollbackStrategy = RollbackPreviousCheckpoint
	}
	for i := range task.Dependencies {
		if task.Dependencies[i].Type == "" {
			task.Dependencies[i].Type = FinishToStart
		}
	}
	if task.Metadata == nil {
		task.Metadata = make(map[string]any)
	}
	task.Metadata["retryCount"] = 0
}

// GetTask returns a copy of the task.
func (e *Engine) GetTask(taskID string) (*Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	task, ok := e.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return cloneTask(task), nil
}

// ReadyQueue returns the task IDs currently waiting in the ready queue.
func (e *Engine) ReadyQueue() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.Snapshot()
}

// RunningCount returns the number of tasks holding an execution slot.
func (e *Engine) RunningCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

// TaskState returns a copy of the task's scratch state.
func (e *Engine) TaskState(taskID string) map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneMap(e.state[taskID])
}

// Executions returns every execution attempt recorded for the task.
func (e *Engine) Executions(taskID string) []TaskExecution {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]TaskExecution, 0, len(e.executions[taskID]))
	for _, exec := range e.executions[taskID] {
		out = append(out, *cloneExecution(exec))
	}
	return out
}

// DependencyStatus pairs a dependency with its referenced task and whether it is satisfied.
type DependencyStatus struct {
	Dependency TaskDependency
	Task       *Task
	Satisfied  bool
}

// ResourceStatus reports a requirement against the registry.
type ResourceStatus struct {
	Requirement ResourceRequirement
	Resource    *Resource // nil if not registered
	Available   bool
	Allocated   bool // Held by this task
}

// TaskStatusReport is returned by GetTaskStatus.
type TaskStatusReport struct {
	Task         *Task
	Execution    *TaskExecution // Latest attempt, nil if never started
	Dependencies []DependencyStatus
	Dependents   []*Task
	Resources    []ResourceStatus
}

// GetTaskStatus reports a task with its latest execution, dependency
// satisfaction, dependents and resource allocation.
func (e *Engine) GetTaskStatus(taskID string) (*TaskStatusReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	task, ok := e.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	report := &TaskStatusReport{Task: cloneTask(task)}
	if execs := e.executions[taskID]; len(execs) > 0 {
		report.Execution = cloneExecution(execs[len(execs)-1])
	}

	for _, dep := range task.Dependencies {
		ref, ok := e.tasks[dep.TaskID]
		if !ok {
			return nil, fmt.Errorf("task %s: %w: %s", taskID, ErrDependencyNotFound, dep.TaskID)
		}
		report.Dependencies = append(report.Dependencies, DependencyStatus{
			Dependency: dep,
			Task:       cloneTask(ref),
			Satisfied:  dependencySatisfied(dep, ref),
		})
	}

	for _, id := range e.graph.Dependents(taskID) {
		if dt, ok := e.tasks[id]; ok {
			report.Dependents = append(report.Dependents, cloneTask(dt))
		}
	}

	for _, req := range task.ResourceRequirements {
		status := ResourceStatus{Requirement: req}
		if res, ok := e.resources.Get(req.ResourceID); ok {
			status.Resource = &res
			status.Available = !res.Locked
			status.Allocated = e.resources.Holds(taskID, req.ResourceID)
		}
		report.Resources = append(report.Resources, status)
	}

	return report, nil
}

// CancelTask cancels a task that has not completed. With rollback, the task is
// restored to a checkpoint first. Dependents still pending or queued are
// cancelled recursively.
func (e *Engine) CancelTask(taskID, reason string, rollback bool) error {
	e.mu.Lock()

	task, ok := e.tasks[taskID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if task.Status == StatusCompleted {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskCompleted, taskID)
	}

	e.cancelLocked(task, reason, rollback)
	e.drainLocked()
	e.unlockAndFlush()

	e.log.Info("task cancelled", zap.String("task", taskID), zap.String("reason", reason))
	return nil
}

func (e *Engine) cancelLocked(task *Task, reason string, rollback bool) {
	if task.Status == StatusCancelled || task.Status == StatusCompleted {
		return
	}

	if rt, ok := e.running[task.ID]; ok {
		rt.cancel(ErrTaskCancelled)
		delete(e.running, task.ID)
	}
	if timer, ok := e.timers[task.ID]; ok {
		timer.Stop()
		delete(e.timers, task.ID)
	}
	e.queue.Remove(task.ID)
	e.resources.ReleaseAll(task.ID)

	if rollback {
		e.rollbackLocked(task)
	}

	now := time.Now()
	task.Status = StatusCancelled
	task.CancellationReason = reason
	task.CancelledAt = &now
	if exec := e.latestExecLocked(task.ID); exec != nil && exec.Status == ExecutionRunning {
		exec.Status = ExecutionCancelled
		exec.CompletedAt = &now
		exec.Logs = append(exec.Logs, ExecutionLog{Timestamp: now, Level: "warn", Message: "cancelled: " + reason})
	}

	e.emitLocked(events.TopicTaskCancelled, task, func(ev *events.TaskEvent) { ev.Reason = reason })
	e.markDirtyLocked(task)

	for _, id := range e.graph.Dependents(task.ID) {
		dt, ok := e.tasks[id]
		if !ok || !dt.DependsOn(task.ID) {
			continue
		}
		if dt.Status == StatusPending || dt.Status == StatusQueued {
			e.cancelLocked(dt, fmt.Sprintf("Dependency %s was cancelled", task.ID), rollback)
		}
	}
}

// Await blocks until the task is terminal (completed, cancelled, or failed with
// no retry pending) or ctx is done.
func (e *Engine) Await(ctx context.Context, taskID string) (*Task, error) {
	for {
		e.mu.Lock()
		task, ok := e.tasks[taskID]
		if !ok {
			e.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		_, retrying := e.timers[taskID]
		if task.Status.IsTerminal() && !retrying {
			out := cloneTask(task)
			e.mu.Unlock()
			return out, nil
		}
		ch := e.notify
		e.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close stops pending retries, cancels running executions and waits for their
// goroutines to exit. Later operations return ErrEngineClosed.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for id, timer := range e.timers {
		timer.Stop()
		delete(e.timers, id)
	}
	for _, rt := range e.running {
		rt.cancel(ErrEngineClosed)
	}
	e.unlockAndFlush()

	e.wg.Wait()
}

// scheduleLocked moves a pending task whose dependencies are all satisfied onto
// the back of the ready queue.
func (e *Engine) scheduleLocked(task *Task) {
	if e.closed || task.Status != StatusPending {
		return
	}
	if _, retrying := e.timers[task.ID]; retrying {
		return
	}
	for _, dep := range task.Dependencies {
		if !dependencySatisfied(dep, e.tasks[dep.TaskID]) {
			return
		}
	}

	task.Status = StatusQueued
	e.queue.PushBack(task.ID)
	e.emitLocked(events.TopicTaskQueued, task, nil)
	e.markDirtyLocked(task)
}

// drainLocked starts queued tasks while slots are free. A task whose resources
// cannot be acquired goes back on the front of the queue and the pass ends.
func (e *Engine) drainLocked() {
	for !e.closed && len(e.running) < e.cfg.MaxConcurrent {
		id, ok := e.queue.PopFront()
		if !ok {
			return
		}
		task, ok := e.tasks[id]
		if !ok || task.Status != StatusQueued {
			continue
		}
		if !e.resources.AcquireAll(id, task.ResourceRequirements) {
			e.queue.PushFront(id)
			return
		}
		e.startLocked(task)
	}
}

func (e *Engine) startLocked(task *Task) {
	now := time.Now()
	task.Status = StatusRunning
	task.StartedAt = &now

	exec := &TaskExecution{
		ID:        uuid.NewString(),
		TaskID:    task.ID,
		AgentID:   task.AssignedAgent,
		Attempt:   task.RetryCount + 1,
		StartedAt: now,
		Status:    ExecutionRunning,
		Progress:  task.ProgressPercentage,
		Metrics:   ExecutionMetrics{StepsTotal: e.cfg.StepCount},
	}
	e.executions[task.ID] = append(e.executions[task.ID], exec)

	ctx, cancel := context.WithCancelCause(context.Background())
	e.running[task.ID] = runningTask{execID: exec.ID, cancel: cancel}

	e.emitLocked(events.TopicTaskStarted, task, nil)
	e.markDirtyLocked(task)

	snapshot := cloneTask(task)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.execute(ctx, snapshot, exec.ID)
	}()
}

// onCompletedLocked re-checks every dependent of a completed task and pushes
// the now-satisfied ones onto the ready queue.
func (e *Engine) onCompletedLocked(task *Task) {
	for _, id := range e.graph.Dependents(task.ID) {
		if dt, ok := e.tasks[id]; ok {
			e.scheduleLocked(dt)
		}
	}
}

func (e *Engine) latestExecLocked(taskID string) *TaskExecution {
	execs := e.executions[taskID]
	if len(execs) == 0 {
		return nil
	}
	return execs[len(execs)-1]
}

func (e *Engine) emitLocked(topic string, task *Task, mutate func(*events.TaskEvent)) {
	ev := events.TaskEvent{
		Topic:     topic,
		ID:        task.ID,
		Type:      task.Type,
		Status:    string(task.Status),
		AgentID:   task.AssignedAgent,
		Metadata:  cloneMap(task.Metadata),
		Timestamp: time.Now(),
	}
	if mutate != nil {
		mutate(&ev)
	}
	e.outbox = append(e.outbox, ev)
}

func (e *Engine) markDirtyLocked(task *Task) {
	if e.cfg.Store != nil {
		e.dirty = append(e.dirty, cloneTask(task))
	}
}

// unlockAndFlush releases e.mu, then publishes queued events and saves dirty
// snapshots. publishMu is taken before the unlock so events leave in the order
// they were produced.
func (e *Engine) unlockAndFlush() {
	outbox := e.outbox
	dirty := e.dirty
	e.outbox = nil
	e.dirty = nil
	close(e.notify)
	e.notify = make(chan struct{})

	e.publishMu.Lock()
	e.mu.Unlock()
	defer e.publishMu.Unlock()

	for _, task := range dirty {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.cfg.Store.SaveTask(ctx, task); err != nil {
			e.log.Warn("failed to persist task snapshot", zap.String("task", task.ID), zap.Error(err))
		}
		cancel()
	}

	if e.bus == nil {
		return
	}
	for _, ev := range outbox {
		e.bus.Publish(ev.Topic, ev)
	}
}
