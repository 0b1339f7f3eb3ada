package scheduler

import (
	"slices"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"   // Waiting for dependencies (or for a retry timer)
	StatusQueued    TaskStatus = "queued"    // In the ready queue, waiting for a slot and resources
	StatusRunning   TaskStatus = "running"   // Currently executing
	StatusCompleted TaskStatus = "completed" // Finished successfully
	StatusFailed    TaskStatus = "failed"    // Finished with error
	StatusCancelled TaskStatus = "cancelled" // Cancelled by a caller or a cancelled dependency
)

// DependencyType names how a dependency constrains its dependent.
type DependencyType string

const (
	FinishToStart  DependencyType = "finish-to-start"
	StartToStart   DependencyType = "start-to-start"
	FinishToFinish DependencyType = "finish-to-finish"
	StartToFinish  DependencyType = "start-to-finish"
)

// RollbackStrategy selects the checkpoint a rollback restores.
type RollbackStrategy string

const (
	RollbackPreviousCheckpoint RollbackStrategy = "previous-checkpoint"
	RollbackInitialState       RollbackStrategy = "initial-state"
)

// TaskDependency references another task. Lag is recorded but does not delay scheduling.
type TaskDependency struct {
	TaskID string         `json:"taskId"`
	Type   DependencyType `json:"type"`
	Lag    time.Duration  `json:"lag,omitempty"`
}

// ResourceRequirement asks for a registered resource while the task runs.
type ResourceRequirement struct {
	ResourceID string `json:"resourceId"`
	Exclusive  bool   `json:"exclusive"`
}

// RetryPolicy bounds automatic re-submission after a failure.
// The Nth retry waits Backoff * BackoffMultiplier^(N-1).
type RetryPolicy struct {
	MaxAttempts       int           `json:"maxAttempts"`
	Backoff           time.Duration `json:"backoff"`
	BackoffMultiplier float64       `json:"backoffMultiplier"`
}

// DefaultRetryPolicy is applied when a task is created without one.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Backoff: time.Second, BackoffMultiplier: 2}
}

// DefaultTimeout is applied when a task is created without a timeout.
// The engine stores it but does not enforce it.
const DefaultTimeout = 300 * time.Second

// Checkpoint is a snapshot of a task's scratch state taken during execution.
type Checkpoint struct {
	ID          string         `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	Description string         `json:"description"`
	State       map[string]any `json:"state"`
	Artifacts   []string       `json:"artifacts,omitempty"`
}

// Task represents a unit of work scheduled by the engine.
type Task struct {
	ID                   string                `json:"id"`
	Type                 string                `json:"type"`
	Description          string                `json:"description"`
	Priority             int                   `json:"priority"`
	Status               TaskStatus            `json:"status"`
	Input                map[string]any        `json:"input,omitempty"`
	Dependencies         []TaskDependency      `json:"dependencies,omitempty"`
	ResourceRequirements []ResourceRequirement `json:"resourceRequirements,omitempty"`
	RetryPolicy          RetryPolicy           `json:"retryPolicy"`
	Timeout              time.Duration         `json:"timeout"`
	ProgressPercentage   int                   `json:"progressPercentage"`
	Checkpoints          []Checkpoint          `json:"checkpoints"`
	RollbackStrategy     RollbackStrategy      `json:"rollbackStrategy,omitempty"`
	AssignedAgent        string                `json:"assignedAgent,omitempty"`
	Tags                 []string              `json:"tags,omitempty"`
	Deadline             *time.Time            `json:"deadline,omitempty"`
	EstimatedDuration    time.Duration         `json:"estimatedDuration,omitempty"`
	WorkflowID           string                `json:"workflowId,omitempty"`
	Metadata             map[string]any        `json:"metadata,omitempty"`
	RetryCount           int                   `json:"retryCount"`
	Output               map[string]any        `json:"output,omitempty"`
	Error                string                `json:"error,omitempty"`
	CancellationReason   string                `json:"cancellationReason,omitempty"`
	CancelledAt          *time.Time            `json:"cancelledAt,omitempty"`
	CreatedAt            time.Time             `json:"createdAt"`
	StartedAt            *time.Time            `json:"startedAt,omitempty"`
	CompletedAt          *time.Time            `json:"completedAt,omitempty"`
}

// ExecutionStatus is the state of one execution attempt.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// ExecutionLog is one line in an execution's log.
type ExecutionLog struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// ExecutionMetrics summarize an execution attempt.
type ExecutionMetrics struct {
	StepsCompleted  int           `json:"stepsCompleted"`
	StepsTotal      int           `json:"stepsTotal"`
	CheckpointCount int           `json:"checkpointCount"`
	Duration        time.Duration `json:"duration"`
}

// TaskExecution records one attempt at running a task.
type TaskExecution struct {
	ID          string           `json:"id"`
	TaskID      string           `json:"taskId"`
	AgentID     string           `json:"agentId,omitempty"`
	Attempt     int              `json:"attempt"`
	StartedAt   time.Time        `json:"startedAt"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
	Status      ExecutionStatus  `json:"status"`
	Progress    int              `json:"progress"`
	Metrics     ExecutionMetrics `json:"metrics"`
	Logs        []ExecutionLog   `json:"logs,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// IsTerminal reports whether status can no longer change without a retry.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// DependsOn reports whether t lists taskID as a dependency.
func (t *Task) DependsOn(taskID string) bool {
	for _, dep := range t.Dependencies {
		if dep.TaskID == taskID {
			return true
		}
	}
	return false
}

// dependencySatisfied applies the dependency type rules. Finish-to-finish is
// evaluated like finish-to-start and start-to-finish like start-to-start.
func dependencySatisfied(dep TaskDependency, ref *Task) bool {
	if ref == nil {
		return false
	}
	switch dep.Type {
	case StartToStart, StartToFinish:
		return ref.Status != StatusPending
	default:
		return ref.Status == StatusCompleted
	}
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}

	cp := *task
	cp.Input = cloneMap(task.Input)
	cp.Metadata = cloneMap(task.Metadata)
	cp.Output = cloneMap(task.Output)
	cp.Dependencies = slices.Clone(task.Dependencies)
	cp.ResourceRequirements = slices.Clone(task.ResourceRequirements)
	cp.Tags = slices.Clone(task.Tags)
	if task.Checkpoints != nil {
		cp.Checkpoints = make([]Checkpoint, len(task.Checkpoints))
		for i, c := range task.Checkpoints {
			c.State = cloneMap(c.State)
			c.Artifacts = slices.Clone(c.Artifacts)
			cp.Checkpoints[i] = c
		}
	}
	return &cp
}

func cloneExecution(exec *TaskExecution) *TaskExecution {
	if exec == nil {
		return nil
	}
	cp := *exec
	cp.Logs = slices.Clone(exec.Logs)
	return &cp
}

// cloneMap copies the top level of m. Nested values are shared.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
