package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrorHandling selects how a workflow reacts to a failed task.
type ErrorHandling string

const (
	FailFast        ErrorHandling = "fail-fast"
	ContinueOnError ErrorHandling = "continue-on-error"
)

// ErrWorkflowNotFound is returned for an unknown workflow ID.
var ErrWorkflowNotFound = errors.New("workflow not found")

// Workflow is a named bundle of tasks. Executing it creates each task in the
// shared graph and queue exactly as CreateTask would.
type Workflow struct {
	ID            string
	Name          string
	Description   string
	Tasks         []Task
	Parallelism   int
	ErrorHandling ErrorHandling
	Variables     map[string]any
	CreatedAt     time.Time
	StartedAt     *time.Time
	TaskIDs       []string // Populated by ExecuteWorkflow
}

// CreateWorkflow registers a workflow definition. Task IDs are assigned where
// missing so tasks can reference each other; dependencies among the workflow's
// own tasks must not form a cycle.
func (e *Engine) CreateWorkflow(wf Workflow) (*Workflow, error) {
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	if wf.ErrorHandling == "" {
		wf.ErrorHandling = FailFast
	}
	tasks := make([]Task, len(wf.Tasks))
	for i, t := range wf.Tasks {
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		t.WorkflowID = wf.ID
		tasks[i] = *cloneTask(&t)
	}
	wf.Tasks = tasks

	if err := ValidateTasks(wf.Tasks); err != nil {
		return nil, fmt.Errorf("workflow %q: %w", wf.Name, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.workflows[wf.ID]; exists {
		return nil, fmt.Errorf("workflow %q already exists", wf.ID)
	}
	wf.CreatedAt = time.Now()
	stored := wf
	e.workflows[wf.ID] = &stored

	out := stored
	return &out, nil
}

// ExecuteWorkflow creates every task of the workflow. A workflow executes once.
func (e *Engine) ExecuteWorkflow(workflowID string) (*Workflow, error) {
	e.mu.Lock()
	wf, ok := e.workflows[workflowID]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	if wf.StartedAt != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("workflow %q already executed", workflowID)
	}
	now := time.Now()
	wf.StartedAt = &now
	tasks := wf.Tasks
	e.mu.Unlock()

	var ids []string
	for _, t := range tasks {
		created, err := e.CreateTask(t)
		if err != nil {
			return nil, fmt.Errorf("workflow %q task %q: %w", workflowID, t.ID, err)
		}
		ids = append(ids, created.ID)
	}

	e.mu.Lock()
	wf.TaskIDs = ids
	out := *wf
	e.mu.Unlock()

	e.log.Info("workflow started", zap.String("workflow", workflowID), zap.Int("tasks", len(ids)))
	return &out, nil
}

// GetWorkflow returns a copy of the workflow.
func (e *Engine) GetWorkflow(workflowID string) (*Workflow, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	wf, ok := e.workflows[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	out := *wf
	return &out, nil
}
