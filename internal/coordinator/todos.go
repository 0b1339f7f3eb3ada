package coordinator

import (
	"context"
	"fmt"
	"slices"
	"time"

	"dario.cat/mergo"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aristath/swarmcore/internal/events"
	"github.com/aristath/swarmcore/internal/memory"
	"github.com/aristath/swarmcore/internal/scheduler"
)

// TodoStatus is the lifecycle state of a todo.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
	TodoCancelled  TodoStatus = "cancelled"
)

// IsTerminal reports whether the todo can no longer progress.
func (s TodoStatus) IsTerminal() bool {
	return s == TodoCompleted || s == TodoCancelled
}

// TodoPriority is a planning-level priority.
type TodoPriority string

const (
	PriorityCritical TodoPriority = "critical"
	PriorityHigh     TodoPriority = "high"
	PriorityMedium   TodoPriority = "medium"
	PriorityLow      TodoPriority = "low"
)

// PriorityToNumber maps a todo priority to a task priority. Unknown values map to 50.
func PriorityToNumber(p TodoPriority) int {
	switch p {
	case PriorityCritical:
		return 90
	case PriorityHigh:
		return 80
	case PriorityLow:
		return 20
	default:
		return 50
	}
}

// TodoItem is a planning-level unit of work. Dependencies name the memory
// keys of other todos.
type TodoItem struct {
	ID                string         `json:"id"`
	Content           string         `json:"content"`
	Status            TodoStatus     `json:"status"`
	Priority          TodoPriority   `json:"priority"`
	Dependencies      []string       `json:"dependencies,omitempty"`
	BatchOptimized    bool           `json:"batchOptimized"`
	ParallelExecution bool           `json:"parallelExecution"`
	MemoryKey         string         `json:"memoryKey"`
	Tags              []string       `json:"tags,omitempty"`
	AssignedAgent     string         `json:"assignedAgent,omitempty"`
	SessionID         string         `json:"sessionId"`
	BatchID           string         `json:"batchId"`
	Strategy          string         `json:"strategy"`
	BackingTaskID     string         `json:"backingTaskId,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

func (t *TodoItem) clone() *TodoItem {
	cp := *t
	cp.Dependencies = slices.Clone(t.Dependencies)
	cp.Tags = slices.Clone(t.Tags)
	if t.Metadata != nil {
		cp.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// TodoOptions qualify CreateTaskTodos.
type TodoOptions struct {
	Strategy          string         // research, development, analysis; anything else uses the generic breakdown
	Context           map[string]any // Copied into every todo's metadata
	AssignedAgent     string
	BatchOptimized    bool
	ParallelExecution bool
}

// TodoFilter selects todos in ReadTodos. Zero-valued fields do not filter.
type TodoFilter struct {
	Statuses       []TodoStatus
	Priorities     []TodoPriority
	AssignedAgent  string
	Tags           []string // Todos must carry at least one
	BatchOptimized *bool
}

// Metadata keys linking tasks and todos.
const (
	metaTodoID    = "todoId"
	metaTaskID    = "taskId"
	metaMemoryKey = "memoryKey"
	metaSessionID = "sessionId"
	metaBatchID   = "batchId"
)

func newID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

// CreateTaskTodos decomposes objective into the strategy's todo breakdown.
// Dependencies inside the breakdown are expressed as memory keys. With memory
// coordination enabled every todo is mirrored under task_coordination, tagged
// with the session ID.
func (c *Coordinator) CreateTaskTodos(ctx context.Context, objective string, opts TodoOptions) ([]*TodoItem, error) {
	templates := c.tmpl.forStrategy(opts.Strategy)
	strategy := opts.Strategy
	if _, ok := c.tmpl[strategy]; !ok {
		strategy = defaultStrategy
	}

	batchID := newID("batch")
	now := time.Now()
	keys := make(map[string]string, len(templates))

	todos := make([]*TodoItem, 0, len(templates))
	for _, tpl := range templates {
		memKey := fmt.Sprintf("todo_%s_%s", tpl.Key, batchID)
		keys[tpl.Key] = memKey

		deps := make([]string, 0, len(tpl.DependsOn))
		for _, dep := range tpl.DependsOn {
			deps = append(deps, keys[dep])
		}

		meta := make(map[string]any, len(opts.Context)+1)
		for k, v := range opts.Context {
			meta[k] = v
		}
		meta["objective"] = objective

		todos = append(todos, &TodoItem{
			ID:                newID("todo"),
			Content:           tpl.render(objective),
			Status:            TodoPending,
			Priority:          tpl.Priority,
			Dependencies:      deps,
			BatchOptimized:    opts.BatchOptimized,
			ParallelExecution: opts.ParallelExecution,
			MemoryKey:         memKey,
			Tags:              slices.Clone(tpl.Tags),
			AssignedAgent:     opts.AssignedAgent,
			SessionID:         c.cfg.SessionID,
			BatchID:           batchID,
			Strategy:          strategy,
			Metadata:          meta,
			CreatedAt:         now,
			UpdatedAt:         now,
		})
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	ids := make([]string, 0, len(todos))
	out := make([]*TodoItem, 0, len(todos))
	for _, todo := range todos {
		c.todos[todo.ID] = todo
		c.order = append(c.order, todo.ID)
		ids = append(ids, todo.ID)
		out = append(out, todo.clone())
	}
	c.changedLocked()
	c.mu.Unlock()

	for _, todo := range out {
		c.persistTodo(ctx, todo)
	}

	c.publish(events.TodosCreatedEvent{SessionID: c.cfg.SessionID, BatchID: batchID, TodoIDs: ids, Timestamp: now})
	c.log.Info("todos created",
		zap.String("strategy", strategy),
		zap.String("batch", batchID),
		zap.Int("count", len(out)))
	return out, nil
}

// UpdateTodoProgress sets a todo's status and merges metadata into it. The
// pending to in_progress transition spawns a backing task, unless metadata
// already names one under "taskId".
func (c *Coordinator) UpdateTodoProgress(ctx context.Context, todoID string, status TodoStatus, metadata map[string]any) (*TodoItem, error) {
	c.mu.Lock()
	todo, ok := c.todos[todoID]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTodoNotFound, todoID)
	}

	if todo.Metadata == nil {
		todo.Metadata = make(map[string]any)
	}
	if len(metadata) > 0 {
		if err := mergo.Merge(&todo.Metadata, metadata, mergo.WithOverride); err != nil {
			c.mu.Unlock()
			return nil, fmt.Errorf("failed to merge todo metadata: %w", err)
		}
	}
	if id, ok := metadata[metaTaskID].(string); ok && id != "" {
		todo.BackingTaskID = id
	}

	old := todo.Status
	todo.Status = status
	todo.UpdatedAt = time.Now()
	if status != old {
		delete(c.failures, todoID)
	}

	var spawn *scheduler.Task
	if old == TodoPending && status == TodoInProgress && todo.BackingTaskID == "" {
		spawn = c.taskFromTodoLocked(todo)
		todo.BackingTaskID = spawn.ID
	}
	c.changedLocked()
	updated := todo.clone()
	c.mu.Unlock()

	if spawn != nil {
		if _, err := c.engine.CreateTask(*spawn); err != nil {
			c.mu.Lock()
			todo.BackingTaskID = ""
			todo.Status = old
			c.changedLocked()
			c.mu.Unlock()
			return nil, fmt.Errorf("failed to create task for todo %s: %w", todoID, err)
		}
		c.log.Debug("backing task created", zap.String("todo", todoID), zap.String("task", spawn.ID))
	}

	c.persistTodo(ctx, updated)
	c.publish(events.TodoUpdatedEvent{
		TodoID:    todoID,
		OldStatus: string(old),
		NewStatus: string(status),
		BackingID: updated.BackingTaskID,
		Timestamp: updated.UpdatedAt,
	})
	return updated, nil
}

// taskFromTodoLocked builds the backing task for todo. It depends
// finish-to-start on the backing tasks of the todos it depends on, where
// those exist.
func (c *Coordinator) taskFromTodoLocked(todo *TodoItem) *scheduler.Task {
	var deps []scheduler.TaskDependency
	for _, key := range todo.Dependencies {
		for _, id := range c.order {
			other := c.todos[id]
			if other.MemoryKey == key && other.BackingTaskID != "" {
				deps = append(deps, scheduler.TaskDependency{TaskID: other.BackingTaskID, Type: scheduler.FinishToStart})
			}
		}
	}

	return &scheduler.Task{
		ID:            newID("task"),
		Type:          todo.Strategy,
		Description:   todo.Content,
		Priority:      PriorityToNumber(todo.Priority),
		Dependencies:  deps,
		AssignedAgent: todo.AssignedAgent,
		Tags:          slices.Clone(todo.Tags),
		Input:         map[string]any{"content": todo.Content, "objective": todo.Metadata["objective"]},
		Metadata: map[string]any{
			metaTodoID:    todo.ID,
			metaMemoryKey: todo.MemoryKey,
			metaSessionID: todo.SessionID,
			metaBatchID:   todo.BatchID,
		},
	}
}

// ReadTodos returns the session's todos that match filter, in creation order.
// With memory coordination the session's todos are those recorded in memory
// under its tag; otherwise they are the todos created for that session.
func (c *Coordinator) ReadTodos(sessionID string, filter TodoFilter) []*TodoItem {
	var inSession map[string]bool
	if c.cfg.MemoryCoordination {
		entries := c.mem.Query(memory.Query{Namespace: NamespaceTasks, Tags: []string{"todo", sessionID}})
		inSession = make(map[string]bool, len(entries))
		for _, e := range entries {
			inSession[e.Key] = true
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*TodoItem
	for _, id := range c.order {
		todo := c.todos[id]
		if inSession != nil {
			if !inSession[todo.MemoryKey] {
				continue
			}
		} else if todo.SessionID != sessionID {
			continue
		}
		if matchesTodo(todo, filter) {
			out = append(out, todo.clone())
		}
	}
	return out
}

func matchesTodo(t *TodoItem, f TodoFilter) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, t.Status) {
		return false
	}
	if len(f.Priorities) > 0 && !slices.Contains(f.Priorities, t.Priority) {
		return false
	}
	if f.AssignedAgent != "" && t.AssignedAgent != f.AssignedAgent {
		return false
	}
	if len(f.Tags) > 0 && !slices.ContainsFunc(f.Tags, func(tag string) bool { return slices.Contains(t.Tags, tag) }) {
		return false
	}
	if f.BatchOptimized != nil && t.BatchOptimized != *f.BatchOptimized {
		return false
	}
	return true
}

// GetTodo returns a copy of the todo.
func (c *Coordinator) GetTodo(todoID string) (*TodoItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	todo, ok := c.todos[todoID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTodoNotFound, todoID)
	}
	return todo.clone(), nil
}

// todoByTask finds the todo backed by taskID.
func (c *Coordinator) todoByTask(taskID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range c.order {
		if c.todos[id].BackingTaskID == taskID {
			return id, true
		}
	}
	return "", false
}

// AwaitTodos blocks until every listed todo is completed or cancelled, or ctx
// is done. It returns ErrTodoFailed as soon as a listed todo's backing task has
// failed with no retry left, since neither it nor its dependents can finish.
func (c *Coordinator) AwaitTodos(ctx context.Context, todoIDs ...string) error {
	for {
		c.mu.Lock()
		pending := 0
		for _, id := range todoIDs {
			todo, ok := c.todos[id]
			if !ok {
				c.mu.Unlock()
				return fmt.Errorf("%w: %s", ErrTodoNotFound, id)
			}
			if todo.Status.IsTerminal() {
				continue
			}
			if msg, failed := c.failures[id]; failed {
				c.mu.Unlock()
				return fmt.Errorf("%w: %s: %s", ErrTodoFailed, id, msg)
			}
			pending++
		}
		closed := c.closed
		ch := c.notify
		c.mu.Unlock()

		if pending == 0 {
			return nil
		}
		if closed {
			return ErrClosed
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Coordinator) persistTodo(ctx context.Context, todo *TodoItem) {
	if !c.cfg.MemoryCoordination {
		return
	}
	opts := memory.StoreOptions{
		Namespace: NamespaceTasks,
		Tags:      []string{"todo", todo.SessionID, string(todo.Status), string(todo.Priority)},
	}
	if err := c.StoreInMemory(ctx, todo.MemoryKey, todo, opts); err != nil {
		c.log.Warn("failed to record todo", zap.String("todo", todo.ID), zap.Error(err))
	}
}
