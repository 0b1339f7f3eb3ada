package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/swarmcore/internal/events"
	"github.com/aristath/swarmcore/internal/memory"
)

// ExecutionRecord is the history entry written for every task lifecycle event
// after creation.
type ExecutionRecord struct {
	TaskID    string         `json:"taskId"`
	Event     string         `json:"event"`
	Status    string         `json:"status"`
	AgentID   string         `json:"agentId,omitempty"`
	TodoID    string         `json:"todoId,omitempty"`
	Result    any            `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Duration  time.Duration  `json:"duration,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// handleEvent reacts to engine lifecycle events. It runs on the bus's handler
// goroutine, in publish order.
func (c *Coordinator) handleEvent(ev events.Event) {
	te, ok := ev.(events.TaskEvent)
	if !ok {
		return
	}

	ctx, cancel := persistContext()
	defer cancel()

	todoID := c.todoForEvent(te)

	switch te.Topic {
	case events.TopicTaskCreated:
		if todoID != "" {
			c.advanceTodo(todoID, TodoInProgress, map[string]any{metaTaskID: te.ID})
		}
		return

	case events.TopicTaskCompleted:
		c.recordExecution(ctx, te, todoID)
		if todoID != "" {
			c.advanceTodo(todoID, TodoCompleted, map[string]any{
				metaTaskID:    te.ID,
				"result":      te.Result,
				"completedAt": te.Timestamp,
			})
		}

	case events.TopicTaskCancelled:
		c.recordExecution(ctx, te, todoID)
		if todoID != "" {
			c.advanceTodo(todoID, TodoCancelled, map[string]any{metaTaskID: te.ID, "cancellationReason": te.Reason})
		}

	case events.TopicTaskFailed:
		c.recordExecution(ctx, te, todoID)
		if todoID != "" && te.Final {
			c.recordFailure(todoID, te)
		}

	case events.TopicTaskStarted:
		c.recordExecution(ctx, te, todoID)
	}
}

// recordFailure notes that todoID's backing task will not run again. The todo
// keeps its status.
func (c *Coordinator) recordFailure(todoID string, te events.TaskEvent) {
	msg := "task failed"
	if te.Err != nil {
		msg = te.Err.Error()
	}

	c.mu.Lock()
	todo, ok := c.todos[todoID]
	if !ok || todo.Status.IsTerminal() {
		c.mu.Unlock()
		return
	}
	c.failures[todoID] = msg
	c.changedLocked()
	c.mu.Unlock()

	c.log.Warn("todo backing task failed", zap.String("todo", todoID), zap.String("task", te.ID), zap.String("error", msg))
}

// todoForEvent resolves the todo behind a task event: the todoId metadata
// key first, then the backing task ID.
func (c *Coordinator) todoForEvent(te events.TaskEvent) string {
	if id, ok := te.Metadata[metaTodoID].(string); ok && id != "" {
		return id
	}
	if id, ok := c.todoByTask(te.ID); ok {
		return id
	}
	return ""
}

func (c *Coordinator) advanceTodo(todoID string, status TodoStatus, metadata map[string]any) {
	ctx, cancel := persistContext()
	defer cancel()

	if _, err := c.UpdateTodoProgress(ctx, todoID, status, metadata); err != nil {
		if errors.Is(err, ErrTodoNotFound) {
			c.log.Debug("task references unknown todo", zap.String("todo", todoID))
			return
		}
		c.log.Warn("failed to advance todo", zap.String("todo", todoID), zap.String("status", string(status)), zap.Error(err))
	}
}

func (c *Coordinator) recordExecution(ctx context.Context, te events.TaskEvent, todoID string) {
	rec := ExecutionRecord{
		TaskID:    te.ID,
		Event:     te.Topic,
		Status:    te.Status,
		AgentID:   te.AgentID,
		TodoID:    todoID,
		Result:    te.Result,
		Reason:    te.Reason,
		Duration:  te.Duration,
		Metadata:  te.Metadata,
		Timestamp: te.Timestamp,
	}
	if te.Err != nil {
		rec.Error = te.Err.Error()
	}

	kind := strings.TrimPrefix(te.Topic, "task:")
	key := fmt.Sprintf("execution_%s_%s_%d", te.ID, kind, te.Timestamp.UnixNano())
	opts := memory.StoreOptions{
		Namespace: NamespaceExec,
		Tags:      []string{"execution", kind, te.ID},
	}
	if err := c.StoreInMemory(ctx, key, rec, opts); err != nil {
		c.log.Warn("failed to record execution history", zap.String("task", te.ID), zap.Error(err))
	}
}
