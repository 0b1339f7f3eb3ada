package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aristath/swarmcore/internal/coordinator"
	"github.com/aristath/swarmcore/internal/scheduler"
)

const settleTimeout = 2 * time.Second

func runCmd() *cobra.Command {
	var (
		objective string
		strategy  string
		agent     string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Break an objective into todos and execute them",
		RunE: func(cmd *cobra.Command, args []string) error {
			if objective == "" {
				return errors.New("--objective is required")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			watchConfig(a.log)

			todos, err := a.runObjective(ctx, objective, coordinator.TodoOptions{Strategy: strategy, AssignedAgent: agent})
			if todos == nil {
				return err
			}
			if flagJSON {
				if jerr := outputJSON(cmd.OutOrStdout(), todos); jerr != nil {
					return jerr
				}
			} else {
				printTodos(cmd.OutOrStdout(), todos)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&objective, "objective", "", "Objective to decompose")
	cmd.Flags().StringVar(&strategy, "strategy", "default", "Breakdown strategy: research, development, analysis or default")
	cmd.Flags().StringVar(&agent, "agent", "", "Agent assigned to every todo")
	return cmd
}

// runObjective creates the strategy's todos, starts them in breakdown order
// and waits for all of them. On interruption, or once a backing task fails for
// good, the outstanding backing tasks are cancelled.
func (a *app) runObjective(ctx context.Context, objective string, opts coordinator.TodoOptions) ([]*coordinator.TodoItem, error) {
	todos, err := a.coord.CreateTaskTodos(ctx, objective, opts)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(todos))
	for _, todo := range todos {
		if _, err := a.coord.UpdateTodoProgress(ctx, todo.ID, coordinator.TodoInProgress, nil); err != nil {
			return nil, err
		}
		ids = append(ids, todo.ID)
	}

	waitErr := a.coord.AwaitTodos(ctx, ids...)
	switch {
	case waitErr == nil:
	case ctx.Err() != nil:
		a.log.Warn("interrupted, cancelling outstanding tasks")
		a.settle(a.cancelOutstanding(ids, "interrupted"))
		waitErr = ctx.Err()
	case errors.Is(waitErr, coordinator.ErrTodoFailed):
		a.log.Warn("todo failed, cancelling outstanding tasks", zap.Error(waitErr))
		a.settle(a.cancelOutstanding(ids, "dependency failed"))
	default:
		return nil, waitErr
	}

	out := make([]*coordinator.TodoItem, 0, len(ids))
	for _, id := range ids {
		todo, err := a.coord.GetTodo(id)
		if err != nil {
			return nil, err
		}
		out = append(out, todo)
	}

	completed := 0
	for _, todo := range out {
		if todo.Status == coordinator.TodoCompleted {
			completed++
		}
	}
	a.log.Info("objective finished",
		zap.String("session", a.coord.SessionID()),
		zap.Int("todos", len(out)),
		zap.Int("completed", completed))
	return out, waitErr
}

// cancelOutstanding cancels the backing tasks of unfinished todos and returns
// the todos it cancelled. Failed tasks are left as they are.
func (a *app) cancelOutstanding(todoIDs []string, reason string) []string {
	var cancelled []string
	for _, id := range todoIDs {
		todo, err := a.coord.GetTodo(id)
		if err != nil || todo.BackingTaskID == "" || todo.Status.IsTerminal() {
			continue
		}
		if task, err := a.engine.GetTask(todo.BackingTaskID); err == nil && task.Status == scheduler.StatusFailed {
			continue
		}
		err = a.engine.CancelTask(todo.BackingTaskID, reason, false)
		switch {
		case err == nil:
			cancelled = append(cancelled, id)
		case !errors.Is(err, scheduler.ErrTaskCompleted):
			a.log.Warn("failed to cancel task", zap.String("task", todo.BackingTaskID), zap.Error(err))
		}
	}
	return cancelled
}

// settle waits briefly for cancelled todos to observe their task:cancelled
// events so the printed statuses are final.
func (a *app) settle(todoIDs []string) {
	if len(todoIDs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	if err := a.coord.AwaitTodos(ctx, todoIDs...); err != nil {
		a.log.Debug("cancelled todos did not settle", zap.Error(err))
	}
}

func printTodos(w io.Writer, todos []*coordinator.TodoItem) {
	for _, todo := range todos {
		fmt.Fprintf(w, "%-12s %-9s %s\n", todo.Status, todo.Priority, todo.Content)
		if todo.BackingTaskID != "" {
			fmt.Fprintf(w, "             task %s\n", todo.BackingTaskID)
		}
	}
}
