package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/aristath/swarmcore/internal/scheduler"
)

func tasksCmd() *cobra.Command {
	var statuses []string

	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List persisted tasks and memory usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if a.store == nil {
				return errors.New("no memory backend configured (set memory.backend to sqlite)")
			}

			filter := make([]scheduler.TaskStatus, 0, len(statuses))
			for _, s := range statuses {
				filter = append(filter, scheduler.TaskStatus(s))
			}
			tasks, err := a.store.ListTasks(cmd.Context(), filter...)
			if err != nil {
				return fmt.Errorf("list tasks: %w", err)
			}
			counts, err := a.store.NamespaceCounts(cmd.Context())
			if err != nil {
				return fmt.Errorf("count memory entries: %w", err)
			}

			if flagJSON {
				return outputJSON(cmd.OutOrStdout(), map[string]any{"tasks": tasks, "memory": counts})
			}
			printTasks(cmd.OutOrStdout(), tasks, counts)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Only list tasks in these statuses")
	return cmd
}

func printTasks(w io.Writer, tasks []*scheduler.Task, counts map[string]int) {
	for _, t := range tasks {
		fmt.Fprintf(w, "%-10s %3d%% p%-3d %s  %s\n", t.Status, t.ProgressPercentage, t.Priority, t.ID, t.Description)
	}
	fmt.Fprintf(w, "%d tasks\n", len(tasks))

	namespaces := make([]string, 0, len(counts))
	for ns := range counts {
		namespaces = append(namespaces, ns)
	}
	sort.Strings(namespaces)
	for _, ns := range namespaces {
		fmt.Fprintf(w, "memory %-20s %d\n", ns, counts[ns])
	}
}

func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
