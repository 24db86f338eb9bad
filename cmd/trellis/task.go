package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/trellisdev/trellis/internal/store"
	"github.com/trellisdev/trellis/internal/task"
	"github.com/trellisdev/trellis/internal/ui"
)

var taskCmd = &cobra.Command{
	Use:     "task",
	GroupID: "tasks",
	Short:   "Create, inspect, and update tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create a new task",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		st, _ := openStore()
		defer st.Close()

		priority, _ := cmd.Flags().GetBool("priority")
		quick, _ := cmd.Flags().GetBool("quick")
		under, _ := cmd.Flags().GetInt64("under")

		t := &task.Task{
			Name:      args[0],
			CreatedAt: time.Now(),
			Priority:  priority,
			Quick:     quick,
		}

		if err := st.CreateTask(t); err != nil {
			fatal("failed to create task: %v", err)
		}

		if under > 0 {
			if err := st.LinkEdge(under, t.LocalID); err != nil {
				fatal("created task %d but failed to link under %d: %v", t.LocalID, under, err)
			}
		}

		fmt.Printf("%s Created task %s: %s\n", ui.RenderPass("+"), ui.RenderAccent(strconv.FormatInt(t.LocalID, 10)), t.Name)
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	Long: `List tasks in the graph.

By default every task is shown. Use --roots for top-level tasks only,
--leaves for tasks with no children, or --under to list the children of one
parent.`,
	Run: func(cmd *cobra.Command, args []string) {
		st, _ := openStore()
		defer st.Close()

		roots, _ := cmd.Flags().GetBool("roots")
		leaves, _ := cmd.Flags().GetBool("leaves")
		under, _ := cmd.Flags().GetInt64("under")

		ctx := cmd.Context()

		var tasks []*task.Task
		var err error
		switch {
		case under > 0:
			tasks, err = st.ChildrenOf(ctx, under)
		case roots:
			tasks, err = st.RootTasks(ctx)
		case leaves:
			tasks, err = st.LeafTasks(ctx)
		default:
			tasks, err = st.ListTasks(ctx)
		}
		if err != nil {
			fatal("failed to list tasks: %v", err)
		}

		printTasks(st, tasks)
	},
}

var taskReadyCmd = &cobra.Command{
	Use:     "ready",
	GroupID: "tasks",
	Short:   "List actionable tasks",
	Long: `List tasks that are ready to work on: leaf tasks that are not
completed, not skipped, and not blocked by an incomplete dependency.`,
	Run: func(cmd *cobra.Command, args []string) {
		st, _ := openStore()
		defer st.Close()

		ctx := cmd.Context()

		leaves, err := st.LeafTasks(ctx)
		if err != nil {
			fatal("failed to list leaf tasks: %v", err)
		}

		ids := make([]int64, 0, len(leaves))
		for _, t := range leaves {
			ids = append(ids, t.LocalID)
		}
		blocked, err := st.BlockedTaskIDs(ctx, ids)
		if err != nil {
			fatal("failed to compute blocked tasks: %v", err)
		}

		ready := make([]*task.Task, 0, len(leaves))
		for _, t := range leaves {
			if t.CompletedAt != nil || t.SkippedAt != nil || blocked[t.LocalID] {
				continue
			}
			ready = append(ready, t)
		}

		if len(ready) == 0 {
			fmt.Println(ui.RenderMuted("No tasks ready."))
			return
		}
		printTasks(st, ready)
	},
}

var taskDoneCmd = &cobra.Command{
	Use:   "done <id>",
	Short: "Mark a task completed",
	Args:  cobra.ExactArgs(1),
	Run:   markTimestamp("completed", func(t *task.Task, now time.Time) { t.CompletedAt = &now }),
}

var taskStartCmd = &cobra.Command{
	Use:   "start <id>",
	Short: "Mark a task started",
	Args:  cobra.ExactArgs(1),
	Run:   markTimestamp("started", func(t *task.Task, now time.Time) { t.StartedAt = &now }),
}

var taskSkipCmd = &cobra.Command{
	Use:   "skip <id>",
	Short: "Mark a task skipped",
	Args:  cobra.ExactArgs(1),
	Run:   markTimestamp("skipped", func(t *task.Task, now time.Time) { t.SkippedAt = &now }),
}

var taskWorkedCmd = &cobra.Command{
	Use:   "worked <id>",
	Short: "Record that a task was worked on now",
	Args:  cobra.ExactArgs(1),
	Run:   markTimestamp("worked on", func(t *task.Task, now time.Time) { t.LastWorkedAt = &now }),
}

var taskRenameCmd = &cobra.Command{
	Use:   "rename <id> <name>",
	Short: "Rename a task",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		st, _ := openStore()
		defer st.Close()

		t, err := st.GetTask(parseID(args[0]))
		if err != nil {
			fatal("failed to load task: %v", err)
		}

		t.Name = args[1]
		if err := st.UpdateTask(t); err != nil {
			fatal("failed to rename task: %v", err)
		}

		fmt.Printf("%s Renamed task %d to %s\n", ui.RenderPass("~"), t.LocalID, ui.RenderAccent(t.Name))
	},
}

var taskDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a task and its edges",
	Long: `Delete a task, detaching every edge that touches it. The deletion
propagates to other devices on the next sync.

A snapshot of the task is printed as JSON; pipe it to a file to make the
deletion undoable with 'trellis task restore'.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		st, _ := openStore()
		defer st.Close()

		id := parseID(args[0])
		t, err := st.GetTask(id)
		if err != nil {
			fatal("failed to load task: %v", err)
		}

		snapshot, err := json.Marshal(t)
		if err != nil {
			fatal("failed to snapshot task: %v", err)
		}

		if err := st.DeleteTask(id); err != nil {
			fatal("failed to delete task: %v", err)
		}

		fmt.Fprintf(os.Stderr, "%s Deleted task %d: %s\n", ui.RenderWarn("-"), id, t.Name)
		fmt.Println(string(snapshot))
	},
}

var taskRestoreCmd = &cobra.Command{
	Use:   "restore [file]",
	Short: "Restore a deleted task from a snapshot",
	Long: `Restore a task from the JSON snapshot printed by 'trellis task
delete'. Reads from the given file, or standard input when omitted.

The restored task keeps its original identity, so a restore before the next
sync cancels the queued remote deletion. Edges are not restored; relink as
needed.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var data []byte
		var err error
		if len(args) == 1 {
			data, err = os.ReadFile(args[0])
		} else {
			data, err = io.ReadAll(os.Stdin)
		}
		if err != nil {
			fatal("failed to read snapshot: %v", err)
		}

		var t task.Task
		if err := json.Unmarshal(data, &t); err != nil {
			fatal("failed to parse snapshot: %v", err)
		}

		st, _ := openStore()
		defer st.Close()

		if err := st.RestoreTask(&t); err != nil {
			fatal("failed to restore task: %v", err)
		}

		fmt.Printf("%s Restored task %s: %s\n", ui.RenderPass("+"), ui.RenderAccent(strconv.FormatInt(t.LocalID, 10)), t.Name)
	},
}

// markTimestamp builds a Run handler that stamps one lifecycle timestamp.
func markTimestamp(verb string, set func(*task.Task, time.Time)) func(*cobra.Command, []string) {
	return func(cmd *cobra.Command, args []string) {
		st, _ := openStore()
		defer st.Close()

		t, err := st.GetTask(parseID(args[0]))
		if err != nil {
			fatal("failed to load task: %v", err)
		}

		set(t, time.Now())
		if err := st.UpdateTask(t); err != nil {
			fatal("failed to update task: %v", err)
		}

		fmt.Printf("%s Task %d %s: %s\n", ui.RenderPass("✓"), t.LocalID, verb, t.Name)
	}
}

func parseID(s string) int64 {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		fatal("invalid task id %q", s)
	}
	return id
}

// printTasks renders one task per line with id, flags, and blocked markers.
func printTasks(st *store.Store, tasks []*task.Task) {
	if len(tasks) == 0 {
		fmt.Println(ui.RenderMuted("No tasks."))
		return
	}

	ids := make([]int64, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.LocalID)
	}
	blocked, err := st.BlockedTaskIDs(context.Background(), ids)
	if err != nil {
		fatal("failed to compute blocked tasks: %v", err)
	}

	for _, t := range tasks {
		name := t.Name
		switch {
		case t.CompletedAt != nil:
			name = ui.RenderDone(name)
		case t.SkippedAt != nil:
			name = ui.RenderMuted(name)
		}

		flags := ""
		if t.Priority {
			flags += ui.RenderAccent("!")
		}
		if t.Quick {
			flags += ui.RenderMuted("~")
		}
		if blocked[t.LocalID] {
			flags += ui.RenderWarn(" [blocked]")
		}
		if t.SyncStatus == task.StatusPending {
			flags += ui.RenderMuted(" *")
		}

		fmt.Printf("%4d  %s%s\n", t.LocalID, name, flags)
	}
}

func init() {
	taskAddCmd.Flags().BoolP("priority", "p", false, "Flag the task as priority")
	taskAddCmd.Flags().BoolP("quick", "q", false, "Flag the task as quick")
	taskAddCmd.Flags().Int64P("under", "u", 0, "Link the new task under this parent id")

	taskListCmd.Flags().Bool("roots", false, "Only tasks with no parents")
	taskListCmd.Flags().Bool("leaves", false, "Only tasks with no children")
	taskListCmd.Flags().Int64P("under", "u", 0, "Children of this parent id")

	taskCmd.AddCommand(taskAddCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskDoneCmd)
	taskCmd.AddCommand(taskStartCmd)
	taskCmd.AddCommand(taskSkipCmd)
	taskCmd.AddCommand(taskWorkedCmd)
	taskCmd.AddCommand(taskRenameCmd)
	taskCmd.AddCommand(taskDeleteCmd)
	taskCmd.AddCommand(taskRestoreCmd)

	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(taskReadyCmd)
}
