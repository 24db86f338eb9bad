package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/trellisdev/trellis/internal/store"
	"github.com/trellisdev/trellis/internal/ui"
)

var linkCmd = &cobra.Command{
	Use:     "link <parent-id> <child-id>",
	GroupID: "graph",
	Short:   "List a task under a parent",
	Long: `Add a listed-under edge from parent to child. A task may sit under
any number of parents; the edge is rejected if it would create a cycle.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		st, _ := openStore()
		defer st.Close()

		parent, child := parseID(args[0]), parseID(args[1])
		if err := st.LinkEdge(parent, child); err != nil {
			if errors.Is(err, store.ErrCycle) {
				fatal("linking %d under %d would create a cycle", child, parent)
			}
			fatal("failed to link: %v", err)
		}

		fmt.Printf("%s Task %d listed under %d\n", ui.RenderPass("+"), child, parent)
	},
}

var unlinkCmd = &cobra.Command{
	Use:     "unlink <parent-id> <child-id>",
	GroupID: "graph",
	Short:   "Remove a listed-under edge",
	Args:    cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		st, _ := openStore()
		defer st.Close()

		parent, child := parseID(args[0]), parseID(args[1])
		if err := st.UnlinkEdge(cmd.Context(), parent, child); err != nil {
			fatal("failed to unlink: %v", err)
		}

		fmt.Printf("%s Task %d no longer listed under %d\n", ui.RenderWarn("-"), child, parent)
	},
}

var blockCmd = &cobra.Command{
	Use:     "block <task-id> <blocker-id>",
	GroupID: "graph",
	Short:   "Make one task depend on another",
	Long: `Add a depends-on edge: the first task is blocked until the blocker
completes. The blocking relation is independent of the listing hierarchy and
has its own cycle check.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		st, _ := openStore()
		defer st.Close()

		taskID, blocker := parseID(args[0]), parseID(args[1])
		if err := st.AddDependency(taskID, blocker); err != nil {
			if errors.Is(err, store.ErrCycle) {
				fatal("making %d depend on %d would create a cycle", taskID, blocker)
			}
			fatal("failed to add dependency: %v", err)
		}

		fmt.Printf("%s Task %d now blocked by %d\n", ui.RenderPass("+"), taskID, blocker)
	},
}

var unblockCmd = &cobra.Command{
	Use:     "unblock <task-id> <blocker-id>",
	GroupID: "graph",
	Short:   "Remove a depends-on edge",
	Args:    cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		st, _ := openStore()
		defer st.Close()

		taskID, blocker := parseID(args[0]), parseID(args[1])
		if err := st.RemoveDependency(cmd.Context(), taskID, blocker); err != nil {
			fatal("failed to remove dependency: %v", err)
		}

		fmt.Printf("%s Task %d no longer blocked by %d\n", ui.RenderWarn("-"), taskID, blocker)
	},
}

func init() {
	rootCmd.AddCommand(linkCmd)
	rootCmd.AddCommand(unlinkCmd)
	rootCmd.AddCommand(blockCmd)
	rootCmd.AddCommand(unblockCmd)
}
