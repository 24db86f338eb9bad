// Command trellis manages a personal task graph: a local SQLite store of
// tasks linked into a multi-parent hierarchy, synced to a per-identity cloud
// document store.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/trellisdev/trellis/internal/config"
	"github.com/trellisdev/trellis/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "trellis",
	Short: "Offline-first task graph with cloud sync",
	Long: `Trellis keeps your tasks in a local SQLite database, organized as a
multi-parent hierarchy with an independent blocking relation, and syncs them
to a per-identity cloud document store.

All commands work offline; changes queue durably and flow to the cloud the
next time a sync runs.`,
	SilenceUsage: true,
}

func main() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "tasks", Title: "Task commands:"},
		&cobra.Group{ID: "graph", Title: "Graph commands:"},
		&cobra.Group{ID: "sync", Title: "Sync commands:"},
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// fatal prints an error and exits. Used by command bodies after any cleanup.
func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// openStore loads the config, ensures the data directory exists, and opens
// the graph database with its schema in place.
func openStore() (*store.Store, *config.Config) {
	cfg, err := config.Load()
	if err != nil {
		fatal("failed to load config: %v", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		fatal("failed to create data directory: %v", err)
	}

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		fatal("failed to open database: %v", err)
	}
	if err := st.InitSchema(); err != nil {
		st.Close()
		fatal("failed to initialize schema: %v", err)
	}

	return st, cfg
}
