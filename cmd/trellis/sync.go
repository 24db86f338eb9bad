package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/trellisdev/trellis/internal/auth"
	"github.com/trellisdev/trellis/internal/config"
	"github.com/trellisdev/trellis/internal/dashboard"
	"github.com/trellisdev/trellis/internal/remote"
	"github.com/trellisdev/trellis/internal/store"
	"github.com/trellisdev/trellis/internal/sync"
	"github.com/trellisdev/trellis/internal/task"
	"github.com/trellisdev/trellis/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Manage cloud synchronization",
}

var syncNowCmd = &cobra.Command{
	Use:   "now",
	Short: "Run one push then pull pass immediately",
	Run: func(cmd *cobra.Command, args []string) {
		st, cfg := openStore()
		defer st.Close()

		mgr := newAuthManager(cfg, nil)
		if !mgr.SignedIn() {
			fatal("not signed in; deposit credentials at %s/%s first", cfg.DataDir, auth.CredentialsFile)
		}

		coord := newCoordinator(st, cfg, mgr, nil)
		defer coord.Stop()

		fmt.Printf("%s Syncing...\n", ui.RenderAccent("⇅"))
		start := time.Now()

		if err := coord.SyncNow(cmd.Context()); err != nil {
			fatal("sync failed: %v", err)
		}

		fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
	},
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local sync state",
	Run: func(cmd *cobra.Command, args []string) {
		st, cfg := openStore()
		defer st.Close()

		ctx := cmd.Context()

		mgr := newAuthManager(cfg, nil)

		outbox, err := st.OutboxCount(ctx)
		if err != nil {
			fatal("failed to read outbox: %v", err)
		}
		pending, err := st.PendingTasks(ctx)
		if err != nil {
			fatal("failed to read pending tasks: %v", err)
		}

		fmt.Printf("\n%s Sync Status\n\n", ui.RenderAccent("⇅"))
		if mgr.SignedIn() {
			identity := mgr.Identity()
			fmt.Printf("Identity: %s\n", identity)

			checkpoint, err := st.Checkpoint(ctx, identity)
			if err != nil {
				fatal("failed to read checkpoint: %v", err)
			}
			if checkpoint > 0 {
				fmt.Printf("Last pull checkpoint: %s\n", time.UnixMilli(checkpoint).Format("2006-01-02 15:04:05"))
			} else {
				fmt.Printf("Last pull checkpoint: %s\n", ui.RenderMuted("never"))
			}
		} else {
			fmt.Printf("Identity: %s\n", ui.RenderWarn("signed out"))
		}
		fmt.Printf("Queued operations: %d\n", outbox)
		fmt.Printf("Pending tasks: %d\n", len(pending))
		fmt.Println()
	},
}

var syncDaemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync daemon (foreground)",
	Long: `Run the sync scheduler in the foreground.

The daemon debounces a push after every local mutation, pulls remote changes
periodically, and serves a WebSocket dashboard of graph activity. It watches
the credentials file, so a sign-in from another process resumes a halted
schedule without a restart; switching to a different identity requires a
restart.`,
	Run: func(cmd *cobra.Command, args []string) {
		st, cfg := openStore()
		defer st.Close()

		noDashboard, _ := cmd.Flags().GetBool("no-dashboard")

		logger := log.New(&lumberjack.Logger{
			Filename:   cfg.LogPath(),
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}, "", log.LstdFlags)

		mgr := newAuthManager(cfg, logger)
		if !mgr.SignedIn() {
			fmt.Fprintf(os.Stderr, "%s Not signed in; daemon will idle until credentials appear at %s/%s\n",
				ui.RenderWarn("⚠"), cfg.DataDir, auth.CredentialsFile)
		}

		var dash *dashboard.Server
		if !noDashboard {
			dash = dashboard.NewServer(&dashboard.Config{Port: cfg.DashboardPort, Logger: logger})
			if err := dash.Start(); err != nil {
				fatal("failed to start dashboard: %v", err)
			}
			fmt.Printf("   Dashboard: ws://localhost:%d/ws\n", cfg.DashboardPort)
		}

		coord := newCoordinator(st, cfg, mgr, logger)
		if dash != nil {
			coord.OnStateChange(func(state sync.State, lastErr error) {
				errMsg := ""
				if lastErr != nil {
					errMsg = lastErr.Error()
				}
				dash.BroadcastSyncState(string(state), errMsg)
			})
		}

		st.SetObserver(func(e task.Event) {
			coord.NotifyMutation()
			if dash != nil {
				dash.BroadcastEvent(e)
				broadcastStats(st, dash)
			}
		})

		watcher, err := auth.NewCredentialsWatcher(cfg.DataDir)
		if err != nil {
			fatal("failed to create credentials watcher: %v", err)
		}
		if err := watcher.Start(); err != nil {
			fatal("failed to watch credentials: %v", err)
		}

		coord.Start()

		fmt.Printf("%s Sync daemon running (log: %s)\n", ui.RenderAccent("⇅"), cfg.LogPath())
		fmt.Println("Press Ctrl+C to stop")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case <-watcher.Events():
				if err := coord.ResumeScheduling(); err != nil {
					logger.Printf("Credentials changed but reload failed: %v", err)
				}
			case err := <-watcher.Errors():
				logger.Printf("Credentials watcher error: %v", err)
			}
		}

		fmt.Println("\nShutting down...")
		_ = watcher.Stop()
		coord.Stop()
		if dash != nil {
			_ = dash.Stop()
		}
		fmt.Println("Daemon stopped")
	},
}

// broadcastStats pushes the current graph counters to dashboard clients.
// Failures are ignored; the next mutation refreshes the counters anyway.
func broadcastStats(st *store.Store, dash *dashboard.Server) {
	ctx := context.Background()
	tasks, err := st.TaskCount(ctx)
	if err != nil {
		return
	}
	edges, err := st.EdgeCount(ctx)
	if err != nil {
		return
	}
	outbox, err := st.OutboxCount(ctx)
	if err != nil {
		return
	}
	dash.BroadcastStats(dashboard.StatsData{Tasks: tasks, Edges: edges, Outbox: outbox})
}

// newAuthManager builds the credential manager with an oauth2 refresher
// pointed at the configured token endpoint.
func newAuthManager(cfg *config.Config, logger *log.Logger) *auth.Manager {
	refresher := &auth.OAuthRefresher{
		Config: &oauth2.Config{
			ClientID: cfg.OAuthClientID,
			Endpoint: oauth2.Endpoint{TokenURL: cfg.OAuthTokenURL},
		},
	}

	mgr, err := auth.NewManager(cfg.DataDir, refresher, logger)
	if err != nil {
		fatal("failed to load credentials: %v", err)
	}
	return mgr
}

// newCoordinator wires the push and pull engines under one scheduler.
func newCoordinator(st *store.Store, cfg *config.Config, mgr *auth.Manager, logger *log.Logger) *sync.Coordinator {
	client := remote.New(cfg.RemoteBaseURL, mgr.Identity, mgr, cfg.RemoteTimeout)

	return sync.NewCoordinator(
		st,
		sync.NewPusher(st, client, logger),
		sync.NewPuller(st, client, logger),
		mgr,
		&sync.Config{
			DebounceInterval: cfg.DebounceInterval,
			PullInterval:     cfg.PullInterval,
			Logger:           logger,
		},
	)
}

func init() {
	syncDaemonCmd.Flags().Bool("no-dashboard", false, "Disable the WebSocket dashboard")

	syncCmd.AddCommand(syncNowCmd)
	syncCmd.AddCommand(syncStatusCmd)
	syncCmd.AddCommand(syncDaemonCmd)
	rootCmd.AddCommand(syncCmd)
}
