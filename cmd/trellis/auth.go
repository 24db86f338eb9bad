package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/trellisdev/trellis/internal/config"
	"github.com/trellisdev/trellis/internal/ui"
)

var authCmd = &cobra.Command{
	Use:     "auth",
	GroupID: "sync",
	Short:   "Inspect and clear stored credentials",
	Long: `Inspect or clear the stored credentials.

Signing in happens outside this tool: the sign-in flow deposits a
credentials file in the data directory, and a running daemon picks it up
automatically.`,
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the signed-in identity and token expiry",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fatal("failed to load config: %v", err)
		}

		mgr := newAuthManager(cfg, nil)
		if !mgr.SignedIn() {
			fmt.Printf("%s Signed out\n", ui.RenderWarn("⚠"))
			return
		}

		_, expiry, _ := mgr.CurrentToken()
		fmt.Printf("%s Signed in as %s\n", ui.RenderPass("✓"), ui.RenderAccent(mgr.Identity()))
		if expiry.Before(time.Now()) {
			fmt.Printf("Access token: %s (refreshed on next sync)\n", ui.RenderMuted("expired"))
		} else {
			fmt.Printf("Access token: valid until %s\n", expiry.Format("2006-01-02 15:04:05"))
		}
	},
}

var authSignOutCmd = &cobra.Command{
	Use:   "signout",
	Short: "Clear stored credentials",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fatal("failed to load config: %v", err)
		}

		mgr := newAuthManager(cfg, nil)
		if !mgr.SignedIn() {
			fmt.Println(ui.RenderMuted("Already signed out."))
			return
		}

		identity := mgr.Identity()
		if err := mgr.SignOut(); err != nil {
			fatal("failed to sign out: %v", err)
		}

		fmt.Printf("%s Signed out %s\n", ui.RenderPass("✓"), identity)
	},
}

func init() {
	authCmd.AddCommand(authStatusCmd)
	authCmd.AddCommand(authSignOutCmd)
	rootCmd.AddCommand(authCmd)
}
