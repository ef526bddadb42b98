package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/crewbase/crew/internal/daemon"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the background sync daemon",
	Long: `Watch .crew/members/ and keep the active store in sync.

The daemon applies file changes with debouncing and runs a scheduled full
reconciliation as a safety net. It runs in the foreground; stop it with
Ctrl-C or SIGTERM.`,
	Run: func(cmd *cobra.Command, args []string) {
		w, err := openWorkspace()
		if err != nil {
			exitErr("%v", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		db, err := w.openActiveStore(ctx)
		if err != nil {
			exitErr("%v", err)
		}
		defer db.Close()

		svc, err := w.rosterService(db)
		if err != nil {
			exitErr("%v", err)
		}

		d, err := daemon.New(svc, w.membersDir(), w.cfg.DaemonConfig())
		if err != nil {
			exitErr("%v", err)
		}

		fmt.Printf("Syncing %s into the %s store (Ctrl-C to stop)\n",
			w.membersDir(), w.manifest.ActiveStore)
		if err := d.Start(ctx); err != nil {
			exitErr("%v", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
