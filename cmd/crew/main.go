// Command crew manages a team roster stored in the workspace: member JSON
// files under .crew/members/ mirrored into a SQLite store, with a resumable
// migration path between the on-device store and the sync store.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.3.0"

var rootCmd = &cobra.Command{
	Use:   "crew",
	Short: "Team roster management with promotable storage",
	Long: `crew manages your team roster in the current workspace.

Members live as individual JSON files under .crew/members/ (merge-friendly,
reviewable) and are mirrored into a SQLite store for queries. The roster can
be migrated between the on-device store and the sync store without losing
work: migrations checkpoint after every batch and can be paused, resumed and
cancelled.`,
	SilenceUsage: true,
}

func main() {
	rootCmd.Version = version
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// exitErr prints an error and exits. Used by commands whose failure is
// terminal for the process.
func exitErr(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
