package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/crewbase/crew/internal/store"
	"github.com/crewbase/crew/internal/ui"
)

var initWorkspaceName string

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a crew workspace in the current directory",
	Long: `Create the .crew directory with a workspace manifest, the members
directory, and both store databases.

The local store starts as the active store; 'crew migrate start' promotes
the roster to the sync store later.`,
	Run: func(cmd *cobra.Command, args []string) {
		if existing := findCrewDir(); existing != "" {
			exitErr("workspace already initialized at %s", existing)
		}

		cwd, err := os.Getwd()
		if err != nil {
			exitErr("%v", err)
		}
		crewDir := filepath.Join(cwd, crewDirName)

		name := initWorkspaceName
		if name == "" {
			name = filepath.Base(cwd)
		}

		if err := os.MkdirAll(filepath.Join(crewDir, "members"), 0755); err != nil {
			exitErr("failed to create members directory: %v", err)
		}

		manifest := &store.Manifest{
			Workspace:   name,
			ActiveStore: store.StoreLocal,
			Stores: map[string]string{
				store.StoreLocal: filepath.Join(crewDirName, "local.db"),
				store.StoreSync:  filepath.Join(crewDirName, "sync.db"),
			},
		}
		if err := store.SaveManifest(filepath.Join(crewDir, "workspace.toml"), manifest); err != nil {
			exitErr("failed to write workspace manifest: %v", err)
		}

		ctx := context.Background()
		for _, storeName := range []string{store.StoreLocal, store.StoreSync} {
			db, err := store.Open(filepath.Join(crewDir, storeName+".db"))
			if err != nil {
				exitErr("failed to create %s store: %v", storeName, err)
			}
			if err := db.InitSchema(ctx); err != nil {
				exitErr("failed to initialize %s store: %v", storeName, err)
			}
			if err := db.Close(); err != nil {
				exitErr("failed to close %s store: %v", storeName, err)
			}
		}

		fmt.Println(ui.Successf("Initialized crew workspace %q", name))
		fmt.Printf("   Members:  %s\n", filepath.Join(crewDirName, "members"))
		fmt.Printf("   Active:   %s (%s)\n", store.StoreLocal, filepath.Join(crewDirName, "local.db"))
		fmt.Printf("   Manifest: %s\n", filepath.Join(crewDirName, "workspace.toml"))
	},
}

func init() {
	initCmd.Flags().StringVar(&initWorkspaceName, "name", "", "workspace name (defaults to the directory name)")
	rootCmd.AddCommand(initCmd)
}
