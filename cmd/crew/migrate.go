package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/crewbase/crew/internal/migration"
	"github.com/crewbase/crew/internal/roster"
	"github.com/crewbase/crew/internal/store"
	"github.com/crewbase/crew/internal/ui"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate the roster between stores",
	Long: `Move the roster from the active store to the other one.

A migration scans the source, transfers members in checkpointed batches,
verifies the destination, and atomically switches the workspace pointer.
It can be paused (Ctrl-C), resumed, and cancelled; interrupted migrations
pick up where they left off.`,
}

// migrationEnv is everything a migrate subcommand needs, with both stores
// open. close() must be called before the process exits.
type migrationEnv struct {
	ws          *workspace
	ctrl        *migration.Controller
	checkpoints *migration.CheckpointStore
	source      string
	destination string
	localDB     *store.DB
	syncDB      *store.DB
	stateDB     *store.DB
}

func (e *migrationEnv) close() {
	_ = e.localDB.Close()
	_ = e.syncDB.Close()
	_ = e.stateDB.Close()
}

// openMigration wires the controller for the workspace's current direction:
// the active store is the source, the other well-known store the
// destination. Checkpoints live in the control database (.crew/state.db),
// never in the stores being migrated, so they survive regardless of
// direction.
//
// The lock manager is per-process: a migration here and a daemon in another
// process do not contend for the roster lock, only for SQLite's busy
// timeout. Stop the daemon before migrating.
func openMigration(ctx context.Context, w *workspace) (*migrationEnv, error) {
	source := w.manifest.ActiveStore
	destination := store.StoreSync
	if source == store.StoreSync {
		destination = store.StoreLocal
	}

	localDB, err := w.openStore(ctx, store.StoreLocal)
	if err != nil {
		return nil, err
	}
	syncDB, err := w.openStore(ctx, store.StoreSync)
	if err != nil {
		_ = localDB.Close()
		return nil, err
	}
	stateDB, err := w.openStateDB(ctx)
	if err != nil {
		_ = localDB.Close()
		_ = syncDB.Close()
		return nil, err
	}

	byName := map[string]*store.DB{
		store.StoreLocal: localDB,
		store.StoreSync:  syncDB,
	}

	checkpoints := migration.NewCheckpointStore(stateDB.Meta())
	reporter := newProgressReporter()

	ctrl, err := migration.NewController(migration.EngineConfig{
		Locks:           w.locks,
		Checkpoints:     checkpoints,
		Source:          byName[source],
		Destination:     byName[destination],
		SourceName:      source,
		DestinationName: destination,
		Pointer:         store.NewFilePointer(w.manifestPath()),
		Resource:        roster.Resource,
		Policy:          w.cfg.Policy(),
		Logger:          log.New(os.Stderr, "[migrate] ", log.LstdFlags),
		Callbacks: migration.Callbacks{
			OnProgress: reporter.report,
			OnPause: func() {
				reporter.line("Paused. Resume with 'crew migrate resume'.")
			},
			OnCancel: func(info migration.CancellationInfo) {
				reporter.line(fmt.Sprintf("Cancelled in %s after %d items. The %s store is untouched.",
					info.Phase, info.ItemsProcessed, source))
			},
		},
	})
	if err != nil {
		_ = localDB.Close()
		_ = syncDB.Close()
		_ = stateDB.Close()
		return nil, err
	}

	return &migrationEnv{
		ws:          w,
		ctrl:        ctrl,
		checkpoints: checkpoints,
		source:      source,
		destination: destination,
		localDB:     localDB,
		syncDB:      syncDB,
		stateDB:     stateDB,
	}, nil
}

// progressReporter renders engine progress: phase changes on their own
// lines, transfer progress as an in-place bar.
type progressReporter struct {
	lastPhase migration.Phase
	inBar     bool
}

func newProgressReporter() *progressReporter {
	return &progressReporter{}
}

func (r *progressReporter) report(p migration.Progress) {
	if p.Phase != r.lastPhase {
		r.endBar()
		r.lastPhase = p.Phase
		switch p.Phase {
		case migration.PhaseScanning:
			fmt.Println("Scanning source...")
		case migration.PhaseTransferring:
			fmt.Println("Transferring...")
		case migration.PhaseVerifying:
			fmt.Println("Verifying destination...")
		case migration.PhaseSwitching:
			fmt.Println("Switching active store...")
		}
	}

	if p.Phase == migration.PhaseTransferring {
		fmt.Printf("\r  %s  %d/%d  %.0f items/s  ETA %s   ",
			ui.ProgressBar(p.Percent, p.Indeterminate, 24),
			p.ItemsProcessed, p.TotalItems, p.ItemsPerSecond, p.ETA)
		r.inBar = true
	}
}

func (r *progressReporter) endBar() {
	if r.inBar {
		fmt.Println()
		r.inBar = false
	}
}

func (r *progressReporter) line(s string) {
	r.endBar()
	fmt.Println(s)
}

// runAndReport blocks on the current run and reports the outcome. The run's
// context carries the signal handler: Ctrl-C pauses at the next batch
// boundary.
func runAndReport(env *migrationEnv) {
	err := env.ctrl.Wait()
	if err != nil {
		fmt.Println(ui.Errorf("Migration failed: %v", err))
		fmt.Println(ui.Styles.Muted.Render("The checkpoint is preserved; fix the cause and run 'crew migrate resume'."))
		os.Exit(1)
	}

	if p, ok := env.ctrl.Progress(); ok && p.Phase == migration.PhaseCompleted {
		fmt.Println(ui.Successf("Migration complete: %s is now the active store (%d members)",
			env.destination, p.ItemsProcessed))
		if p.ErrorCount > 0 {
			fmt.Println(ui.Warnf("%d members failed to transfer:", p.ErrorCount))
			for _, e := range p.Errors {
				fmt.Printf("   %s\n", e)
			}
		}
	}
}

var migrateStartYes bool

var migrateStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start migrating the roster to the other store",
	Run: func(cmd *cobra.Command, args []string) {
		w, err := openWorkspace()
		if err != nil {
			exitErr("%v", err)
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		env, err := openMigration(ctx, w)
		if err != nil {
			exitErr("%v", err)
		}
		defer env.close()

		if !migrateStartYes {
			var confirmed bool
			prompt := huh.NewConfirm().
				Title(fmt.Sprintf("Migrate the roster from %s to %s?", env.source, env.destination)).
				Description("The workspace pointer switches only after the transfer verifies.").
				Value(&confirmed)
			if err := prompt.Run(); err != nil {
				exitErr("%v", err)
			}
			if !confirmed {
				fmt.Println("Aborted.")
				return
			}
		}

		if err := env.ctrl.Start(ctx); err != nil {
			exitErr("%v", err)
		}
		runAndReport(env)
	},
}

var migrateResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume an interrupted migration",
	Run: func(cmd *cobra.Command, args []string) {
		w, err := openWorkspace()
		if err != nil {
			exitErr("%v", err)
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		env, err := openMigration(ctx, w)
		if err != nil {
			exitErr("%v", err)
		}
		defer env.close()

		if !env.ctrl.CanResume(ctx) {
			fmt.Println("Nothing to resume.")
			return
		}
		if err := env.ctrl.Resume(ctx); err != nil {
			exitErr("%v", err)
		}
		runAndReport(env)
	},
}

// migrationStatus is the yaml-serializable status report.
type migrationStatus struct {
	Workspace   string `yaml:"workspace"`
	ActiveStore string `yaml:"active_store"`
	LocalCount  int64  `yaml:"local_members"`
	SyncCount   int64  `yaml:"sync_members"`

	Migration *checkpointStatus `yaml:"migration,omitempty"`
}

type checkpointStatus struct {
	SessionID      string  `yaml:"session_id"`
	Phase          string  `yaml:"phase"`
	Direction      string  `yaml:"direction"`
	ItemsProcessed int64   `yaml:"items_processed"`
	TotalItems     int64   `yaml:"total_items"`
	Percent        float64 `yaml:"percent"`
	ErrorCount     int64   `yaml:"error_count,omitempty"`
	FailureCause   string  `yaml:"failure_cause,omitempty"`
	StartedAt      string  `yaml:"started_at"`
	LastUpdatedAt  string  `yaml:"last_updated_at"`
	Resumable      bool    `yaml:"resumable"`
}

var migrateStatusOutput string

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the stores and any in-flight migration",
	Run: func(cmd *cobra.Command, args []string) {
		w, err := openWorkspace()
		if err != nil {
			exitErr("%v", err)
		}
		ctx := context.Background()

		env, err := openMigration(ctx, w)
		if err != nil {
			exitErr("%v", err)
		}
		defer env.close()

		status := migrationStatus{
			Workspace:   w.manifest.Workspace,
			ActiveStore: w.manifest.ActiveStore,
		}
		if status.LocalCount, err = env.localDB.Count(ctx); err != nil {
			exitErr("%v", err)
		}
		if status.SyncCount, err = env.syncDB.Count(ctx); err != nil {
			exitErr("%v", err)
		}

		checkpoint, ok, err := env.checkpoints.Load(ctx)
		if err != nil {
			exitErr("%v", err)
		}
		if ok {
			cs := &checkpointStatus{
				SessionID:      checkpoint.SessionID,
				Phase:          string(checkpoint.Phase),
				Direction:      checkpoint.Source + " -> " + checkpoint.Destination,
				ItemsProcessed: checkpoint.ItemsProcessed,
				TotalItems:     checkpoint.TotalItems,
				ErrorCount:     checkpoint.ErrorCount,
				FailureCause:   checkpoint.FailureCause,
				StartedAt:      checkpoint.StartedAt.Format(time.RFC3339),
				LastUpdatedAt:  checkpoint.LastUpdatedAt.Format(time.RFC3339),
				Resumable:      checkpoint.Resumable(),
			}
			if checkpoint.TotalItems > 0 {
				cs.Percent = float64(checkpoint.ItemsProcessed) / float64(checkpoint.TotalItems) * 100
			}
			status.Migration = cs
		}

		if migrateStatusOutput == "yaml" {
			out, err := yaml.Marshal(status)
			if err != nil {
				exitErr("%v", err)
			}
			fmt.Print(string(out))
			return
		}

		fmt.Printf("%s\n", ui.Styles.Title.Render(status.Workspace))
		fmt.Printf("  Active store: %s\n", status.ActiveStore)
		fmt.Printf("  Members:      local=%d sync=%d\n", status.LocalCount, status.SyncCount)
		if status.Migration == nil {
			fmt.Println(ui.Styles.Muted.Render("  No migration in progress."))
			return
		}

		m := status.Migration
		fmt.Printf("  Migration:    %s (%s)\n", m.Phase, m.Direction)
		if m.TotalItems > 0 {
			fmt.Printf("  Progress:     %s %d/%d\n",
				ui.ProgressBar(m.Percent, false, 24), m.ItemsProcessed, m.TotalItems)
		}
		if m.ErrorCount > 0 {
			fmt.Println(ui.Warnf("%d item errors so far", m.ErrorCount))
		}
		if m.FailureCause != "" {
			fmt.Println(ui.Errorf("%s", m.FailureCause))
		}
		if m.Resumable {
			fmt.Println(ui.Styles.Muted.Render("  Resume with 'crew migrate resume'."))
		}
	},
}

var migratePauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Mark a crashed migration as cleanly paused",
	Long: `A running foreground migration pauses with Ctrl-C. This command is
for the aftermath of a crash: a checkpoint stuck in an active phase is
marked paused so 'crew migrate status' reflects reality.`,
	Run: func(cmd *cobra.Command, args []string) {
		w, err := openWorkspace()
		if err != nil {
			exitErr("%v", err)
		}
		ctx := context.Background()

		env, err := openMigration(ctx, w)
		if err != nil {
			exitErr("%v", err)
		}
		defer env.close()

		checkpoint, ok, err := env.checkpoints.Load(ctx)
		if err != nil {
			exitErr("%v", err)
		}
		if !ok {
			fmt.Println("No migration to pause.")
			return
		}
		if checkpoint.Phase == migration.PhasePaused {
			fmt.Println("Migration is already paused.")
			return
		}
		if !checkpoint.Phase.CanTransitionTo(migration.PhasePaused) {
			exitErr("cannot pause a migration in phase %s", checkpoint.Phase)
		}

		checkpoint.ResumePhase = checkpoint.Phase
		checkpoint.Phase = migration.PhasePaused
		if err := env.checkpoints.Save(ctx, checkpoint); err != nil {
			exitErr("%v", err)
		}
		fmt.Println(ui.Successf("Migration paused at %d items. Resume with 'crew migrate resume'.",
			checkpoint.ItemsProcessed))
	},
}

var migrateCancelYes bool

var migrateCancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel the interrupted migration and discard its checkpoint",
	Run: func(cmd *cobra.Command, args []string) {
		w, err := openWorkspace()
		if err != nil {
			exitErr("%v", err)
		}
		ctx := context.Background()

		env, err := openMigration(ctx, w)
		if err != nil {
			exitErr("%v", err)
		}
		defer env.close()

		checkpoint, ok, err := env.checkpoints.Load(ctx)
		if err != nil {
			exitErr("%v", err)
		}
		if !ok {
			fmt.Println("No migration to cancel.")
			return
		}

		if !migrateCancelYes {
			var confirmed bool
			prompt := huh.NewConfirm().
				Title(fmt.Sprintf("Cancel the %s -> %s migration?", checkpoint.Source, checkpoint.Destination)).
				Description(fmt.Sprintf("Discards the checkpoint at %d items. The %s store stays active.",
					checkpoint.ItemsProcessed, w.manifest.ActiveStore)).
				Value(&confirmed)
			if err := prompt.Run(); err != nil {
				exitErr("%v", err)
			}
			if !confirmed {
				fmt.Println("Aborted.")
				return
			}
		}

		if err := env.ctrl.Cancel(ctx); err != nil {
			exitErr("%v", err)
		}
	},
}

var migrateAbandonYes bool

var migrateAbandonCmd = &cobra.Command{
	Use:   "abandon",
	Short: "Force-release locks and discard all migration state",
	Long: `Recovery hammer for a wedged workspace: releases every resource
lock and deletes the migration checkpoint. Waiters receive errors rather
than hanging forever. Destination rows already transferred are left in
place; a future migration's upserts converge them.`,
	Run: func(cmd *cobra.Command, args []string) {
		w, err := openWorkspace()
		if err != nil {
			exitErr("%v", err)
		}
		ctx := context.Background()

		env, err := openMigration(ctx, w)
		if err != nil {
			exitErr("%v", err)
		}
		defer env.close()

		if !migrateAbandonYes {
			var confirmed bool
			prompt := huh.NewConfirm().
				Title("Abandon all migration state?").
				Description("Force-releases locks and deletes the checkpoint. Only for a wedged workspace.").
				Value(&confirmed)
			if err := prompt.Run(); err != nil {
				exitErr("%v", err)
			}
			if !confirmed {
				fmt.Println("Aborted.")
				return
			}
		}

		w.locks.ForceReleaseAll()
		if err := env.checkpoints.Clear(ctx); err != nil {
			exitErr("%v", err)
		}
		fmt.Println(ui.Successf("Migration state cleared. The %s store remains active.", w.manifest.ActiveStore))
	},
}

func init() {
	migrateStartCmd.Flags().BoolVarP(&migrateStartYes, "yes", "y", false, "skip the confirmation prompt")
	migrateCancelCmd.Flags().BoolVarP(&migrateCancelYes, "yes", "y", false, "skip the confirmation prompt")
	migrateAbandonCmd.Flags().BoolVarP(&migrateAbandonYes, "yes", "y", false, "skip the confirmation prompt")
	migrateStatusCmd.Flags().StringVar(&migrateStatusOutput, "output", "", "output format: yaml")

	migrateCmd.AddCommand(migrateStartCmd)
	migrateCmd.AddCommand(migrateResumeCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
	migrateCmd.AddCommand(migratePauseCmd)
	migrateCmd.AddCommand(migrateCancelCmd)
	migrateCmd.AddCommand(migrateAbandonCmd)
	rootCmd.AddCommand(migrateCmd)
}
