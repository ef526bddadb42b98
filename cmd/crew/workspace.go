package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/crewbase/crew/internal/config"
	"github.com/crewbase/crew/internal/locking"
	"github.com/crewbase/crew/internal/roster"
	"github.com/crewbase/crew/internal/store"
)

const crewDirName = ".crew"

// workspace bundles everything a command needs: the manifest, the loaded
// config and the resolved paths. Databases are opened on demand.
type workspace struct {
	root     string // directory containing .crew
	crewDir  string
	manifest *store.Manifest
	cfg      *config.Config
	locks    *locking.Manager
}

// findCrewDir walks up from the working directory looking for .crew,
// the same way version control tools find their repository root.
func findCrewDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, crewDirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// openWorkspace locates and loads the workspace. Commands that need an
// initialized workspace call this and exit with guidance when none exists.
func openWorkspace() (*workspace, error) {
	crewDir := findCrewDir()
	if crewDir == "" {
		return nil, fmt.Errorf("no %s directory found (run 'crew init' first)", crewDirName)
	}

	manifest, err := store.LoadManifest(filepath.Join(crewDir, "workspace.toml"))
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(crewDir)
	if err != nil {
		return nil, err
	}

	return &workspace{
		root:     filepath.Dir(crewDir),
		crewDir:  crewDir,
		manifest: manifest,
		cfg:      cfg,
		locks:    locking.NewManager(),
	}, nil
}

func (w *workspace) manifestPath() string {
	return filepath.Join(w.crewDir, "workspace.toml")
}

func (w *workspace) membersDir() string {
	return filepath.Join(w.crewDir, "members")
}

// openStore opens a declared store by name and ensures its schema exists.
func (w *workspace) openStore(ctx context.Context, name string) (*store.DB, error) {
	rel, err := w.manifest.StorePath(name)
	if err != nil {
		return nil, err
	}
	path := rel
	if !filepath.IsAbs(path) {
		path = filepath.Join(w.root, rel)
	}

	db, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// openStateDB opens the control database holding small durable state
// (migration checkpoints). Kept separate from the member stores so control
// state never migrates along with the data.
func (w *workspace) openStateDB(ctx context.Context) (*store.DB, error) {
	db, err := store.Open(filepath.Join(w.crewDir, "state.db"))
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// openActiveStore opens whichever store the workspace pointer names.
func (w *workspace) openActiveStore(ctx context.Context) (*store.DB, error) {
	return w.openStore(ctx, w.manifest.ActiveStore)
}

// rosterService builds the write-path service over the given store.
func (w *workspace) rosterService(db *store.DB) (*roster.Service, error) {
	return roster.NewService(roster.ServiceConfig{
		Locks:       w.locks,
		Store:       db,
		Dir:         w.membersDir(),
		LockTimeout: w.cfg.Migration.LockTimeout,
	})
}
