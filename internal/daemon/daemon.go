// Package daemon provides the background watcher that keeps the active store
// in sync with the member files.
//
// The daemon:
// 1. Watches .crew/members/ for file changes
// 2. Applies debounced changes to the active store
// 3. Runs a scheduled full reconciliation as a safety net
// 4. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/crewbase/crew/internal/roster"
)

// Config holds configuration for the daemon.
type Config struct {
	// DebounceInterval is how long to wait before processing file changes.
	// This batches rapid updates (editor save-then-rename, git checkout)
	// together.
	DebounceInterval time.Duration

	// FullSyncSchedule is a cron expression for the periodic full
	// reconciliation, e.g. "@every 5m". Empty disables the schedule.
	FullSyncSchedule string

	// LogFile, when set, sends daemon logs to a size-rotated file instead
	// of stderr.
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int

	// Logger overrides the log destination entirely. Takes precedence
	// over LogFile.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 100 * time.Millisecond,
		FullSyncSchedule: "@every 5m",
		LogMaxSizeMB:     10,
		LogMaxBackups:    3,
	}
}

// Daemon orchestrates file watching and store synchronization.
type Daemon struct {
	roster     *roster.Service
	membersDir string
	config     *Config
	logger     *log.Logger
	logCloser  io.Closer

	watcher       *fsnotify.Watcher
	cron          *cron.Cron
	changeQueue   map[string]time.Time
	changeQueueMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon syncing membersDir through the given roster service.
func New(svc *roster.Service, membersDir string, config *Config) (*Daemon, error) {
	if svc == nil {
		return nil, fmt.Errorf("roster service cannot be nil")
	}
	if membersDir == "" {
		return nil, fmt.Errorf("membersDir cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = 100 * time.Millisecond
	}

	logger := config.Logger
	var logCloser io.Closer
	if logger == nil {
		out := io.Writer(os.Stderr)
		if config.LogFile != "" {
			rotated := &lumberjack.Logger{
				Filename:   config.LogFile,
				MaxSize:    config.LogMaxSizeMB,
				MaxBackups: config.LogMaxBackups,
			}
			out = rotated
			logCloser = rotated
		}
		logger = log.New(out, "[daemon] ", log.LstdFlags)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		roster:      svc,
		membersDir:  membersDir,
		config:      config,
		logger:      logger,
		logCloser:   logCloser,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start begins the daemon's operation.
//
// The daemon performs a full reconciliation, then watches for member file
// changes and applies them with debouncing. This blocks until ctx is
// cancelled or startup fails.
func (d *Daemon) Start(ctx context.Context) error {
	d.logger.Println("Starting daemon")

	if err := d.fullSync(); err != nil {
		return fmt.Errorf("initial sync failed: %w", err)
	}

	if err := d.watcher.Add(d.membersDir); err != nil {
		return fmt.Errorf("failed to watch members directory: %w", err)
	}
	d.logger.Printf("Watching: %s", d.membersDir)

	if d.config.FullSyncSchedule != "" {
		d.cron = cron.New()
		if _, err := d.cron.AddFunc(d.config.FullSyncSchedule, func() {
			if err := d.fullSync(); err != nil {
				d.logger.Printf("Scheduled sync failed: %v", err)
			}
		}); err != nil {
			return fmt.Errorf("invalid full sync schedule %q: %w", d.config.FullSyncSchedule, err)
		}
		d.cron.Start()
		d.logger.Printf("Scheduled full sync: %s", d.config.FullSyncSchedule)
	}

	d.wg.Add(2)
	go d.watchFileEvents()
	go d.processChangeQueue()

	select {
	case <-ctx.Done():
		d.logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.logger.Println("Stopping daemon")

	d.cancel()

	if d.cron != nil {
		<-d.cron.Stop().Done()
	}
	if err := d.watcher.Close(); err != nil {
		d.logger.Printf("Error closing watcher: %v", err)
	}
	d.wg.Wait()

	d.logger.Println("Daemon stopped")
	if d.logCloser != nil {
		_ = d.logCloser.Close()
	}
	return nil
}

// fullSync reconciles every member file into the active store.
func (d *Daemon) fullSync() error {
	result, err := d.roster.SyncFromFiles(d.ctx)
	if err != nil {
		return err
	}
	for _, e := range result.Errors {
		d.logger.Printf("WARNING: %v", e)
	}
	d.logger.Printf("Full sync complete: %d upserted, %d deleted", result.Upserted, result.Deleted)
	return nil
}

// watchFileEvents monitors filesystem events and queues changes.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}

			// Only care about Create, Write, Remove, Rename. A rename's
			// new name triggers its own create.
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}

			d.logger.Printf("File event: %s %s", event.Op, event.Name)
			d.queueChange(event.Name)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange adds a file to the change queue with debouncing.
func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()
	d.changeQueue[path] = time.Now()
}

// processChangeQueue processes queued file changes with debouncing.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.processPendingChanges()
		}
	}
}

// processPendingChanges syncs files that have been quiet for long enough.
func (d *Daemon) processPendingChanges() {
	d.changeQueueMu.Lock()
	var ready []string
	now := time.Now()
	for path, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		ready = append(ready, path)
		delete(d.changeQueue, path)
	}
	d.changeQueueMu.Unlock()

	for _, path := range ready {
		d.logger.Printf("Processing change: %s", path)
		if err := d.roster.SyncFile(d.ctx, path); err != nil {
			d.logger.Printf("Error syncing %s: %v", path, err)
		}
	}
}

// PendingChanges returns the number of queued, not-yet-applied changes.
func (d *Daemon) PendingChanges() int {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()
	return len(d.changeQueue)
}
