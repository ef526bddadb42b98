package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrMigrationActive is returned when a second run is started while one is
// already in flight or a resumable checkpoint exists.
var ErrMigrationActive = errors.New("a migration is already in progress")

// Controller is the pause/resume/cancel facade over the engine. Commands
// are translated into cooperative session flags; the engine observes them
// between batches. All commands are idempotent: pausing an already-paused
// run or cancelling a finished one is a no-op.
type Controller struct {
	engine      *Engine
	checkpoints *CheckpointStore

	mu       sync.Mutex
	session  *Session // nil while no run is in flight
	running  bool
	last     Progress
	hasLast  bool
	runDone  chan struct{}
	runErr   error
	onResume func()
}

// NewController builds the engine from cfg and wraps it. The caller's
// OnProgress callback still fires; the controller additionally caches the
// latest snapshot for polling via Progress.
func NewController(cfg EngineConfig) (*Controller, error) {
	c := &Controller{}

	userProgress := cfg.Callbacks.OnProgress
	cfg.Callbacks.OnProgress = func(p Progress) {
		c.mu.Lock()
		c.last = p
		c.hasLast = true
		c.mu.Unlock()
		if userProgress != nil {
			userProgress(p)
		}
	}
	c.onResume = cfg.Callbacks.OnResume

	engine, err := NewEngine(cfg)
	if err != nil {
		return nil, err
	}
	c.engine = engine
	c.checkpoints = cfg.Checkpoints
	return c, nil
}

// Start begins a fresh migration. It refuses to start while a run is in
// flight or while a resumable checkpoint exists (resume or abandon first).
// The run executes on a background goroutine; use Wait for the outcome.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return ErrMigrationActive
	}

	existing, ok, err := c.checkpoints.Load(ctx)
	if err != nil {
		return err
	}
	if ok && existing.Resumable() {
		return fmt.Errorf("%w: checkpoint from %s (resume or abandon it first)",
			ErrMigrationActive, existing.StartedAt.Format("2006-01-02 15:04:05"))
	}

	checkpoint := NewCheckpoint(uuid.NewString(), c.engine.sourceName, c.engine.destName)
	c.launch(ctx, newSession(checkpoint))
	return nil
}

// Resume restarts the engine from the persisted checkpoint. It is a no-op
// (nil error) when nothing resumable exists and a run is not in flight.
func (c *Controller) Resume(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}

	checkpoint, ok, err := c.checkpoints.Load(ctx)
	if err != nil {
		return err
	}
	if !ok || !checkpoint.Resumable() {
		return nil
	}
	if checkpoint.Source != c.engine.sourceName || checkpoint.Destination != c.engine.destName {
		return fmt.Errorf("checkpoint direction %s->%s does not match engine %s->%s",
			checkpoint.Source, checkpoint.Destination, c.engine.sourceName, c.engine.destName)
	}

	if c.onResume != nil {
		c.onResume()
	}
	c.launch(ctx, newSession(checkpoint))
	return nil
}

// launch starts the engine goroutine. Caller holds c.mu.
func (c *Controller) launch(ctx context.Context, s *Session) {
	c.session = s
	c.running = true
	c.runDone = make(chan struct{})
	c.runErr = nil

	done := c.runDone
	go func() {
		err := c.engine.Run(ctx, s)

		c.mu.Lock()
		c.running = false
		c.runErr = err
		c.mu.Unlock()
		close(done)
	}()
}

// Wait blocks until the current run yields (completed, paused, cancelled or
// failed) and returns the run error. Returns immediately when no run is in
// flight.
func (c *Controller) Wait() error {
	c.mu.Lock()
	done := c.runDone
	err := c.runErr
	c.mu.Unlock()

	if done == nil {
		return err
	}
	<-done

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runErr
}

// Pause requests a cooperative pause. No-op when no run is in flight.
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running || c.session == nil {
		return
	}
	c.session.RequestPause()
}

// Cancel requests cancellation. When a run is in flight the engine observes
// the flag at the next batch boundary; when only a dormant checkpoint
// exists it is cleared directly. No-op otherwise.
func (c *Controller) Cancel(ctx context.Context) error {
	c.mu.Lock()
	if c.running && c.session != nil {
		c.session.RequestCancel()
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	checkpoint, ok, err := c.checkpoints.Load(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := c.checkpoints.Clear(ctx); err != nil {
		return err
	}
	if c.engine.callbacks.OnCancel != nil {
		c.engine.callbacks.OnCancel(CancellationInfo{
			SessionID:      checkpoint.SessionID,
			Phase:          checkpoint.Phase,
			ItemsProcessed: checkpoint.ItemsProcessed,
		})
	}
	return nil
}

// CanResume reports whether a resumable checkpoint exists in the store.
func (c *Controller) CanResume(ctx context.Context) bool {
	checkpoint, ok, err := c.checkpoints.Load(ctx)
	return err == nil && ok && checkpoint.Resumable()
}

// ResumeData returns the persisted checkpoint, if any. The caller must not
// mutate it.
func (c *Controller) ResumeData(ctx context.Context) (*Checkpoint, bool, error) {
	return c.checkpoints.Load(ctx)
}

// Progress returns the latest published snapshot and whether one exists.
func (c *Controller) Progress() (Progress, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.hasLast
}

// Running reports whether a run is currently in flight.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
