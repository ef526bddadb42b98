package migration

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/crewbase/crew/internal/locking"
	"github.com/crewbase/crew/internal/store"
)

var (
	// ErrVerificationMismatch is the fatal verify-phase failure: the
	// destination's count or checksum does not match what the scan
	// recorded. The workspace pointer is left untouched.
	ErrVerificationMismatch = errors.New("destination content does not match source")

	// ErrTransport marks a store as unreachable. Accessors wrap transient
	// infrastructure failures with it; the engine aborts the run but
	// preserves the checkpoint so the caller can resume instead of
	// starting over.
	ErrTransport = errors.New("store unreachable")
)

// Control-flow sentinels for unwinding the batch loop at a yield point.
var (
	errPauseRequested  = errors.New("pause requested")
	errCancelRequested = errors.New("cancel requested")
)

// Policy bundles the tunable knobs of a migration run. The fatal-error
// thresholds are deliberately configuration, not constants: both an absolute
// cap and a failure ratio are checked, and either one trips the run into
// failed.
type Policy struct {
	// BatchSize bounds how many members are transferred between yield
	// points. Pause and cancel take effect at batch boundaries only.
	BatchSize int

	// MaxItemErrors aborts the run outright once this many per-item
	// failures have accumulated.
	MaxItemErrors int64

	// MaxFailureRatio aborts the run when failed/processed exceeds it,
	// evaluated only after MinRatioSample items so a single early failure
	// cannot dominate the ratio.
	MaxFailureRatio float64
	MinRatioSample  int64

	// LockTimeout bounds the switch phase's lock acquisition.
	LockTimeout time.Duration
}

// DefaultPolicy returns the stock knobs.
func DefaultPolicy() Policy {
	return Policy{
		BatchSize:       50,
		MaxItemErrors:   25,
		MaxFailureRatio: 0.2,
		MinRatioSample:  20,
		LockTimeout:     10 * time.Second,
	}
}

// CancellationInfo is handed to the OnCancel callback.
type CancellationInfo struct {
	SessionID      string
	Phase          Phase // phase the cancellation took effect in
	ItemsProcessed int64
}

// Callbacks is the surface the presentation layer hooks into. All fields
// are optional. Callbacks run on the engine goroutine; keep them quick.
type Callbacks struct {
	OnPause    func()
	OnResume   func()
	OnCancel   func(CancellationInfo)
	OnProgress func(Progress)
}

// Session is the in-memory representation of one migration run. It owns the
// checkpoint and the cooperative pause/cancel flags. Only the engine mutates
// a session; the Controller just sets the flags.
type Session struct {
	checkpoint *Checkpoint
	estimator  *Estimator

	pause  atomic.Bool
	cancel atomic.Bool
}

func newSession(c *Checkpoint) *Session {
	return &Session{
		checkpoint: c,
		estimator:  NewEstimator(),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.checkpoint.SessionID
}

// RequestPause asks the engine to pause at the next batch boundary.
func (s *Session) RequestPause() {
	s.pause.Store(true)
}

// RequestCancel asks the engine to cancel at the next batch boundary.
// Cancel wins over a simultaneous pause request.
func (s *Session) RequestCancel() {
	s.cancel.Store(true)
}

// EngineConfig wires an Engine. Locks, Checkpoints, Source, Destination and
// Pointer are required; the rest default.
type EngineConfig struct {
	Locks       *locking.Manager
	Checkpoints *CheckpointStore

	Source      store.Accessor
	Destination store.Accessor

	// SourceName and DestinationName are the workspace store names the
	// accessors were opened for; they are recorded in the checkpoint so a
	// resume can refuse a mismatched direction.
	SourceName      string
	DestinationName string

	Pointer store.Pointer

	// Resource is the lock-manager resource the switch phase acquires.
	// It must be the same resource ordinary roster writers use.
	Resource string

	Policy    Policy
	Logger    *log.Logger
	Callbacks Callbacks
}

// Engine drives one migration direction (source store to destination store)
// through the phase machine. It is not safe for concurrent Runs; the
// Controller serializes access.
type Engine struct {
	locks       *locking.Manager
	checkpoints *CheckpointStore
	source      store.Accessor
	destination store.Accessor
	sourceName  string
	destName    string
	pointer     store.Pointer
	resource    string
	policy      Policy
	logger      *log.Logger
	callbacks   Callbacks
}

// NewEngine validates the config and builds an engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	switch {
	case cfg.Locks == nil:
		return nil, fmt.Errorf("lock manager is required")
	case cfg.Checkpoints == nil:
		return nil, fmt.Errorf("checkpoint store is required")
	case cfg.Source == nil || cfg.Destination == nil:
		return nil, fmt.Errorf("source and destination accessors are required")
	case cfg.SourceName == "" || cfg.DestinationName == "":
		return nil, fmt.Errorf("source and destination names are required")
	case cfg.SourceName == cfg.DestinationName:
		return nil, fmt.Errorf("source and destination must differ (got %q)", cfg.SourceName)
	case cfg.Pointer == nil:
		return nil, fmt.Errorf("store pointer is required")
	}

	if cfg.Policy.BatchSize <= 0 {
		cfg.Policy = DefaultPolicy()
	}
	if cfg.Resource == "" {
		cfg.Resource = "roster"
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[migrate] ", log.LstdFlags)
	}

	return &Engine{
		locks:       cfg.Locks,
		checkpoints: cfg.Checkpoints,
		source:      cfg.Source,
		destination: cfg.Destination,
		sourceName:  cfg.SourceName,
		destName:    cfg.DestinationName,
		pointer:     cfg.Pointer,
		resource:    cfg.Resource,
		policy:      cfg.Policy,
		logger:      cfg.Logger,
		callbacks:   cfg.Callbacks,
	}, nil
}

// Run drives the session until it reaches a terminal phase, pauses, or
// fails. The returned error is nil for completed, paused and cancelled
// outcomes; a failed run returns its cause (checkpoint preserved for
// resume).
func (e *Engine) Run(ctx context.Context, s *Session) error {
	c := s.checkpoint

	switch {
	case c.Phase == PhaseIdle:
		if err := e.advance(ctx, s, PhaseScanning); err != nil {
			return err
		}
		e.logger.Printf("Starting migration %s: %s -> %s", c.SessionID, c.Source, c.Destination)
	case c.Phase == PhasePaused || c.Phase == PhaseFailed || c.Phase == PhaseSwitching:
		target := c.resumeTarget()
		if !c.Resumable() {
			return fmt.Errorf("checkpoint in phase %q is not resumable", c.Phase)
		}
		if err := e.advance(ctx, s, target); err != nil {
			return err
		}
		e.logger.Printf("Resuming migration %s in phase %s at %d items", c.SessionID, target, c.ItemsProcessed)
	case c.Phase.active():
		// Crash recovery: the checkpoint was persisted mid-run.
		e.logger.Printf("Recovering migration %s in phase %s at %d items", c.SessionID, c.Phase, c.ItemsProcessed)
	default:
		return fmt.Errorf("cannot run migration from phase %q", c.Phase)
	}

	for {
		var err error
		switch c.Phase {
		case PhaseScanning:
			err = e.scan(ctx, s)
		case PhaseTransferring:
			err = e.transfer(ctx, s)
		case PhaseVerifying:
			err = e.verify(ctx, s)
		case PhaseSwitching:
			err = e.switchOver(ctx, s)
		case PhaseCompleted:
			return nil
		default:
			return fmt.Errorf("engine reached unexpected phase %q", c.Phase)
		}

		switch {
		case err == nil:
			// Phase advanced; continue the loop.
		case errors.Is(err, errPauseRequested):
			return e.pause(ctx, s)
		case errors.Is(err, errCancelRequested):
			return e.cancelled(ctx, s)
		default:
			return e.fail(ctx, s, err)
		}
	}
}

// scan counts the source and records its checksum so verify has a fixed
// expectation to compare against.
func (e *Engine) scan(ctx context.Context, s *Session) error {
	c := s.checkpoint

	total, err := e.source.Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to count source items: %w", err)
	}
	checksum, err := e.source.Checksum(ctx)
	if err != nil {
		return fmt.Errorf("failed to checksum source: %w", err)
	}

	c.TotalItems = total
	c.SourceChecksum = checksum
	e.logger.Printf("Scan complete: %d items in %s", total, c.Source)

	if err := e.yield(ctx, s); err != nil {
		return err
	}
	return e.advance(ctx, s, PhaseTransferring)
}

// transfer runs the batch loop: one bounded batch, checkpoint, publish,
// yield. Per-item failures are recorded and the loop continues; transport
// failures and a blown error budget abort the phase.
func (e *Engine) transfer(ctx context.Context, s *Session) error {
	c := s.checkpoint

	for {
		if err := e.yield(ctx, s); err != nil {
			return err
		}

		batch, err := e.source.Enumerate(ctx, c.LastItemID, e.policy.BatchSize)
		if err != nil {
			return fmt.Errorf("failed to enumerate source after %q: %w", c.LastItemID, err)
		}
		if len(batch) == 0 {
			break
		}

		for _, member := range batch {
			if err := e.destination.Upsert(ctx, member); err != nil {
				if errors.Is(err, ErrTransport) {
					return fmt.Errorf("transferring member %s: %w", member.ID, err)
				}
				c.RecordError(fmt.Sprintf("member %s: %v", member.ID, err))
				e.logger.Printf("WARNING: failed to transfer member %s: %v", member.ID, err)
			}
			c.ItemsProcessed++
		}
		c.LastItemID = batch[len(batch)-1].ID

		// Durable before observable: the checkpoint hits disk before the
		// progress snapshot is published.
		if err := e.checkpoints.Save(ctx, c); err != nil {
			return err
		}
		s.estimator.Record(c.ItemsProcessed, time.Now())
		e.publish(s)

		if err := e.overErrorBudget(c); err != nil {
			return err
		}
	}

	return e.advance(ctx, s, PhaseVerifying)
}

// overErrorBudget applies the fatal-error policy.
func (e *Engine) overErrorBudget(c *Checkpoint) error {
	if e.policy.MaxItemErrors > 0 && c.ErrorCount >= e.policy.MaxItemErrors {
		return fmt.Errorf("aborting after %d item failures (limit %d)", c.ErrorCount, e.policy.MaxItemErrors)
	}
	if e.policy.MaxFailureRatio > 0 && c.ItemsProcessed >= e.policy.MinRatioSample {
		ratio := float64(c.ErrorCount) / float64(c.ItemsProcessed)
		if ratio > e.policy.MaxFailureRatio {
			return fmt.Errorf("aborting at %.0f%% item failure rate (limit %.0f%%)",
				ratio*100, e.policy.MaxFailureRatio*100)
		}
	}
	return nil
}

// verify compares the destination against the expectations the scan
// recorded. A mismatch is fatal and leaves the pointer untouched.
func (e *Engine) verify(ctx context.Context, s *Session) error {
	c := s.checkpoint

	if err := e.yield(ctx, s); err != nil {
		return err
	}

	count, err := e.destination.Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to count destination items: %w", err)
	}
	if count != c.TotalItems {
		return fmt.Errorf("%w: expected %d items in %s, found %d",
			ErrVerificationMismatch, c.TotalItems, c.Destination, count)
	}

	checksum, err := e.destination.Checksum(ctx)
	if err != nil {
		return fmt.Errorf("failed to checksum destination: %w", err)
	}
	if checksum != c.SourceChecksum {
		return fmt.Errorf("%w: checksum %s in %s, expected %s",
			ErrVerificationMismatch, checksum, c.Destination, c.SourceChecksum)
	}

	e.logger.Printf("Verify complete: %d items, checksum match", count)

	if err := e.yield(ctx, s); err != nil {
		return err
	}
	return e.advance(ctx, s, PhaseSwitching)
}

// switchOver atomically repoints the workspace at the destination under the
// shared resource lock. This is the only phase that engages the lock manager
// for the engine's own benefit, and the only section where pause and cancel
// are not observed.
func (e *Engine) switchOver(ctx context.Context, s *Session) error {
	c := s.checkpoint

	err := e.locks.WithLock(ctx, e.resource, e.policy.LockTimeout, func() error {
		return e.pointer.Switch(c.Destination)
	})
	if err != nil {
		return fmt.Errorf("switch failed, %s still active: %w", c.Source, err)
	}

	if err := e.advance(ctx, s, PhaseCompleted); err != nil {
		return err
	}
	if err := e.checkpoints.Clear(ctx); err != nil {
		// The pointer already switched; a stale completed checkpoint is
		// harmless but worth a warning.
		e.logger.Printf("WARNING: failed to clear checkpoint: %v", err)
	}

	e.publish(s)
	e.logger.Printf("Migration %s complete: %s is now the active store (%d items, %d item errors)",
		c.SessionID, c.Destination, c.ItemsProcessed, c.ErrorCount)
	return nil
}

// yield is the cooperative suspension point between batches. Cancel wins
// over pause; a cancelled context is treated like a pause so the run can be
// resumed after the process comes back.
func (e *Engine) yield(ctx context.Context, s *Session) error {
	if s.cancel.Load() {
		return errCancelRequested
	}
	if s.pause.Load() {
		return errPauseRequested
	}
	if err := ctx.Err(); err != nil {
		return errPauseRequested
	}
	return nil
}

// advance applies a validated phase transition and persists it.
func (e *Engine) advance(ctx context.Context, s *Session, next Phase) error {
	c := s.checkpoint

	phase, err := transition(c.Phase, next)
	if err != nil {
		return err
	}
	c.Phase = phase
	if phase.active() {
		c.ResumePhase = ""
		c.FailureCause = ""
	}
	if err := e.checkpoints.Save(ctx, c); err != nil {
		return err
	}
	e.publish(s)
	return nil
}

// pause persists the paused state and notifies the caller. The checkpoint
// keeps the phase to re-enter on resume.
func (e *Engine) pause(ctx context.Context, s *Session) error {
	c := s.checkpoint

	c.ResumePhase = c.Phase
	phase, err := transition(c.Phase, PhasePaused)
	if err != nil {
		return err
	}
	c.Phase = phase
	if err := e.checkpoints.Save(ctx, c); err != nil {
		return err
	}

	e.logger.Printf("Migration %s paused at %d items", c.SessionID, c.ItemsProcessed)
	if e.callbacks.OnPause != nil {
		e.callbacks.OnPause()
	}
	e.publish(s)
	return nil
}

// cancelled clears the checkpoint and notifies the caller. No destination
// write becomes visible: the pointer was never touched, so readers continue
// to see the pre-migration store.
func (e *Engine) cancelled(ctx context.Context, s *Session) error {
	c := s.checkpoint

	info := CancellationInfo{
		SessionID:      c.SessionID,
		Phase:          c.Phase,
		ItemsProcessed: c.ItemsProcessed,
	}

	phase, err := transition(c.Phase, PhaseCancelled)
	if err != nil {
		return err
	}
	c.Phase = phase
	if err := e.checkpoints.Clear(ctx); err != nil {
		return err
	}

	e.logger.Printf("Migration %s cancelled in phase %s", c.SessionID, info.Phase)
	if e.callbacks.OnCancel != nil {
		e.callbacks.OnCancel(info)
	}
	e.publish(s)
	return nil
}

// fail records the cause, preserves the checkpoint for a later resume, and
// surfaces the error.
func (e *Engine) fail(ctx context.Context, s *Session, cause error) error {
	c := s.checkpoint

	if c.Phase == PhaseSwitching {
		// The pointer write never happened; a resumed run re-verifies.
		c.ResumePhase = PhaseVerifying
	} else if c.Phase.active() {
		c.ResumePhase = c.Phase
	}

	if phase, err := transition(c.Phase, PhaseFailed); err == nil {
		c.Phase = phase
	}
	c.FailureCause = cause.Error()
	if err := e.checkpoints.Save(ctx, c); err != nil {
		e.logger.Printf("WARNING: failed to persist failure state: %v", err)
	}

	e.logger.Printf("Migration %s failed: %v", c.SessionID, cause)
	e.publish(s)
	return fmt.Errorf("migration failed in phase %s: %w", c.ResumePhase, cause)
}

// publish pushes a progress snapshot to the OnProgress callback.
func (e *Engine) publish(s *Session) {
	if e.callbacks.OnProgress == nil {
		return
	}
	c := s.checkpoint
	p := s.estimator.Snapshot(c.ItemsProcessed, c.TotalItems)
	p.SessionID = c.SessionID
	p.Phase = c.Phase
	p.Errors = append([]string(nil), c.Errors...)
	p.ErrorCount = c.ErrorCount
	e.callbacks.OnProgress(p)
}
