package migration

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/crewbase/crew/internal/store"
)

// checkpointKey is where the single active checkpoint lives in the control
// KV. One migration at a time per workspace.
const checkpointKey = "migration/checkpoint"

// maxRecordedErrors bounds the error list carried in the checkpoint. The
// total count keeps growing past the cap; only the messages are truncated.
const maxRecordedErrors = 3

// Checkpoint is the durable record of migration progress. It is written
// after every batch, read back on resume, and cleared when the migration
// reaches completed or is explicitly abandoned.
type Checkpoint struct {
	SessionID string `json:"session_id"`

	// Phase is the persisted phase. ResumePhase records which active phase
	// to re-enter when Phase is paused or failed.
	Phase       Phase `json:"phase"`
	ResumePhase Phase `json:"resume_phase,omitempty"`

	// Source and Destination are workspace store names.
	Source      string `json:"source"`
	Destination string `json:"destination"`

	ItemsProcessed int64 `json:"items_processed"`

	// TotalItems is -1 while unknown (before the scan completes).
	TotalItems int64 `json:"total_items"`

	// LastItemID is the enumeration cursor: every member with an ID at or
	// below it has been attempted at least once.
	LastItemID string `json:"last_item_id,omitempty"`

	// SourceChecksum is recorded during the scan and compared against the
	// destination during verify.
	SourceChecksum string `json:"source_checksum,omitempty"`

	// Errors holds the first few per-item failures; ErrorCount counts all
	// of them, including the ones past the cap.
	Errors     []string `json:"errors,omitempty"`
	ErrorCount int64    `json:"error_count,omitempty"`

	// FailureCause is set when Phase is failed.
	FailureCause string `json:"failure_cause,omitempty"`

	StartedAt     time.Time `json:"started_at"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// NewCheckpoint creates a fresh checkpoint in the idle phase.
func NewCheckpoint(sessionID, source, destination string) *Checkpoint {
	now := time.Now().UTC()
	return &Checkpoint{
		SessionID:     sessionID,
		Phase:         PhaseIdle,
		Source:        source,
		Destination:   destination,
		TotalItems:    -1,
		StartedAt:     now,
		LastUpdatedAt: now,
	}
}

// RecordError appends a per-item failure, keeping at most maxRecordedErrors
// messages while counting every occurrence.
func (c *Checkpoint) RecordError(msg string) {
	c.ErrorCount++
	if len(c.Errors) < maxRecordedErrors {
		c.Errors = append(c.Errors, msg)
	}
}

// Resumable reports whether a run can continue from this checkpoint.
// Unknown phases (written by a newer build) are not resumable. Checkpoints
// persisted mid-run by a crashed process resume in their active phase.
func (c *Checkpoint) Resumable() bool {
	if !c.Phase.Known() {
		return false
	}
	switch {
	case c.Phase.active():
		return true
	case c.Phase == PhaseSwitching:
		// A crash mid-switch re-verifies; the pointer write either landed
		// or it did not, and verify is safe either way.
		return true
	case c.Phase == PhasePaused, c.Phase == PhaseFailed:
		return c.ResumePhase.Known() && c.ResumePhase.active()
	}
	return false
}

// resumeTarget returns the active phase a resumed run re-enters.
func (c *Checkpoint) resumeTarget() Phase {
	if c.Phase.active() {
		return c.Phase
	}
	if c.Phase == PhaseSwitching {
		return PhaseVerifying
	}
	return c.ResumePhase
}

// CheckpointStore persists checkpoints in a durable KV.
type CheckpointStore struct {
	kv store.KV
}

// NewCheckpointStore wraps the given KV.
func NewCheckpointStore(kv store.KV) *CheckpointStore {
	return &CheckpointStore{kv: kv}
}

// Save serializes and durably writes the checkpoint. The engine calls this
// before publishing the corresponding progress, so observers never see
// progress ahead of what a crash would recover.
func (s *CheckpointStore) Save(ctx context.Context, c *Checkpoint) error {
	c.LastUpdatedAt = time.Now().UTC()

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	if err := s.kv.Set(ctx, checkpointKey, data); err != nil {
		return fmt.Errorf("failed to persist checkpoint: %w", err)
	}
	return nil
}

// Load reads the checkpoint, reporting false when none exists. A checkpoint
// that fails to parse is reported as an error; a checkpoint with an unknown
// phase parses fine and is simply not Resumable.
func (s *CheckpointStore) Load(ctx context.Context) (*Checkpoint, bool, error) {
	data, ok, err := s.kv.Get(ctx, checkpointKey)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, false, fmt.Errorf("failed to parse checkpoint: %w", err)
	}
	return &c, true, nil
}

// Clear removes the checkpoint. Called when a migration completes, is
// cancelled, or is explicitly abandoned.
func (s *CheckpointStore) Clear(ctx context.Context) error {
	if err := s.kv.Delete(ctx, checkpointKey); err != nil {
		return fmt.Errorf("failed to clear checkpoint: %w", err)
	}
	return nil
}
