package migration

import (
	"context"
	"fmt"
	"testing"
)

func TestRecordErrorCapsMessagesNotCount(t *testing.T) {
	c := NewCheckpoint("s1", "local", "sync")

	for i := 0; i < 10; i++ {
		c.RecordError(fmt.Sprintf("member m-%03d: disk full", i))
	}

	if c.ErrorCount != 10 {
		t.Errorf("expected count 10, got %d", c.ErrorCount)
	}
	if len(c.Errors) != maxRecordedErrors {
		t.Errorf("expected %d recorded messages, got %d", maxRecordedErrors, len(c.Errors))
	}
	if c.Errors[0] != "member m-000: disk full" {
		t.Errorf("expected the earliest failures kept, got %q", c.Errors[0])
	}
}

func TestResumable(t *testing.T) {
	tests := []struct {
		name        string
		phase       Phase
		resumePhase Phase
		want        bool
	}{
		{"idle", PhaseIdle, "", false},
		{"active scanning", PhaseScanning, "", true},
		{"active transferring", PhaseTransferring, "", true},
		{"active switching", PhaseSwitching, "", true},
		{"paused with target", PhasePaused, PhaseTransferring, true},
		{"paused without target", PhasePaused, "", false},
		{"failed with target", PhaseFailed, PhaseVerifying, true},
		{"failed without target", PhaseFailed, "", false},
		{"completed", PhaseCompleted, "", false},
		{"cancelled", PhaseCancelled, "", false},
		{"unknown phase", Phase("hyperspace"), PhaseTransferring, false},
		{"paused to unknown", PhasePaused, Phase("hyperspace"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCheckpoint("s1", "local", "sync")
			c.Phase = tt.phase
			c.ResumePhase = tt.resumePhase
			if got := c.Resumable(); got != tt.want {
				t.Errorf("Resumable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCheckpointStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewCheckpointStore(newMemKV())

	if _, ok, err := s.Load(ctx); ok || err != nil {
		t.Fatalf("expected empty store, ok=%v err=%v", ok, err)
	}

	c := NewCheckpoint("s1", "local", "sync")
	c.Phase = PhaseTransferring
	c.ItemsProcessed = 40
	c.TotalItems = 100
	c.LastItemID = "m-039"
	c.SourceChecksum = "abc123"
	c.RecordError("member m-007: disk full")

	if err := s.Save(ctx, c); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if c.LastUpdatedAt.IsZero() {
		t.Error("Save must stamp LastUpdatedAt")
	}

	got, ok, err := s.Load(ctx)
	if err != nil || !ok {
		t.Fatalf("Load failed: ok=%v err=%v", ok, err)
	}
	if got.Phase != PhaseTransferring || got.ItemsProcessed != 40 || got.LastItemID != "m-039" {
		t.Errorf("round trip mangled the checkpoint: %+v", got)
	}
	if got.SourceChecksum != "abc123" || got.ErrorCount != 1 || len(got.Errors) != 1 {
		t.Errorf("round trip lost fields: %+v", got)
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if _, ok, _ := s.Load(ctx); ok {
		t.Error("expected store empty after Clear")
	}
}

func TestLoadRejectsCorruptCheckpoint(t *testing.T) {
	ctx := context.Background()
	kv := newMemKV()
	s := NewCheckpointStore(kv)

	if err := kv.Set(ctx, checkpointKey, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Load(ctx); err == nil {
		t.Error("expected an error for a corrupt checkpoint")
	}
}

func TestLoadToleratesUnknownPhase(t *testing.T) {
	ctx := context.Background()
	kv := newMemKV()
	s := NewCheckpointStore(kv)

	payload := []byte(`{"session_id":"s1","phase":"hyperspace","source":"local","destination":"sync","total_items":5}`)
	if err := kv.Set(ctx, checkpointKey, payload); err != nil {
		t.Fatal(err)
	}

	c, ok, err := s.Load(ctx)
	if err != nil || !ok {
		t.Fatalf("expected a parseable checkpoint, ok=%v err=%v", ok, err)
	}
	if c.Resumable() {
		t.Error("a checkpoint with an unknown phase must not be resumable")
	}
}
