// Package migration implements the resumable bulk-transfer core that promotes
// the roster from one store to another.
//
// A migration is a small closed state machine: scan the source, transfer
// bounded batches with a durable checkpoint after each, verify the
// destination, then atomically switch the workspace pointer under the roster
// lock. Pause and cancel are cooperative and take effect only between
// batches; the switch phase is a short uninterruptible critical section.
package migration

import "fmt"

// Phase identifies one state of the migration state machine.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseScanning     Phase = "scanning"
	PhaseTransferring Phase = "transferring"
	PhaseVerifying    Phase = "verifying"
	PhaseSwitching    Phase = "switching"
	PhasePaused       Phase = "paused"
	PhaseCompleted    Phase = "completed"
	PhaseCancelled    Phase = "cancelled"
	PhaseFailed       Phase = "failed"
)

// transitions is the explicit table of legal phase changes. Anything not
// listed here is rejected, which keeps illegal moves (cancel during the
// atomic switch, resume from a terminal state) out of the engine entirely.
var transitions = map[Phase][]Phase{
	PhaseIdle:         {PhaseScanning, PhaseCancelled, PhaseFailed},
	PhaseScanning:     {PhaseTransferring, PhasePaused, PhaseCancelled, PhaseFailed},
	PhaseTransferring: {PhaseVerifying, PhasePaused, PhaseCancelled, PhaseFailed},
	PhaseVerifying:    {PhaseSwitching, PhasePaused, PhaseCancelled, PhaseFailed},
	// Switching is uninterruptible: no pause, no cancel. It can still fail
	// on its own (lock timeout, pointer write error), and a run recovered
	// from a crash mid-switch re-enters verifying.
	PhaseSwitching:    {PhaseCompleted, PhaseFailed, PhaseVerifying},
	PhasePaused:       {PhaseScanning, PhaseTransferring, PhaseVerifying, PhaseCancelled, PhaseFailed},
	PhaseFailed:       {PhaseScanning, PhaseTransferring, PhaseVerifying},
}

// Known reports whether p is a phase this build understands. Checkpoints
// written by a newer build may carry phases we do not know; those are
// treated as not resumable rather than an error.
func (p Phase) Known() bool {
	switch p {
	case PhaseIdle, PhaseScanning, PhaseTransferring, PhaseVerifying,
		PhaseSwitching, PhasePaused, PhaseCompleted, PhaseCancelled, PhaseFailed:
		return true
	}
	return false
}

// Terminal reports whether the migration is finished in this phase.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseCancelled
}

// CanTransitionTo reports whether moving from p to next is legal.
func (p Phase) CanTransitionTo(next Phase) bool {
	for _, allowed := range transitions[p] {
		if allowed == next {
			return true
		}
	}
	return false
}

// active reports whether p is a phase the batch loop runs in.
func (p Phase) active() bool {
	return p == PhaseScanning || p == PhaseTransferring || p == PhaseVerifying
}

// transition validates and applies a phase change.
func transition(from, to Phase) (Phase, error) {
	if !from.CanTransitionTo(to) {
		return from, fmt.Errorf("illegal phase transition %s -> %s", from, to)
	}
	return to, nil
}
