package migration

import (
	"fmt"
	"math"
	"time"
)

// ewmaAlpha weighs the newest throughput sample; higher reacts faster,
// lower smooths bursty batches harder.
const ewmaAlpha = 0.3

// Progress is a derived, non-persistent snapshot of a running migration.
// It is recomputed from the checkpoint and the estimator's sample window;
// nothing here is ever written to disk.
type Progress struct {
	SessionID      string   `json:"session_id"`
	Phase          Phase    `json:"phase"`
	ItemsProcessed int64    `json:"items_processed"`
	TotalItems     int64    `json:"total_items"`
	Percent        float64  `json:"percent"`
	Indeterminate  bool     `json:"indeterminate"`
	ItemsPerSecond float64  `json:"items_per_second"`
	ETA            string   `json:"eta"`
	Errors         []string `json:"errors,omitempty"`
	ErrorCount     int64    `json:"error_count,omitempty"`
}

// Estimator computes smoothed transfer speed and time remaining from a
// stream of (itemsProcessed, timestamp) samples. It has no side effects and
// never divides by zero; incomplete inputs degrade to indeterminate output
// instead of errors.
type Estimator struct {
	samples   int
	lastItems int64
	lastAt    time.Time
	rate      float64 // EWMA items/second
}

// NewEstimator returns an estimator with an empty sample window.
func NewEstimator() *Estimator {
	return &Estimator{}
}

// Record feeds one sample. Samples must carry a monotonically increasing
// item count; a non-advancing clock or counter is ignored rather than
// producing an infinite rate.
func (e *Estimator) Record(itemsProcessed int64, now time.Time) {
	if e.samples == 0 {
		e.samples = 1
		e.lastItems = itemsProcessed
		e.lastAt = now
		return
	}

	elapsed := now.Sub(e.lastAt).Seconds()
	delta := itemsProcessed - e.lastItems
	if elapsed <= 0 || delta < 0 {
		return
	}

	instant := float64(delta) / elapsed
	if e.samples == 1 {
		e.rate = instant
	} else {
		e.rate = ewmaAlpha*instant + (1-ewmaAlpha)*e.rate
	}

	e.samples++
	e.lastItems = itemsProcessed
	e.lastAt = now
}

// Speed returns the smoothed rate in items per second, zero until two
// samples exist.
func (e *Estimator) Speed() float64 {
	if e.samples < 2 {
		return 0
	}
	return e.rate
}

// Snapshot derives the presentation values for the given counters.
// Percentage is clamped to [0,100]; a negative or zero total marks the
// snapshot indeterminate. The ETA reads "unknown" until the estimator has
// at least two samples and a meaningfully non-zero speed.
func (e *Estimator) Snapshot(itemsProcessed, totalItems int64) Progress {
	p := Progress{
		ItemsProcessed: itemsProcessed,
		TotalItems:     totalItems,
		ItemsPerSecond: e.Speed(),
		ETA:            "unknown",
	}

	if totalItems <= 0 {
		p.Indeterminate = true
	} else {
		p.Percent = float64(itemsProcessed) / float64(totalItems) * 100
		if p.Percent < 0 {
			p.Percent = 0
		}
		if p.Percent > 100 {
			p.Percent = 100
		}
	}

	speed := e.Speed()
	if p.Indeterminate || speed < 1e-9 || math.IsNaN(speed) || math.IsInf(speed, 0) {
		return p
	}

	remaining := totalItems - itemsProcessed
	if remaining <= 0 {
		p.ETA = "0s"
		return p
	}
	p.ETA = formatETA(time.Duration(float64(remaining) / speed * float64(time.Second)))
	return p
}

// formatETA renders a duration for humans, trimming precision as the
// magnitude grows: "45s", "3m20s", "2h05m".
func formatETA(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Round(time.Second).Seconds()))
	case d < time.Hour:
		d = d.Round(time.Second)
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		d = d.Round(time.Minute)
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
