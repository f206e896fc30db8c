package backends

import (
	"sync"
	"time"

	"github.com/desertthunder/mirrorbot/internal/models"
)

// tracker maintains a concurrent-safe progress snapshot for a transfer.
// Backends mutate it from their transfer goroutine; Status reads it from any
// goroutine without blocking on I/O.
type tracker struct {
	mu       sync.Mutex
	progress models.Progress
	started  time.Time
}

func newTracker() *tracker {
	now := time.Now()
	return &tracker{
		started:  now,
		progress: models.Progress{UpdatedAt: now},
	}
}

// add advances the transferred byte count and recomputes rate and ETA.
func (t *tracker) add(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progress.Transferred += n
	t.recompute()
}

// set records an absolute transferred count, as reported by subprocess
// progress lines.
func (t *tracker) set(transferred int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if transferred > t.progress.Transferred {
		t.progress.Transferred = transferred
	}
	t.recompute()
}

// setTotal records the total size once known.
func (t *tracker) setTotal(total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progress.Total = total
	t.recompute()
}

// setRate overrides the computed rate with a backend-reported one.
func (t *tracker) setRate(bytesPerSec int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progress.Rate = bytesPerSec
	t.progress.UpdatedAt = time.Now()
	if t.progress.Total > 0 && bytesPerSec > 0 {
		remaining := t.progress.Total - t.progress.Transferred
		t.progress.ETA = time.Duration(remaining/bytesPerSec) * time.Second
	}
}

// recompute derives rate and ETA from elapsed time. Callers hold t.mu.
func (t *tracker) recompute() {
	now := time.Now()
	t.progress.UpdatedAt = now

	elapsed := now.Sub(t.started).Seconds()
	if elapsed > 0 {
		t.progress.Rate = int64(float64(t.progress.Transferred) / elapsed)
	}
	if t.progress.Total > 0 && t.progress.Rate > 0 {
		remaining := t.progress.Total - t.progress.Transferred
		t.progress.ETA = time.Duration(remaining/t.progress.Rate) * time.Second
	}
}

// reset zeroes the transferred count ahead of a fresh attempt, keeping the
// known total.
func (t *tracker) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progress.Transferred = 0
	t.progress.Rate = 0
	t.progress.ETA = 0
	t.progress.UpdatedAt = time.Now()
	t.started = time.Now()
}

// snapshot returns a copy of the current progress.
func (t *tracker) snapshot() models.Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

// countingWriter advances a tracker as bytes flow through it.
type countingWriter struct {
	t *tracker
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.t.add(int64(len(p)))
	return len(p), nil
}
