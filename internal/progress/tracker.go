// Package progress renders a live row counter for long sync sessions.
package progress

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"
)

// Tracker counts synced rows. The row total is unknown up front, so
// the bar runs in spinner mode.
type Tracker struct {
	bar       *progressbar.ProgressBar
	inserted  atomic.Int64
	fetched   atomic.Int64
	startTime time.Time
}

// New builds a tracker describing one pipe's sync.
func New(description string) *Tracker {
	return &Tracker{
		startTime: time.Now(),
		bar: progressbar.NewOptions64(
			-1,
			progressbar.OptionSetDescription(description),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(40),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("rows"),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionSetRenderBlankState(true),
		),
	}
}

// Observe records one written chunk.
func (t *Tracker) Observe(fetched, inserted int) {
	t.fetched.Add(int64(fetched))
	t.inserted.Add(int64(inserted))
	if t.bar != nil && inserted > 0 {
		t.bar.Add64(int64(inserted))
	}
}

// Inserted returns the running insert count.
func (t *Tracker) Inserted() int64 {
	return t.inserted.Load()
}

// Finish closes the bar and prints the session summary.
func (t *Tracker) Finish() {
	if t.bar != nil {
		t.bar.Finish()
	}

	elapsed := time.Since(t.startTime)
	perSec := float64(0)
	if secs := elapsed.Seconds(); secs > 0 {
		perSec = float64(t.inserted.Load()) / secs
	}

	fmt.Println()
	fmt.Printf("Inserted %d of %d fetched rows in %s (%.0f rows/sec)\n",
		t.inserted.Load(), t.fetched.Load(), elapsed.Round(time.Second), perSec)
}
