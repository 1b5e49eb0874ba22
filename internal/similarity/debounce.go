package similarity

import (
	"context"
	"sync"
	"time"

	"github.com/joescharf/triage/internal/clock"
	"github.com/joescharf/triage/internal/models"
)

// DefaultDebounce is the quiet period after the last keystroke before a
// duplicate check runs.
const DefaultDebounce = 500 * time.Millisecond

// CheckFunc runs one duplicate check, typically Repository.FindSimilar.
type CheckFunc func(ctx context.Context, title string) ([]*models.Issue, error)

// ResultFunc receives the outcome of a check that was not superseded.
type ResultFunc func(title string, similar []*models.Issue, err error)

// Debouncer is a caller-owned timer in front of a CheckFunc. Each Trigger
// cancels the pending check (and the context of a check already running)
// and schedules a fresh one. Results of superseded checks are dropped.
type Debouncer struct {
	clock   clock.Clock
	delay   time.Duration
	check   CheckFunc
	deliver ResultFunc

	mu     sync.Mutex
	gen    uint64
	timer  *clock.Timer
	cancel context.CancelFunc
}

// NewDebouncer creates a Debouncer. A non-positive delay uses DefaultDebounce.
func NewDebouncer(c clock.Clock, delay time.Duration, check CheckFunc, deliver ResultFunc) *Debouncer {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	return &Debouncer{clock: c, delay: delay, check: check, deliver: deliver}
}

// Trigger schedules a check of title after the quiet period.
func (d *Debouncer) Trigger(ctx context.Context, title string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.supersedeLocked()
	gen := d.gen
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.timer = d.clock.AfterFunc(d.delay, func() { d.run(runCtx, gen, title) })
}

// Stop cancels any pending or running check.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.supersedeLocked()
}

func (d *Debouncer) supersedeLocked() {
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
}

func (d *Debouncer) run(ctx context.Context, gen uint64, title string) {
	similar, err := d.check(ctx, title)

	d.mu.Lock()
	current := gen == d.gen && ctx.Err() == nil
	d.mu.Unlock()
	if !current {
		return
	}
	d.deliver(title, similar, err)
}
