package muninn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/orneryd/muninndb/pkg/compact"
	"github.com/orneryd/muninndb/pkg/store"
)

// Adaptive trigger: when a cycle compresses less than poorCompression
// of the visible set, the minimum-records threshold is raised so the
// next cycle waits for a buffer more likely to be worth the gateway
// spend.
const (
	poorCompression    = 0.1
	thresholdRaiseStep = 10
	thresholdCap       = 100
)

// compactWorker drives periodic compaction. It wakes on a timer and on
// append triggers, checks whether the buffer has grown enough to be
// worth a cycle, and runs one. The single-flight guard in the store
// makes overlapping wakeups harmless.
type compactWorker struct {
	db *DB

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Trigger channel to wake up the worker before the next tick
	trigger chan struct{}

	// minRecords starts at the configured floor and rises when cycles
	// stop compressing. Only touched from the worker loop.
	minRecords int

	mu      sync.Mutex
	started bool
}

func newCompactWorker(db *DB) *compactWorker {
	ctx, cancel := context.WithCancel(context.Background())
	return &compactWorker{
		db:         db,
		ctx:        ctx,
		cancel:     cancel,
		trigger:    make(chan struct{}, 1),
		minRecords: db.config.Compaction.MinRecords,
	}
}

// Start launches the worker loop. Safe to call once.
func (w *compactWorker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	w.wg.Add(1)
	go w.loop()
}

// Trigger wakes the worker to consider a cycle now. Coalesces: extra
// triggers while one is pending are dropped.
func (w *compactWorker) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// Stop shuts the worker down and waits for an in-flight cycle.
func (w *compactWorker) Stop() {
	w.cancel()
	w.wg.Wait()
}

func (w *compactWorker) loop() {
	defer w.wg.Done()

	fmt.Println("🐦 Compaction worker started")

	ticker := time.NewTicker(w.db.config.Compaction.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			fmt.Println("🐦 Compaction worker stopped")
			return

		case <-w.trigger:
			w.maybeCompact()

		case <-ticker.C:
			w.maybeCompact()
		}
	}
}

// maybeCompact runs a cycle when the buffer holds enough visible
// records to be worth the gateway spend.
func (w *compactWorker) maybeCompact() {
	stats := w.db.store.Stats()
	if stats.Visible < w.minRecords {
		return
	}

	cycle, err := w.db.Compact(w.ctx)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrCompactionInProgress):
			// Another cycle beat us to the slot.
		case errors.Is(err, context.Canceled):
			// Shutting down.
		default:
			fmt.Printf("⚠️  Compaction cycle failed: %v\n", err)
		}
		return
	}
	w.adaptThreshold(cycle)
}

// adaptThreshold raises the trigger threshold after a poorly
// compressing cycle, so a corpus that has stopped deduplicating does
// not keep paying for full cycles at the same buffer size.
func (w *compactWorker) adaptThreshold(cycle compact.Stats) {
	if cycle.VisibleBefore == 0 {
		return
	}
	ratio := float64(cycle.VisibleBefore-cycle.VisibleAfter) / float64(cycle.VisibleBefore)
	if ratio >= poorCompression || w.minRecords >= thresholdCap {
		return
	}
	w.minRecords += thresholdRaiseStep
	if w.minRecords > thresholdCap {
		w.minRecords = thresholdCap
	}
	fmt.Printf("🐦 Cycle compressed %.0f%%; raising compaction threshold to %d records\n",
		ratio*100, w.minRecords)
}
