package ionvm

/*
	MultiScheduler partitions processes across N Schedulers, each pinned to
	its own goroutine. golang.org/x/sync/errgroup supervises the fixed pool
	of Scheduler.Run loops — one Group, one context,
	first-error-cancels-all.

	Routing: Spawn always lands on the scheduler tracking the fewest
	processes, exited ones included (a cheap load-balance, not a correctness requirement — each
	process is owned by exactly one scheduler and pids stay globally
	monotonic through the shared pidCounter).
*/

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// MultiScheduler owns N Schedulers sharing one pid counter and FFI
// registry. Every process is owned by exactly one child Scheduler for its
// entire lifetime; the process itself carries the owner reference, so
// routing never needs a central pid-to-scheduler map.
type MultiScheduler struct {
	mu     sync.Mutex
	scheds []*Scheduler
	pids   *pidCounter
}

// NewMultiScheduler constructs n Schedulers sharing a pid counter and FFI
// registry. n is clamped to at least 1.
func NewMultiScheduler(n int, ffi FfiRegistry, opts ...Option) *MultiScheduler {
	if n < 1 {
		n = 1
	}
	pids := newPidCounter()
	ms := &MultiScheduler{pids: pids}
	for i := 0; i < n; i++ {
		ms.scheds = append(ms.scheds, NewScheduler(ffi, pids, opts...))
	}
	return ms
}

// leastLoaded returns the child scheduler currently tracking the fewest
// processes.
func (ms *MultiScheduler) leastLoaded() *Scheduler {
	best := ms.scheds[0]
	bestCount := best.ProcessCount()
	for _, sc := range ms.scheds[1:] {
		if c := sc.ProcessCount(); c < bestCount {
			best, bestCount = sc, c
		}
	}
	return best
}

// Spawn routes a top-level spawn to the least-loaded child scheduler.
func (ms *MultiScheduler) Spawn(fn *Function, args []Value) *Process {
	ms.mu.Lock()
	sc := ms.leastLoaded()
	ms.mu.Unlock()
	return sc.Spawn(fn, args)
}

// Send routes a send to the target's owning scheduler (Send is always
// safe to call cross-goroutine: Process.EnqueueMessage holds its own
// mutex, and the wake is routed to the owner's run queue).
func (ms *MultiScheduler) Send(target *Process, msg Value) {
	if target == nil || target.owner == nil {
		return
	}
	target.owner.Send(target, msg)
}

// Run starts every child scheduler's loop concurrently and blocks until
// all have quiesced or ctx is cancelled.
func (ms *MultiScheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, sc := range ms.scheds {
		sc := sc
		g.Go(func() error {
			sc.Run(gctx)
			return nil
		})
	}
	return g.Wait()
}

// Stats sums every child scheduler's counters.
func (ms *MultiScheduler) Stats() Stats {
	var total Stats
	for _, sc := range ms.scheds {
		addStats(&total, sc.Stats())
	}
	return total
}

// Shutdown marks every child scheduler closed. MultiScheduler.Spawn does
// not check that flag, so spawns made through it after Shutdown still go
// through.
func (ms *MultiScheduler) Shutdown() {
	for _, sc := range ms.scheds {
		sc.Shutdown()
	}
}
