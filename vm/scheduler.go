package ionvm

/*
	The scheduler: process table, FIFO run queue, timeout heap and pass
	counter. A single OS thread per Scheduler drives the interpreter;
	MultiScheduler (multischeduler.go) partitions processes across several
	Schedulers, each on its own goroutine.

	container/heap backs the timeout heap — its Interface is the stdlib's
	idiomatic answer to expiry-ordered wakeups.
*/

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// pidCounter is a monotonic allocator shared by every Scheduler in one VM
// instance (including all of a MultiScheduler's children), so pids stay
// strictly increasing and unique across the whole VM lifetime even when
// processes are spawned from different OS threads.
type pidCounter struct {
	mu   sync.Mutex
	next Pid
}

func newPidCounter() *pidCounter { return &pidCounter{next: 1} }

func (c *pidCounter) allocate() Pid {
	c.mu.Lock()
	defer c.mu.Unlock()
	pid := c.next
	c.next++
	return pid
}

// timeoutHeapImpl is a container/heap.Interface over pending
// ReceiveWithTimeout entries, ordered by expiry.
type timeoutHeapImpl []*timeoutEntry

func (h timeoutHeapImpl) Len() int           { return len(h) }
func (h timeoutHeapImpl) Less(i, j int) bool { return h[i].expiry.Before(h[j].expiry) }
func (h timeoutHeapImpl) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex, h[j].heapIndex = i, j
}
func (h *timeoutHeapImpl) Push(x any) {
	e := x.(*timeoutEntry)
	e.heapIndex = len(*h)
	*h = append(*h, e)
}
func (h *timeoutHeapImpl) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Scheduler owns one process table, run queue and timeout heap, and drives
// the interpreter over its processes from a single goroutine (Run).
//
// Every Scheduler is tagged with a google/uuid value for log lines only —
// it is never part of a Pid, of Stats, or of any process-identity
// comparison.
type Scheduler struct {
	mu sync.Mutex

	id  uuid.UUID
	cfg Config
	log *zap.SugaredLogger

	ffi  FfiRegistry
	pids *pidCounter

	processes map[Pid]*Process
	runQueue  []Pid
	timeouts  timeoutHeapImpl

	stats statCounters

	// wake is signalled (non-blocking) whenever an external event — a
	// Send, a Spawn, a new Link — might let a sleeping Run loop make
	// progress sooner than the next timeout expiry.
	wake   chan struct{}
	closed bool
}

// NewScheduler constructs a Scheduler with its own process table, using
// shared as the pid source (pass nil to let a standalone Scheduler own its
// own counter starting at 1).
func NewScheduler(ffi FfiRegistry, shared *pidCounter, opts ...Option) *Scheduler {
	if ffi == nil {
		ffi = emptyFfiRegistry{}
	}
	if shared == nil {
		shared = newPidCounter()
	}
	cfg := resolveConfig(opts)
	return &Scheduler{
		id:        uuid.New(),
		cfg:       cfg,
		log:       newSchedulerLogger(cfg.Debug),
		ffi:       ffi,
		pids:      shared,
		processes: map[Pid]*Process{},
		wake:      make(chan struct{}, 1),
	}
}

func (s *Scheduler) notifyWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Spawn allocates a pid, creates a process running fn with args in its
// first registers, and tail-enqueues it — a newly spawned process never
// cuts ahead of the queue.
func (s *Scheduler) Spawn(fn *Function, args []Value) *Process {
	pid := s.pids.allocate()
	p := newProcess(pid, fn, args)
	p.owner = s

	s.mu.Lock()
	s.processes[pid] = p
	s.runQueue = append(s.runQueue, pid)
	s.stats.processesAlive.Add(1)
	s.mu.Unlock()

	s.log.Debugw("spawn", "scheduler", s.id, "pid", pid, "func", fn.Name)
	s.notifyWake()
	return p
}

// lookupProcess returns the process for pid, or nil if this scheduler
// doesn't own it.
func (s *Scheduler) lookupProcess(pid Pid) *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processes[pid]
}

// enqueueRunnable tail-appends pid to the run queue; callers hold no lock
// requirement, this takes its own.
func (s *Scheduler) enqueueRunnable(pid Pid) {
	s.mu.Lock()
	s.runQueue = append(s.runQueue, pid)
	s.mu.Unlock()
	s.notifyWake()
}

// Send appends msg to target's mailbox and wakes it if it was blocked.
// A dead target is a no-op. The wake is routed to the target's owning
// scheduler, so sends across MultiScheduler children land on the right
// run queue.
func (s *Scheduler) Send(target *Process, msg Value) {
	if target == nil || !target.isAlive() {
		return
	}
	target.EnqueueMessage(msg)
	s.stats.messagesDelivered.Add(1)
	owner := target.owner
	if owner == nil {
		owner = s
	}
	owner.wakeIfBlocked(target)
}

// wakeIfBlocked transitions a WaitingForMessage/WaitingForMessageTimeout
// process to Runnable and re-enqueues it. Must be called on the process's
// owning scheduler.
func (s *Scheduler) wakeIfBlocked(p *Process) {
	p.mu.Lock()
	blocked := p.status == StatusWaitingForMessage || p.status == StatusWaitingForMessageTimeout
	if blocked {
		p.status = StatusRunnable
		if top := p.topFrameLocked(); top != nil && top.timeout != nil {
			top.timeout.cancelled = true
			top.timeout = nil
		}
	}
	p.mu.Unlock()
	if blocked {
		s.enqueueRunnable(p.Pid)
	}
}

// Link adds a symmetric link between a and b. If b has already exited,
// its exit reason is delivered synchronously as a message to a.
func (s *Scheduler) Link(a, b *Process) {
	a.AddLink(b)
	b.AddLink(a)
	if !b.isAlive() {
		s.Send(a, TaggedEnumVal("exit", b.ExitReason))
	}
}

// exitProcess marks p Exited with reason, delivers the exit signal to
// every linked process as an ordinary mailbox message, and drops p from
// the run queue bookkeeping.
func (s *Scheduler) exitProcess(p *Process, reason Value) {
	p.OnExit(reason)
	s.stats.processesAlive.Add(-1)
	s.log.Debugw("exit", "scheduler", s.id, "pid", p.Pid, "reason", reason.Kind.String())

	for _, linked := range p.linkedProcs() {
		s.Send(linked, TaggedEnumVal("exit", reason))
	}
}

// armTimeout schedules a ReceiveWithTimeout wakeup and pushes it onto the
// heap.
func (s *Scheduler) armTimeout(p *Process, frame *Frame, dstReg, resultReg uint32, timeoutMillis float64) {
	if timeoutMillis < 0 {
		timeoutMillis = 0
	}
	entry := &timeoutEntry{
		pid:       p.Pid,
		frame:     frame,
		dstReg:    dstReg,
		resultReg: resultReg,
		expiry:    time.Now().Add(time.Duration(timeoutMillis * float64(time.Millisecond))),
	}
	p.mu.Lock()
	frame.timeout = entry
	p.mu.Unlock()
	s.mu.Lock()
	heap.Push(&s.timeouts, entry)
	s.mu.Unlock()
	s.notifyWake()
}

// drainExpiredTimeouts wakes every process whose timeout has passed.
func (s *Scheduler) drainExpiredTimeouts(now time.Time) {
	for {
		s.mu.Lock()
		if len(s.timeouts) == 0 || s.timeouts[0].expiry.After(now) {
			s.mu.Unlock()
			return
		}
		entry := heap.Pop(&s.timeouts).(*timeoutEntry)
		s.mu.Unlock()

		p := s.lookupProcess(entry.pid)
		if p == nil || !p.isAlive() {
			continue
		}
		p.mu.Lock()
		if entry.cancelled || p.status != StatusWaitingForMessageTimeout {
			p.mu.Unlock()
			continue
		}
		top := p.topFrameLocked()
		if top == nil || top.timeout != entry {
			p.mu.Unlock()
			continue
		}
		top.timeout = nil
		top.Regs[entry.dstReg] = UnitVal()
		top.Regs[entry.resultReg] = Boolean(false)
		top.IP++
		p.status = StatusRunnable
		p.mu.Unlock()
		s.enqueueRunnable(p.Pid)
		s.log.Debugw("timeout", "scheduler", s.id, "pid", p.Pid)
	}
}

func (s *Scheduler) nextExpiry() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.timeouts) == 0 {
		return time.Time{}, false
	}
	return s.timeouts[0].expiry, true
}

func (s *Scheduler) popRunnable() (Pid, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.runQueue) == 0 {
		return 0, false
	}
	pid := s.runQueue[0]
	s.runQueue = s.runQueue[1:]
	return pid, true
}

func (s *Scheduler) hasPendingWork() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.runQueue) > 0 || len(s.timeouts) > 0 {
		return true
	}
	for _, p := range s.processes {
		if p.isAlive() {
			st := p.Status()
			if st == StatusWaitingForMessage || st == StatusWaitingForMessageTimeout {
				return true
			}
		}
	}
	return false
}

// Run drives the scheduler loop until the process table quiesces (no
// runnable, blocked, or pending-timeout process remains) or ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		s.drainExpiredTimeouts(time.Now())

		pid, ok := s.popRunnable()
		if !ok {
			if !s.hasPendingWork() {
				return
			}
			s.sleepUntilWork(ctx)
			continue
		}

		p := s.lookupProcess(pid)
		if p == nil || !p.isAlive() {
			continue
		}

		p.Budget = int(s.cfg.Timeslice)
		p.SetStatus(StatusRunning)
		s.runSlice(p)

		s.stats.schedulerPasses.Add(1)
		if p.isAlive() && p.Status() == StatusRunnable {
			s.enqueueRunnable(pid)
		}
	}
}

func (s *Scheduler) sleepUntilWork(ctx context.Context) {
	var timer *time.Timer
	if expiry, ok := s.nextExpiry(); ok {
		d := time.Until(expiry)
		if d < 0 {
			d = 0
		}
		timer = time.NewTimer(d)
		defer timer.Stop()
	}

	var timerC <-chan time.Time
	if timer != nil {
		timerC = timer.C
	}

	select {
	case <-ctx.Done():
	case <-s.wake:
	case <-timerC:
	}
}

// Stats returns a snapshot of this scheduler's owned counters.
func (s *Scheduler) Stats() Stats {
	return s.stats.snapshot()
}

// ProcessCount returns the number of processes this scheduler tracks,
// alive or exited (exited processes are never removed from the table);
// used by the __vm:processes reserved atom.
func (s *Scheduler) ProcessCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.processes)
}

// Passes returns the scheduler_passes counter for the __vm:scheduler_passes
// reserved atom.
func (s *Scheduler) Passes() uint64 {
	return s.stats.schedulerPasses.Load()
}

// Shutdown marks the scheduler closed. Scheduler.Spawn and Send do not
// check the flag; VM.Spawn does, and rejects new spawns with ErrShutdown.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *Scheduler) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
