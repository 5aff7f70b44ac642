package ionvm

/*
	Per-process state: call frames, mailbox, links, liveness and status.
	The scheduler is the only caller of the mutator methods — a Process
	never reaches across to another Process's fields directly, it always
	goes through the owning Scheduler, which keeps each process's frames
	and mailbox exclusively owned even when process handles are sent to
	other goroutines under a MultiScheduler.
*/

import (
	"sync"
	"time"
)

// Pid is a process identifier, monotonically assigned and never reused
// within one VM lifetime.
type Pid uint64

// Status is a process's scheduling state.
type Status uint8

const (
	StatusRunnable Status = iota
	StatusRunning
	StatusWaitingForMessage
	StatusWaitingForMessageTimeout
	StatusExited
)

func (s Status) String() string {
	switch s {
	case StatusRunnable:
		return "Runnable"
	case StatusRunning:
		return "Running"
	case StatusWaitingForMessage:
		return "WaitingForMessage"
	case StatusWaitingForMessageTimeout:
		return "WaitingForMessageTimeout"
	case StatusExited:
		return "Exited"
	default:
		return "?unknown-status?"
	}
}

// Frame is one activation record: a fixed register file sized to the
// function's total register count, the function being executed, an
// instruction pointer, and where (if anywhere) to write this frame's
// eventual Return value in the caller.
type Frame struct {
	Fn           *Function
	Regs         []Value
	IP           int
	HasReturnReg bool
	ReturnReg    uint32

	// timeout is non-nil while a ReceiveWithTimeout issued from this frame
	// is still pending; popping the frame cancels it.
	timeout *timeoutEntry
}

func newFrame(fn *Function) *Frame {
	regs := make([]Value, fn.TotalRegisters())
	for i := range regs {
		regs[i] = UnitVal()
	}
	return &Frame{Fn: fn, Regs: regs}
}

// timeoutEntry is one entry of the scheduler's expiry-ordered timeout
// heap.
type timeoutEntry struct {
	pid       Pid
	frame     *Frame
	dstReg    uint32
	resultReg uint32
	expiry    time.Time
	cancelled bool
	heapIndex int
}

// Process holds one actor's entire state: its call stack, mailbox, link
// set, liveness flag and status.
type Process struct {
	mu sync.Mutex

	Pid     Pid
	Stack   []*Frame
	Mailbox []Value
	Links   map[Pid]*Process
	Alive   bool
	status  Status

	// owner is the Scheduler that runs this process for its entire
	// lifetime; sends and wakes from a sibling scheduler route through it.
	owner *Scheduler

	// ExitReason is set once (OnExit) and never mutated again.
	ExitReason Value

	// Budget is the process's remaining reductions for the current
	// timeslice; the scheduler resets it at the start of each slice.
	Budget int
}

func newProcess(pid Pid, fn *Function, args []Value) *Process {
	p := &Process{
		Pid:   pid,
		Links: map[Pid]*Process{},
		Alive: true,
	}
	p.status = StatusRunnable
	frame := newFrame(fn)
	copy(frame.Regs, args)
	p.Stack = append(p.Stack, frame)
	return p
}

// TopFrame returns the current (innermost) frame, or nil if the stack is
// empty.
func (p *Process) TopFrame() *Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.topFrameLocked()
}

func (p *Process) topFrameLocked() *Frame {
	if len(p.Stack) == 0 {
		return nil
	}
	return p.Stack[len(p.Stack)-1]
}

// PushFrame activates a new callee frame on top of the stack, copying args
// into its low registers and recording where the caller wants the return
// value written.
func (p *Process) PushFrame(fn *Function, args []Value, returnReg uint32, hasReturnReg bool) *Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	frame := newFrame(fn)
	copy(frame.Regs, args)
	frame.HasReturnReg = hasReturnReg
	frame.ReturnReg = returnReg
	p.Stack = append(p.Stack, frame)
	return frame
}

// PopFrame removes the top frame, cancelling any pending receive-timeout
// attached to it, and returns the frame below (the new top), if any.
func (p *Process) PopFrame() (popped *Frame, caller *Frame, hasCaller bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Stack) == 0 {
		return nil, nil, false
	}
	popped = p.Stack[len(p.Stack)-1]
	if popped.timeout != nil {
		popped.timeout.cancelled = true
		popped.timeout = nil
	}
	p.Stack = p.Stack[:len(p.Stack)-1]
	if len(p.Stack) == 0 {
		return popped, nil, false
	}
	return popped, p.Stack[len(p.Stack)-1], true
}

// EnqueueMessage appends to the mailbox, preserving strict FIFO order.
func (p *Process) EnqueueMessage(v Value) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Mailbox = append(p.Mailbox, v)
}

// TakeOneMessage pops the mailbox head, if any.
func (p *Process) TakeOneMessage() (Value, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Mailbox) == 0 {
		return Value{}, false
	}
	head := p.Mailbox[0]
	p.Mailbox = p.Mailbox[1:]
	return head, true
}

func (p *Process) MailboxLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Mailbox)
}

// Status reads the current status under the process lock.
func (p *Process) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// SetStatus transitions status; callers (always the owning scheduler) are
// responsible for run-queue membership implied by the transition.
func (p *Process) SetStatus(s Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = s
}

// AddLink records one side of a symmetric link. The scheduler calls this
// on both processes of a Link instruction. The handle (not just the pid)
// is kept so exit signals can be delivered even when the two sides live on
// different schedulers.
func (p *Process) AddLink(other *Process) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Links[other.Pid] = other
}

// LinkedPids returns a snapshot of linked pids.
func (p *Process) LinkedPids() []Pid {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Pid, 0, len(p.Links))
	for pid := range p.Links {
		out = append(out, pid)
	}
	return out
}

// linkedProcs returns a snapshot of linked process handles.
func (p *Process) linkedProcs() []*Process {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Process, 0, len(p.Links))
	for _, lp := range p.Links {
		out = append(out, lp)
	}
	return out
}

// OnExit marks the process dead with a terminal reason; alive==false
// always implies status==Exited.
func (p *Process) OnExit(reason Value) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.Alive {
		return
	}
	p.Alive = false
	p.status = StatusExited
	p.ExitReason = reason
}

func (p *Process) isAlive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Alive
}
