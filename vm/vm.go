package ionvm

/*
	VM ties one Scheduler, an FFI registry and a Config together into a
	single owned-state instance: the process table, run queue, pid
	counter, timeout heap, FFI registry and counters all belong to it
	alone. Two VMs constructed with NewVM never share a pidCounter, so pid
	streams from each are independent.
*/

import (
	"context"
	"errors"
)

// ErrShutdown is returned by Spawn once the VM has begun shutting down.
var ErrShutdown = errors.New("vm is shutting down")

// VM is the embeddable entry point: construct one, Spawn a root process,
// call Run to drive it (and everything it spawns) to quiescence.
type VM struct {
	sched *Scheduler
	cfg   Config
}

// NewVM constructs a single-scheduler VM. Pass nil for ffi to get a
// registry that rejects every FFI call, useful for programs that never
// call an Ffi-kind Function.
func NewVM(ffi FfiRegistry, opts ...Option) *VM {
	cfg := resolveConfig(opts)
	return &VM{sched: NewScheduler(ffi, nil, opts...), cfg: cfg}
}

// Spawn creates a new top-level process running fn with args in r0.. and
// enqueues it as Runnable.
func (vm *VM) Spawn(fn *Function, args []Value) (*Process, error) {
	if vm.sched.isClosed() {
		return nil, ErrShutdown
	}
	return vm.sched.Spawn(fn, args), nil
}

// Send delivers msg to target's mailbox, waking it if blocked.
func (vm *VM) Send(target *Process, msg Value) {
	vm.sched.Send(target, msg)
}

// Run drives the scheduler loop until every process has exited, or ctx is
// cancelled. A process still blocked in a receive keeps Run waiting for a
// message until ctx is cancelled.
func (vm *VM) Run(ctx context.Context) {
	vm.sched.Run(ctx)
}

// Stats returns a snapshot of the VM's scheduler counters.
func (vm *VM) Stats() Stats {
	return vm.sched.Stats()
}

// Config returns the runtime configuration this VM was constructed with.
func (vm *VM) Config() Config {
	return vm.cfg
}

// Dump renders a debug snapshot of one process by pid, if the VM's
// scheduler still tracks it.
func (vm *VM) Dump(pid Pid) (string, bool) {
	p := vm.sched.lookupProcess(pid)
	if p == nil {
		return "", false
	}
	return DumpProcess(p), true
}

// Shutdown stops the VM from accepting new top-level Spawns (VM.Spawn then
// returns ErrShutdown) and returns ctx's error, if any. It does not stop or
// wait for a Run loop already in progress; that loop ends only when its own
// ctx is cancelled or the processes quiesce.
func (vm *VM) Shutdown(ctx context.Context) error {
	vm.sched.Shutdown()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}
