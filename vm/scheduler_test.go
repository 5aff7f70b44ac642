package ionvm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func idleFn() *Function {
	return &Function{
		Arity: 0, ExtraRegs: 1, Kind: FuncBytecode,
		Instructions: []Instruction{{Op: OpReceive, A: 0}},
	}
}

func TestSchedulerPidsAreMonotonicAcrossSpawns(t *testing.T) {
	sched := NewScheduler(nil, nil)
	var pids []Pid
	for i := 0; i < 5; i++ {
		p := sched.Spawn(idleFn(), nil)
		pids = append(pids, p.Pid)
	}
	for i := 1; i < len(pids); i++ {
		assert.Greaterf(t, pids[i], pids[i-1], "pid %d should exceed the previous pid %d", pids[i], pids[i-1])
	}
}

func TestSchedulerPidsAreMonotonicAcrossSharedCounter(t *testing.T) {
	shared := newPidCounter()
	s1 := NewScheduler(nil, shared)
	s2 := NewScheduler(nil, shared)

	p1 := s1.Spawn(idleFn(), nil)
	p2 := s2.Spawn(idleFn(), nil)
	p3 := s1.Spawn(idleFn(), nil)

	assert.Less(t, p1.Pid, p2.Pid)
	assert.Less(t, p2.Pid, p3.Pid)
}

func TestSchedulerSpawnTailEnqueues(t *testing.T) {
	sched := NewScheduler(nil, nil)
	first := sched.Spawn(idleFn(), nil)
	second := sched.Spawn(idleFn(), nil)

	gotFirst, ok := sched.popRunnable()
	require.True(t, ok)
	assert.Equal(t, first.Pid, gotFirst, "spawn order is the run-queue order, never cutting ahead")

	gotSecond, ok := sched.popRunnable()
	require.True(t, ok)
	assert.Equal(t, second.Pid, gotSecond)
}

func TestSchedulerRunExitsWhenQuiescent(t *testing.T) {
	sched := NewScheduler(nil, nil)
	fn := &Function{
		Arity: 0, ExtraRegs: 1, Kind: FuncBytecode,
		Instructions: []Instruction{
			{Op: OpLoadConst, A: 0, Const: Number(1)},
			{Op: OpReturn, A: 0},
		},
	}
	p := sched.Spawn(fn, nil)

	done := make(chan struct{})
	go func() {
		sched.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return once every process quiesced")
	}
	assert.Equal(t, StatusExited, p.Status())
}

func TestSchedulerStatsTracksReductionsAndPasses(t *testing.T) {
	sched := NewScheduler(nil, nil, WithTimeslice(1))
	fn := &Function{
		Arity: 0, ExtraRegs: 1, Kind: FuncBytecode,
		Instructions: []Instruction{
			{Op: OpLoadConst, A: 0, Const: Number(1)},
			{Op: OpLoadConst, A: 0, Const: Number(2)},
			{Op: OpReturn, A: 0},
		},
	}
	sched.Spawn(fn, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sched.Run(ctx)

	stats := sched.Stats()
	assert.Greater(t, stats.TotalReductions, uint64(0))
	assert.Greater(t, stats.SchedulerPasses, uint64(0))
}

func TestSchedulerTimesliceForcesPreemption(t *testing.T) {
	loopBody := func(timeslice uint32) uint64 {
		sched := NewScheduler(nil, nil, WithTimeslice(timeslice))
		fn := &Function{
			Arity: 0, ExtraRegs: 1, Kind: FuncBytecode,
			Instructions: []Instruction{
				{Op: OpLoadConst, A: 0, Const: Number(1)},
				{Op: OpJump, Offset: -2},
			},
		}
		p := sched.Spawn(fn, nil)
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		sched.Run(ctx)
		_ = p
		return sched.Stats().SchedulerPasses
	}

	smallTimeslicePasses := loopBody(1)
	largeTimeslicePasses := loopBody(1_000_000)
	assert.Greaterf(t, smallTimeslicePasses, largeTimeslicePasses,
		"a tiny timeslice should force many more scheduler passes than a huge one over the same wall-clock window")
}

func TestSchedulerShutdownRejectsNewSpawnsThroughVM(t *testing.T) {
	vm := NewVM(nil)
	require.NoError(t, vm.Shutdown(context.Background()))
	_, err := vm.Spawn(idleFn(), nil)
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestSchedulerLinkToAlreadyExitedProcessDeliversSynchronously(t *testing.T) {
	sched := NewScheduler(nil, nil)
	exited := sched.Spawn(&Function{Arity: 0, ExtraRegs: 1, Kind: FuncBytecode, Instructions: []Instruction{
		{Op: OpLoadConst, A: 0, Const: Number(7)},
		{Op: OpReturn, A: 0},
	}}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sched.Run(ctx)
	require.Equal(t, StatusExited, exited.Status())

	waiter := sched.Spawn(idleFn(), nil)
	sched.Link(waiter, exited)

	msg, ok := waiter.TakeOneMessage()
	require.True(t, ok, "linking to an already-exited process delivers its exit reason immediately")
	assert.Equal(t, "exit", msg.Atom)
	assert.True(t, msg.TaggedEnumInner().Equal(Number(7)))
}
