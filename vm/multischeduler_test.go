package ionvm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultiSchedulerPidsStayGloballyMonotonic(t *testing.T) {
	ms := NewMultiScheduler(3, nil)
	var pids []Pid
	for i := 0; i < 12; i++ {
		p := ms.Spawn(&Function{Arity: 0, Kind: FuncBytecode, Instructions: []Instruction{
			{Op: OpReturn, A: 0},
		}}, nil)
		pids = append(pids, p.Pid)
	}
	for i := 1; i < len(pids); i++ {
		assert.Greater(t, pids[i], pids[i-1], "pids must stay strictly increasing across every child scheduler")
	}
}

func TestMultiSchedulerRunDrivesAllChildrenToQuiescence(t *testing.T) {
	ms := NewMultiScheduler(2, nil)
	fn := &Function{
		Arity: 0, ExtraRegs: 1, Kind: FuncBytecode,
		Instructions: []Instruction{
			{Op: OpLoadConst, A: 0, Const: Number(9)},
			{Op: OpReturn, A: 0},
		},
	}
	var spawned []*Process
	for i := 0; i < 6; i++ {
		spawned = append(spawned, ms.Spawn(fn, nil))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, ms.Run(ctx))

	for _, p := range spawned {
		assert.Equal(t, StatusExited, p.Status())
		assert.True(t, p.ExitReason.Equal(Number(9)))
	}
}

func TestMultiSchedulerSendRoutesToOwningChild(t *testing.T) {
	ms := NewMultiScheduler(2, nil)
	receiver := ms.Spawn(&Function{Arity: 0, ExtraRegs: 1, Kind: FuncBytecode, Instructions: []Instruction{
		{Op: OpReceive, A: 0},
		{Op: OpReturn, A: 0},
	}}, nil)

	ms.Send(receiver, AtomVal("hello"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, ms.Run(ctx))

	assert.True(t, receiver.ExitReason.Equal(AtomVal("hello")))
}

// A process on one child scheduler sending to a blocked process on a
// sibling must wake it on the sibling's run queue, not the sender's.
func TestMultiSchedulerCrossSchedulerSendWakesReceiver(t *testing.T) {
	ms := NewMultiScheduler(2, nil)
	receiver := ms.Spawn(&Function{Arity: 0, ExtraRegs: 1, Kind: FuncBytecode, Instructions: []Instruction{
		{Op: OpReceive, A: 0},
		{Op: OpReturn, A: 0},
	}}, nil)
	// Load balancing puts the sender on the other child.
	sender := ms.Spawn(&Function{Arity: 1, ExtraRegs: 1, Kind: FuncBytecode, Instructions: []Instruction{
		{Op: OpLoadConst, A: 1, Const: Number(7)},
		{Op: OpSend, A: 0, B: 1},
		{Op: OpReturn, A: 1},
	}}, []Value{ProcessVal(receiver)})
	require.NotSame(t, receiver.owner, sender.owner, "the two processes must land on distinct child schedulers for this test to exercise cross-scheduler routing")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ms.Run(ctx))

	require.Equal(t, StatusExited, receiver.Status())
	assert.True(t, receiver.ExitReason.Equal(Number(7)))
}

// Exit signals cross scheduler boundaries: a process linked to a sibling
// scheduler's process still receives the exit message and is woken.
func TestMultiSchedulerCrossSchedulerLinkedExit(t *testing.T) {
	ms := NewMultiScheduler(2, nil)
	worker := ms.Spawn(&Function{Arity: 0, ExtraRegs: 1, Kind: FuncBytecode, Instructions: []Instruction{
		{Op: OpReceive, A: 0},
		{Op: OpReturn, A: 0},
	}}, nil)
	watcher := ms.Spawn(&Function{Arity: 1, ExtraRegs: 1, Kind: FuncBytecode, Instructions: []Instruction{
		{Op: OpLink, A: 0},
		{Op: OpReceive, A: 1},
		{Op: OpReturn, A: 1},
	}}, []Value{ProcessVal(worker)})
	require.NotSame(t, worker.owner, watcher.owner)

	ms.Send(worker, Number(42))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ms.Run(ctx))

	require.Equal(t, StatusExited, watcher.Status())
	require.Equal(t, KindTaggedEnum, watcher.ExitReason.Kind)
	assert.Equal(t, "exit", watcher.ExitReason.Atom)
	assert.True(t, watcher.ExitReason.TaggedEnumInner().Equal(Number(42)))
}

func TestMultiSchedulerStatsSumsChildren(t *testing.T) {
	ms := NewMultiScheduler(2, nil)
	fn := &Function{Arity: 0, Kind: FuncBytecode, Instructions: []Instruction{{Op: OpReturn, A: 0}}}
	for i := 0; i < 4; i++ {
		ms.Spawn(fn, nil)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, ms.Run(ctx))

	stats := ms.Stats()
	assert.GreaterOrEqual(t, stats.SchedulerPasses, uint64(4))
}
