package ionvm

/*
	Per-instruction semantics, operating on one process's top frame.
	runSlice executes until the process's reduction budget reaches zero,
	its status leaves Running, or a fatal fault turns it into Exited.
	Faults split three ways: decode errors never reach this loop,
	value-level faults degrade to Undefined, and process-fatal faults
	become TaggedEnum("error", ...) exit reasons delivered to linked
	processes.
*/

import (
	"math"
	"strings"
)

// runSlice runs p until its budget is exhausted, it blocks, or it exits.
// Each executed instruction decrements Budget by 1.
func (s *Scheduler) runSlice(p *Process) {
	for p.Budget > 0 {
		frame := p.TopFrame()
		if frame == nil {
			s.exitProcess(p, FaultReason(FaultEmptyFrameStack))
			return
		}
		if frame.IP >= len(frame.Fn.Instructions) {
			// Running past the last instruction of the top frame behaves
			// like an implicit Return of Unit from that frame.
			s.execReturn(p, frame, UnitVal())
			if p.Status() != StatusRunning {
				return
			}
			continue
		}

		instr := frame.Fn.Instructions[frame.IP]
		p.Budget--
		s.stats.totalReductions.Add(1)

		if s.step(p, frame, instr) {
			// step returned true: the process left Running (blocked or
			// exited) and the scheduler must return control now.
			return
		}
	}
	// Budget exhausted while still Running: preempt back to Runnable.
	if p.Status() == StatusRunning {
		p.SetStatus(StatusRunnable)
	}
}

// step executes one instruction on frame and returns true if the process
// is no longer Running afterward (blocked, exited, or yielded).
func (s *Scheduler) step(p *Process, frame *Frame, instr Instruction) bool {
	switch instr.Op {
	case OpLoadConst:
		frame.Regs[instr.A] = s.resolveLoadConst(p, instr.Const)
		frame.IP++

	case OpMove:
		frame.Regs[instr.A] = frame.Regs[instr.B]
		frame.IP++

	case OpAdd:
		frame.Regs[instr.A] = arith(frame.Regs[instr.B], frame.Regs[instr.C], '+')
		frame.IP++
	case OpSub:
		frame.Regs[instr.A] = arith(frame.Regs[instr.B], frame.Regs[instr.C], '-')
		frame.IP++
	case OpMul:
		frame.Regs[instr.A] = arith(frame.Regs[instr.B], frame.Regs[instr.C], '*')
		frame.IP++
	case OpDiv:
		frame.Regs[instr.A] = arith(frame.Regs[instr.B], frame.Regs[instr.C], '/')
		frame.IP++

	case OpGetProp:
		frame.Regs[instr.A] = getProp(frame.Regs[instr.B], frame.Regs[instr.C])
		frame.IP++
	case OpSetProp:
		setProp(frame.Regs[instr.A], frame.Regs[instr.B], frame.Regs[instr.C])
		frame.IP++

	case OpCall:
		return s.execCall(p, frame, instr)

	case OpReturn:
		s.execReturn(p, frame, frame.Regs[instr.A])
		return p.Status() != StatusRunning

	case OpJump:
		frame.IP = frame.IP + 1 + int(instr.Offset)

	case OpJumpIfTrue:
		if frame.Regs[instr.A].Truthy() {
			frame.IP = frame.IP + 1 + int(instr.Offset)
		} else {
			frame.IP++
		}
	case OpJumpIfFalse:
		if !frame.Regs[instr.A].Truthy() {
			frame.IP = frame.IP + 1 + int(instr.Offset)
		} else {
			frame.IP++
		}

	case OpSpawn:
		return s.execSpawn(p, frame, instr)

	case OpSend:
		target := frame.Regs[instr.A]
		if target.Kind != KindProcess {
			// A dead target is a no-op, but a non-Process value is a
			// process-fatal fault.
			s.exitProcess(p, FaultReason(FaultSendToNonProcess))
			return true
		}
		s.Send(target.Ref.(*Process), frame.Regs[instr.B])
		frame.IP++

	case OpReceive:
		if msg, ok := p.TakeOneMessage(); ok {
			frame.Regs[instr.A] = msg
			frame.IP++
		} else {
			p.SetStatus(StatusWaitingForMessage)
			return true
		}

	case OpReceiveWithTimeout:
		if msg, ok := p.TakeOneMessage(); ok {
			frame.Regs[instr.A] = msg
			frame.Regs[instr.C] = Boolean(true)
			frame.IP++
		} else {
			millis := frame.Regs[instr.B]
			ms := 0.0
			if millis.Kind == KindNumber {
				ms = millis.Num
			}
			p.SetStatus(StatusWaitingForMessageTimeout)
			s.armTimeout(p, frame, instr.A, instr.C, ms)
			return true
		}

	case OpLink:
		target := frame.Regs[instr.A]
		if target.Kind == KindProcess {
			s.Link(p, target.Ref.(*Process))
		}
		frame.IP++

	case OpMatch:
		execMatch(frame, instr)

	case OpYield:
		p.Budget = 0
		frame.IP++
		p.SetStatus(StatusRunnable)
		return true

	case OpNop:
		frame.IP++

	default:
		s.exitProcess(p, FaultReason(FaultBadOpcode))
		return true
	}
	return false
}

// resolveLoadConst substitutes __vm: reserved atoms (and the legacy bare
// "self") at load time.
func (s *Scheduler) resolveLoadConst(p *Process, v Value) Value {
	if v.Kind != KindAtom {
		return v
	}
	name := v.Atom
	if name == "self" {
		name = "__vm:self"
	}
	if !strings.HasPrefix(name, "__vm:") {
		return v
	}
	switch name {
	case "__vm:self":
		return ProcessVal(p)
	case "__vm:pid":
		return Number(float64(p.Pid))
	case "__vm:processes":
		return Number(float64(s.ProcessCount()))
	case "__vm:scheduler_passes":
		return Number(float64(s.Passes()))
	default:
		// Unknown __vm: atoms are kept as literal atoms.
		return v
	}
}

// arith implements Add/Sub/Mul/Div: numeric on two Numbers, Atom+Atom
// concatenates, Atom*Number repeats the atom's text, and every other
// combination (including division by zero) degrades to Undefined.
func arith(a, b Value, op byte) Value {
	if a.Kind == KindNumber && b.Kind == KindNumber {
		switch op {
		case '+':
			return Number(a.Num + b.Num)
		case '-':
			return Number(a.Num - b.Num)
		case '*':
			return Number(a.Num * b.Num)
		case '/':
			if b.Num == 0 {
				return UndefinedVal()
			}
			return Number(a.Num / b.Num)
		}
	}
	if op == '+' && a.Kind == KindAtom && b.Kind == KindAtom {
		return AtomVal(a.Atom + b.Atom)
	}
	if op == '*' && a.Kind == KindAtom && b.Kind == KindNumber {
		n := int(b.Num)
		if b.Num < 0 || math.IsNaN(b.Num) || math.IsInf(b.Num, 0) {
			return UndefinedVal()
		}
		return AtomVal(strings.Repeat(a.Atom, n))
	}
	return UndefinedVal()
}

func getProp(obj, key Value) Value {
	if key.Kind != KindAtom || obj.Kind != KindObject {
		return UndefinedVal()
	}
	return obj.Ref.(*ObjectHandle).GetProp(key.Atom)
}

func setProp(obj, key, val Value) {
	if obj.Kind != KindObject || key.Kind != KindAtom {
		return
	}
	obj.Ref.(*ObjectHandle).SetProp(key.Atom, val)
}

func execMatch(frame *Frame, instr Instruction) {
	src := frame.Regs[instr.A]
	for _, arm := range instr.Arms {
		if arm.Pattern.Matches(src) {
			frame.IP = frame.IP + 1 + int(arm.Offset)
			return
		}
	}
	frame.IP++
}

// execCall resolves the callee and pushes a new frame (or invokes FFI
// synchronously). Returns true if the process left Running (a fatal fault
// exited it).
func (s *Scheduler) execCall(p *Process, frame *Frame, instr Instruction) bool {
	callee := frame.Regs[instr.B]
	fn, bound, ok := resolveCallable(callee)
	if !ok {
		s.exitProcess(p, FaultReason(FaultNotCallable))
		return true
	}

	args := make([]Value, 0, len(instr.Args)+1)
	if bound != nil {
		args = append(args, *bound)
	}
	for _, reg := range instr.Args {
		args = append(args, frame.Regs[reg])
	}
	if uint32(len(args)) != fn.Arity {
		s.exitProcess(p, FaultReason(FaultArityMismatch))
		return true
	}

	if fn.Kind == FuncFFI {
		return s.execFFICall(p, frame, instr, fn, args)
	}

	frame.IP++
	p.PushFrame(fn, args, instr.A, true)
	return false
}

func (s *Scheduler) execFFICall(p *Process, frame *Frame, instr Instruction, fn *Function, args []Value) bool {
	ffiArgs := make([]FfiValue, len(args))
	for i, a := range args {
		conv, err := toFfiValue(a)
		if err != nil {
			// FFI type rejection degrades to Undefined, it is not a
			// process-fatal fault.
			frame.Regs[instr.A] = UndefinedVal()
			frame.IP++
			return false
		}
		ffiArgs[i] = conv
	}
	result, err := s.ffi.Call(fn.FFIName, ffiArgs)
	if err != nil {
		frame.Regs[instr.A] = UndefinedVal()
	} else {
		frame.Regs[instr.A] = fromFfiValue(result)
	}
	frame.IP++
	return false
}

func resolveCallable(v Value) (fn *Function, bound *Value, ok bool) {
	switch v.Kind {
	case KindFunction:
		f := v.Ref.(*Function)
		return f, f.BoundReceiver, true
	case KindClosure:
		c := v.Ref.(*Closure)
		return c.Fn, c.Fn.BoundReceiver, true
	default:
		return nil, nil, false
	}
}

// execReturn pops the current frame and writes its result into the
// caller's return slot, or exits the process if there is no caller.
func (s *Scheduler) execReturn(p *Process, frame *Frame, result Value) {
	_, caller, hasCaller := p.PopFrame()
	if !hasCaller {
		s.exitProcess(p, result)
		return
	}
	if frame.HasReturnReg {
		caller.Regs[frame.ReturnReg] = result
	}
}

// execSpawn allocates a new process running fn with the given args and
// writes a Process handle to the destination register. Returns true if
// the process left Running (fatal fault).
func (s *Scheduler) execSpawn(p *Process, frame *Frame, instr Instruction) bool {
	callee := frame.Regs[instr.B]
	fn, bound, ok := resolveCallable(callee)
	if !ok {
		s.exitProcess(p, FaultReason(FaultNotCallable))
		return true
	}
	args := make([]Value, 0, len(instr.Args)+1)
	if bound != nil {
		args = append(args, *bound)
	}
	for _, reg := range instr.Args {
		args = append(args, frame.Regs[reg])
	}
	if uint32(len(args)) != fn.Arity {
		s.exitProcess(p, FaultReason(FaultArityMismatch))
		return true
	}
	child := s.Spawn(fn, args)
	frame.Regs[instr.A] = ProcessVal(child)
	frame.IP++
	return false
}
