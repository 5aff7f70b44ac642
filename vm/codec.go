package ionvm

/*
	Deterministic binary codec: encode: Function -> bytes, decode: bytes ->
	Function, with decode(encode(f)) == f on every well-formed Function.

	All integers are little-endian — a fixed, portable,
	easy-to-eyeball-in-a-hex-dump byte order.
*/

import (
	"encoding/binary"
	"math"
	"sort"
)

var magicBytes = [8]byte{'I', 'O', 'N', 'B', 'C', 0x01, 0x00, 0x00}

const formatVersion uint32 = 1

// byteWriter accumulates an encoded function record. It never fails — the
// buffer just grows.
type byteWriter struct {
	buf []byte
}

func (w *byteWriter) u8(b byte)      { w.buf = append(w.buf, b) }
func (w *byteWriter) bytes(b []byte) { w.buf = append(w.buf, b...) }

func (w *byteWriter) u32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

func (w *byteWriter) i32(v int32) { w.u32(uint32(v)) }

func (w *byteWriter) f64(v float64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(v))
	w.buf = append(w.buf, tmp[:]...)
}

func (w *byteWriter) str(s string) {
	w.u32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

// byteReader consumes an encoded function record, tracking the offset for
// Malformed error reporting.
type byteReader struct {
	buf []byte
	pos int
}

func (r *byteReader) remaining() int { return len(r.buf) - r.pos }

func (r *byteReader) u8() (byte, error) {
	if r.remaining() < 1 {
		return 0, &MalformedError{Offset: r.pos, Reason: "unexpected end of input reading u8"}
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *byteReader) u32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, &MalformedError{Offset: r.pos, Reason: "unexpected end of input reading u32"}
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *byteReader) i32() (int32, error) {
	v, err := r.u32()
	return int32(v), err
}

func (r *byteReader) f64() (float64, error) {
	if r.remaining() < 8 {
		return 0, &MalformedError{Offset: r.pos, Reason: "unexpected end of input reading f64"}
	}
	bits := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return math.Float64frombits(bits), nil
}

func (r *byteReader) str() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	if int(n) > r.remaining() {
		return "", &MalformedError{Offset: r.pos, Reason: "string length exceeds remaining bytes"}
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

func (r *byteReader) bytesN(n int) ([]byte, error) {
	if n > r.remaining() {
		return nil, &MalformedError{Offset: r.pos, Reason: "byte slice length exceeds remaining bytes"}
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// EncodeValue writes a literal Value: a one-byte tag then the payload.
// TaggedEnum, Closure and Process have no literal form and are never
// passed here.
func EncodeValue(w *byteWriter, v Value) {
	switch v.Kind {
	case KindNumber:
		w.u8(0x01)
		w.f64(v.Num)
	case KindBoolean:
		w.u8(0x02)
		if v.Bool {
			w.u8(1)
		} else {
			w.u8(0)
		}
	case KindAtom:
		w.u8(0x03)
		w.str(v.Atom)
	case KindUnit:
		w.u8(0x04)
	case KindUndefined:
		w.u8(0x05)
	case KindArray:
		w.u8(0x06)
		arr := v.Ref.(*ArrayHandle)
		arr.mu.Lock()
		items := append([]Value(nil), arr.Items...)
		arr.mu.Unlock()
		w.u32(uint32(len(items)))
		for _, it := range items {
			EncodeValue(w, it)
		}
	case KindObject:
		w.u8(0x07)
		obj := v.Ref.(*ObjectHandle)
		// Snapshot under the lock, encode outside it: a property value may
		// itself be an Object, and key order must be fixed for the encoding
		// to stay deterministic.
		obj.mu.Lock()
		keys := make([]string, 0, len(obj.Props))
		descs := make(map[string]PropertyDescriptor, len(obj.Props))
		for key, desc := range obj.Props {
			keys = append(keys, key)
			descs[key] = *desc
		}
		obj.mu.Unlock()
		sort.Strings(keys)
		w.u32(uint32(len(keys)))
		for _, key := range keys {
			desc := descs[key]
			w.str(key)
			EncodeValue(w, desc.Value)
			var flags byte
			if desc.Writable {
				flags |= 1 << 0
			}
			if desc.Enumerable {
				flags |= 1 << 1
			}
			if desc.Configurable {
				flags |= 1 << 2
			}
			w.u8(flags)
		}
	case KindFunction:
		w.u8(0x08)
		name := ""
		if f, ok := v.Ref.(*Function); ok {
			name = f.Name
		}
		w.str(name)
	case KindTuple:
		w.u8(0x09)
		w.u32(uint32(len(v.Items)))
		for _, it := range v.Items {
			EncodeValue(w, it)
		}
	}
}

// DecodeValue reads one literal Value. fnByName resolves a Function-kind
// literal's symbolic reference to an already-loaded Function handle; it may
// be nil only for contexts that never embed function literals.
func DecodeValue(r *byteReader, fnByName func(string) *Function) (Value, error) {
	tag, err := r.u8()
	if err != nil {
		return Value{}, err
	}
	switch tag {
	case 0x01:
		f, err := r.f64()
		if err != nil {
			return Value{}, err
		}
		return Number(f), nil
	case 0x02:
		b, err := r.u8()
		if err != nil {
			return Value{}, err
		}
		return Boolean(b != 0), nil
	case 0x03:
		s, err := r.str()
		if err != nil {
			return Value{}, err
		}
		return AtomVal(s), nil
	case 0x04:
		return UnitVal(), nil
	case 0x05:
		return UndefinedVal(), nil
	case 0x06:
		n, err := r.u32()
		if err != nil {
			return Value{}, err
		}
		items := make([]Value, 0, n)
		for i := uint32(0); i < n; i++ {
			it, err := DecodeValue(r, fnByName)
			if err != nil {
				return Value{}, err
			}
			items = append(items, it)
		}
		return NewArray(items), nil
	case 0x07:
		n, err := r.u32()
		if err != nil {
			return Value{}, err
		}
		obj := &ObjectHandle{Props: map[string]*PropertyDescriptor{}}
		for i := uint32(0); i < n; i++ {
			key, err := r.str()
			if err != nil {
				return Value{}, err
			}
			val, err := DecodeValue(r, fnByName)
			if err != nil {
				return Value{}, err
			}
			flags, err := r.u8()
			if err != nil {
				return Value{}, err
			}
			obj.Props[key] = &PropertyDescriptor{
				Value:        val,
				Writable:     flags&(1<<0) != 0,
				Enumerable:   flags&(1<<1) != 0,
				Configurable: flags&(1<<2) != 0,
			}
		}
		return ObjectVal(obj), nil
	case 0x08:
		name, err := r.str()
		if err != nil {
			return Value{}, err
		}
		if fnByName == nil {
			return Value{}, &MalformedError{Offset: r.pos, Reason: "function literal without a resolver"}
		}
		fn := fnByName(name)
		if fn == nil {
			return Value{}, &MalformedError{Offset: r.pos, Reason: "unresolved function literal: " + name}
		}
		return FunctionVal(fn), nil
	case 0x09:
		n, err := r.u32()
		if err != nil {
			return Value{}, err
		}
		items := make([]Value, 0, n)
		for i := uint32(0); i < n; i++ {
			it, err := DecodeValue(r, fnByName)
			if err != nil {
				return Value{}, err
			}
			items = append(items, it)
		}
		return TupleVal(items), nil
	default:
		return Value{}, &MalformedError{Offset: r.pos - 1, Reason: "unknown value tag"}
	}
}

// EncodePattern writes a Match-arm pattern: a one-byte tag then the
// payload.
func EncodePattern(w *byteWriter, p Pattern) {
	switch p.Kind {
	case PatValue:
		w.u8(0x01)
		EncodeValue(w, p.Value)
	case PatWildcard:
		w.u8(0x02)
	case PatTuple:
		w.u8(0x03)
		w.u32(uint32(len(p.Elems)))
		for _, sub := range p.Elems {
			EncodePattern(w, sub)
		}
	case PatArray:
		w.u8(0x04)
		w.u32(uint32(len(p.Elems)))
		for _, sub := range p.Elems {
			EncodePattern(w, sub)
		}
	case PatTaggedEnum:
		w.u8(0x05)
		w.str(p.Tag)
		EncodePattern(w, p.Elems[0])
	}
}

func DecodePattern(r *byteReader, fnByName func(string) *Function) (Pattern, error) {
	tag, err := r.u8()
	if err != nil {
		return Pattern{}, err
	}
	switch tag {
	case 0x01:
		v, err := DecodeValue(r, fnByName)
		if err != nil {
			return Pattern{}, err
		}
		return Pattern{Kind: PatValue, Value: v}, nil
	case 0x02:
		return Pattern{Kind: PatWildcard}, nil
	case 0x03, 0x04:
		n, err := r.u32()
		if err != nil {
			return Pattern{}, err
		}
		elems := make([]Pattern, 0, n)
		for i := uint32(0); i < n; i++ {
			sub, err := DecodePattern(r, fnByName)
			if err != nil {
				return Pattern{}, err
			}
			elems = append(elems, sub)
		}
		kind := PatTuple
		if tag == 0x04 {
			kind = PatArray
		}
		return Pattern{Kind: kind, Elems: elems}, nil
	case 0x05:
		t, err := r.str()
		if err != nil {
			return Pattern{}, err
		}
		inner, err := DecodePattern(r, fnByName)
		if err != nil {
			return Pattern{}, err
		}
		return Pattern{Kind: PatTaggedEnum, Tag: t, Elems: []Pattern{inner}}, nil
	default:
		return Pattern{}, &MalformedError{Offset: r.pos - 1, Reason: "unknown pattern tag"}
	}
}

// EncodeInstruction writes one instruction: opcode byte then operands in
// the per-opcode layout. Register operands are u32, jump offsets signed
// i32, variable-length operand lists carry a u32 count prefix.
func EncodeInstruction(w *byteWriter, instr Instruction) {
	w.u8(byte(instr.Op))
	switch instr.Op {
	case OpLoadConst:
		w.u32(instr.A)
		EncodeValue(w, instr.Const)
	case OpMove, OpAdd, OpSub, OpMul, OpDiv, OpGetProp, OpSetProp:
		w.u32(instr.A)
		w.u32(instr.B)
		if instr.Op == OpAdd || instr.Op == OpSub || instr.Op == OpMul || instr.Op == OpDiv || instr.Op == OpGetProp || instr.Op == OpSetProp {
			w.u32(instr.C)
		}
	case OpCall, OpSpawn:
		w.u32(instr.A)
		w.u32(instr.B)
		w.u32(uint32(len(instr.Args)))
		for _, a := range instr.Args {
			w.u32(a)
		}
	case OpReturn, OpReceive, OpLink:
		w.u32(instr.A)
	case OpJump:
		w.i32(instr.Offset)
	case OpJumpIfTrue, OpJumpIfFalse:
		w.u32(instr.A)
		w.i32(instr.Offset)
	case OpSend:
		w.u32(instr.A)
		w.u32(instr.B)
	case OpReceiveWithTimeout:
		w.u32(instr.A)
		w.u32(instr.B)
		w.u32(instr.C)
	case OpMatch:
		w.u32(instr.A)
		w.u32(uint32(len(instr.Arms)))
		for _, arm := range instr.Arms {
			EncodePattern(w, arm.Pattern)
			w.i32(arm.Offset)
		}
	case OpYield, OpNop:
		// no operands
	}
}

// DecodeInstruction reads one instruction and validates its register
// operands against totalRegs. Jump-range validation happens in the caller
// once the full instruction stream (and so the instruction count) is
// known.
func DecodeInstruction(r *byteReader, totalRegs uint32, fnByName func(string) *Function) (Instruction, error) {
	opByte, err := r.u8()
	if err != nil {
		return Instruction{}, err
	}
	op := Opcode(opByte)
	instr := Instruction{Op: op}

	checkReg := func(reg uint32) error {
		if reg >= totalRegs {
			return &RegisterOutOfRangeError{Reg: reg}
		}
		return nil
	}

	switch op {
	case OpLoadConst:
		reg, err := r.u32()
		if err != nil {
			return instr, err
		}
		if err := checkReg(reg); err != nil {
			return instr, err
		}
		val, err := DecodeValue(r, fnByName)
		if err != nil {
			return instr, err
		}
		instr.A, instr.Const = reg, val
	case OpMove:
		instr.A, err = r.u32()
		if err == nil {
			instr.B, err = r.u32()
		}
		if err != nil {
			return instr, err
		}
		if err := checkReg(instr.A); err != nil {
			return instr, err
		}
		if err := checkReg(instr.B); err != nil {
			return instr, err
		}
	case OpAdd, OpSub, OpMul, OpDiv, OpGetProp, OpSetProp:
		regs := make([]uint32, 3)
		for i := range regs {
			regs[i], err = r.u32()
			if err != nil {
				return instr, err
			}
			if err := checkReg(regs[i]); err != nil {
				return instr, err
			}
		}
		instr.A, instr.B, instr.C = regs[0], regs[1], regs[2]
	case OpCall, OpSpawn:
		instr.A, err = r.u32()
		if err == nil {
			instr.B, err = r.u32()
		}
		if err != nil {
			return instr, err
		}
		if err := checkReg(instr.A); err != nil {
			return instr, err
		}
		if err := checkReg(instr.B); err != nil {
			return instr, err
		}
		argc, err := r.u32()
		if err != nil {
			return instr, err
		}
		args := make([]uint32, 0, argc)
		for i := uint32(0); i < argc; i++ {
			reg, err := r.u32()
			if err != nil {
				return instr, err
			}
			if err := checkReg(reg); err != nil {
				return instr, err
			}
			args = append(args, reg)
		}
		instr.Args = args
	case OpReturn, OpReceive, OpLink:
		instr.A, err = r.u32()
		if err != nil {
			return instr, err
		}
		if err := checkReg(instr.A); err != nil {
			return instr, err
		}
	case OpJump:
		instr.Offset, err = r.i32()
		if err != nil {
			return instr, err
		}
	case OpJumpIfTrue, OpJumpIfFalse:
		instr.A, err = r.u32()
		if err != nil {
			return instr, err
		}
		if err := checkReg(instr.A); err != nil {
			return instr, err
		}
		instr.Offset, err = r.i32()
		if err != nil {
			return instr, err
		}
	case OpSend:
		instr.A, err = r.u32()
		if err == nil {
			instr.B, err = r.u32()
		}
		if err != nil {
			return instr, err
		}
		if err := checkReg(instr.A); err != nil {
			return instr, err
		}
		if err := checkReg(instr.B); err != nil {
			return instr, err
		}
	case OpReceiveWithTimeout:
		regs := make([]uint32, 3)
		for i := range regs {
			regs[i], err = r.u32()
			if err != nil {
				return instr, err
			}
			if err := checkReg(regs[i]); err != nil {
				return instr, err
			}
		}
		instr.A, instr.B, instr.C = regs[0], regs[1], regs[2]
	case OpMatch:
		instr.A, err = r.u32()
		if err != nil {
			return instr, err
		}
		if err := checkReg(instr.A); err != nil {
			return instr, err
		}
		count, err := r.u32()
		if err != nil {
			return instr, err
		}
		arms := make([]MatchArm, 0, count)
		for i := uint32(0); i < count; i++ {
			pat, err := DecodePattern(r, fnByName)
			if err != nil {
				return instr, err
			}
			off, err := r.i32()
			if err != nil {
				return instr, err
			}
			arms = append(arms, MatchArm{Pattern: pat, Offset: off})
		}
		instr.Arms = arms
	case OpYield, OpNop:
		// no operands
	default:
		return instr, &BadOpcodeError{Offset: r.pos - 1, Byte: opByte}
	}

	return instr, nil
}

// EncodeFunction writes one function record: name, arity, extra register
// count, kind, then the bytecode body or native name.
func EncodeFunction(fn *Function) []byte {
	w := &byteWriter{}
	if fn.HasName {
		w.u8(1)
		w.str(fn.Name)
	} else {
		w.u8(0)
	}
	w.u32(fn.Arity)
	w.u32(fn.ExtraRegs)
	switch fn.Kind {
	case FuncBytecode:
		w.u8(0)
		w.u32(uint32(len(fn.Instructions)))
		for _, instr := range fn.Instructions {
			EncodeInstruction(w, instr)
		}
	case FuncFFI:
		w.u8(1)
		w.str(fn.FFIName)
	}
	return w.buf
}

// DecodeFunction reads a function record. jump offsets are checked against
// the decoded instruction count once the whole stream has been read, since
// a forward jump can't be range-checked until instr_count is known.
func DecodeFunction(buf []byte, fnByName func(string) *Function) (*Function, error) {
	r := &byteReader{buf: buf}
	return decodeFunctionRecord(r, fnByName)
}

func decodeFunctionRecord(r *byteReader, fnByName func(string) *Function) (*Function, error) {
	hasName, err := r.u8()
	if err != nil {
		return nil, err
	}
	fn := &Function{HasName: hasName != 0}
	if fn.HasName {
		fn.Name, err = r.str()
		if err != nil {
			return nil, err
		}
	}
	fn.Arity, err = r.u32()
	if err != nil {
		return nil, err
	}
	fn.ExtraRegs, err = r.u32()
	if err != nil {
		return nil, err
	}
	kind, err := r.u8()
	if err != nil {
		return nil, err
	}
	total := fn.TotalRegisters()
	switch kind {
	case 0:
		fn.Kind = FuncBytecode
		count, err := r.u32()
		if err != nil {
			return nil, err
		}
		instrs := make([]Instruction, 0, count)
		for i := uint32(0); i < count; i++ {
			instr, err := DecodeInstruction(r, total, fnByName)
			if err != nil {
				return nil, err
			}
			instrs = append(instrs, instr)
		}
		for i, instr := range instrs {
			if instr.Op == OpJump || instr.Op == OpJumpIfTrue || instr.Op == OpJumpIfFalse {
				target := int64(i) + 1 + int64(instr.Offset)
				if target < 0 || target > int64(len(instrs)) {
					return nil, &JumpOutOfRangeError{FuncName: fn.Name, InstrIdx: i, Offset: instr.Offset}
				}
			}
			if instr.Op == OpMatch {
				for _, arm := range instr.Arms {
					target := int64(i) + 1 + int64(arm.Offset)
					if target < 0 || target > int64(len(instrs)) {
						return nil, &JumpOutOfRangeError{FuncName: fn.Name, InstrIdx: i, Offset: arm.Offset}
					}
				}
			}
		}
		fn.Instructions = instrs
	case 1:
		fn.Kind = FuncFFI
		fn.FFIName, err = r.str()
		if err != nil {
			return nil, err
		}
	default:
		return nil, &MalformedError{Offset: r.pos - 1, Reason: "unknown function kind"}
	}
	return fn, nil
}

// EncodeProgram writes the full container: magic, format version, then one
// function record per fn.
func EncodeProgram(fns []*Function) []byte {
	w := &byteWriter{}
	w.bytes(magicBytes[:])
	w.u32(formatVersion)
	for _, fn := range fns {
		rec := EncodeFunction(fn)
		w.bytes(rec)
	}
	return w.buf
}

// DecodeProgram reads the magic/version header then decodes function
// records until the buffer is exhausted. fnByName resolves symbolic
// Function-literal references within a Value encoding — callers loading a
// multi-function program typically pre-register placeholders and patch
// them, or pass nil when no function literals are embedded.
func DecodeProgram(buf []byte, fnByName func(string) *Function) ([]*Function, error) {
	r := &byteReader{buf: buf}
	if r.remaining() < 8 {
		return nil, ErrBadMagic
	}
	var magic [8]byte
	copy(magic[:], buf[:8])
	r.pos = 8
	if magic != magicBytes {
		return nil, ErrBadMagic
	}
	version, err := r.u32()
	if err != nil {
		return nil, err
	}
	if version != formatVersion {
		return nil, ErrUnsupportedVersion
	}
	var fns []*Function
	for r.remaining() > 0 {
		fn, err := decodeFunctionRecord(r, fnByName)
		if err != nil {
			return nil, err
		}
		fns = append(fns, fn)
	}
	return fns, nil
}
