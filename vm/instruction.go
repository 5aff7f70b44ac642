package ionvm

/*
	Opcode table. One byte opcode followed by operands; register operands
	are u32, jump offsets are signed i32 instruction-relative,
	variable-length operand lists are prefixed by a u32 count.
*/

type Opcode byte

const (
	OpLoadConst          Opcode = 0x01
	OpMove               Opcode = 0x02
	OpAdd                Opcode = 0x03
	OpSub                Opcode = 0x04
	OpMul                Opcode = 0x05
	OpDiv                Opcode = 0x06
	OpGetProp            Opcode = 0x07
	OpSetProp            Opcode = 0x08
	OpCall               Opcode = 0x09
	OpReturn             Opcode = 0x0A
	OpJump               Opcode = 0x0B
	OpJumpIfTrue         Opcode = 0x0C
	OpJumpIfFalse        Opcode = 0x0D
	OpSpawn              Opcode = 0x0E
	OpSend               Opcode = 0x0F
	OpReceive            Opcode = 0x10
	OpLink               Opcode = 0x11
	OpMatch              Opcode = 0x12
	OpYield              Opcode = 0x13
	OpNop                Opcode = 0x14
	OpReceiveWithTimeout Opcode = 0x15
)

func (op Opcode) String() string {
	switch op {
	case OpLoadConst:
		return "LoadConst"
	case OpMove:
		return "Move"
	case OpAdd:
		return "Add"
	case OpSub:
		return "Sub"
	case OpMul:
		return "Mul"
	case OpDiv:
		return "Div"
	case OpGetProp:
		return "GetProp"
	case OpSetProp:
		return "SetProp"
	case OpCall:
		return "Call"
	case OpReturn:
		return "Return"
	case OpJump:
		return "Jump"
	case OpJumpIfTrue:
		return "JumpIfTrue"
	case OpJumpIfFalse:
		return "JumpIfFalse"
	case OpSpawn:
		return "Spawn"
	case OpSend:
		return "Send"
	case OpReceive:
		return "Receive"
	case OpLink:
		return "Link"
	case OpMatch:
		return "Match"
	case OpYield:
		return "Yield"
	case OpNop:
		return "Nop"
	case OpReceiveWithTimeout:
		return "ReceiveWithTimeout"
	default:
		return "?unknown-opcode?"
	}
}

// MatchArm is one (pattern, jump-offset) entry of a Match instruction.
type MatchArm struct {
	Pattern Pattern
	Offset  int32
}

// Instruction is the decoded, execution-ready form of one bytecode
// instruction. Operand meaning varies by Op; see the per-opcode cases of
// step in interp.go for which of A/B/C/Offset/Args/Arms/Const apply.
type Instruction struct {
	Op      Opcode
	A, B, C uint32
	Offset  int32
	Args    []uint32
	Arms    []MatchArm
	Const   Value
}

// PatternKind tags which variant of the match-pattern sum a Pattern holds.
type PatternKind uint8

const (
	PatValue PatternKind = iota
	PatWildcard
	PatTuple
	PatArray
	PatTaggedEnum
)

// Pattern is a Match-instruction pattern. For PatTaggedEnum, Elems holds
// exactly one entry (the inner pattern) and Tag holds the expected tag
// atom.
type Pattern struct {
	Kind  PatternKind
	Value Value
	Elems []Pattern
	Tag   string
}

// Matches reports whether v matches this pattern. Sub-patterns never bind
// registers; destructuring is the caller's responsibility.
func (p Pattern) Matches(v Value) bool {
	switch p.Kind {
	case PatWildcard:
		return true
	case PatValue:
		return p.Value.Equal(v)
	case PatTuple:
		if v.Kind != KindTuple || len(v.Items) != len(p.Elems) {
			return false
		}
		for i, sub := range p.Elems {
			if !sub.Matches(v.Items[i]) {
				return false
			}
		}
		return true
	case PatArray:
		if v.Kind != KindArray {
			return false
		}
		arr := v.Ref.(*ArrayHandle)
		if arr.Len() != len(p.Elems) {
			return false
		}
		for i, sub := range p.Elems {
			elem, _ := arr.Get(i)
			if !sub.Matches(elem) {
				return false
			}
		}
		return true
	case PatTaggedEnum:
		if v.Kind != KindTaggedEnum || v.Atom != p.Tag {
			return false
		}
		return p.Elems[0].Matches(v.TaggedEnumInner())
	default:
		return false
	}
}
