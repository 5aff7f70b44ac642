package ionvm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToFfiValueScalarRoundTrip(t *testing.T) {
	cases := []Value{
		Number(3.5), Boolean(true), AtomVal("tag"), UnitVal(), UndefinedVal(),
	}
	for _, v := range cases {
		conv, err := toFfiValue(v)
		require.NoError(t, err)
		back := fromFfiValue(conv)
		assert.Truef(t, v.Equal(back), "round trip of %v produced %v", v, back)
	}
}

func TestToFfiValueTupleAndArray(t *testing.T) {
	tup := TupleVal([]Value{Number(1), AtomVal("x")})
	conv, err := toFfiValue(tup)
	require.NoError(t, err)
	assert.Equal(t, FfiTuple, conv.Kind)
	back := fromFfiValue(conv)
	assert.True(t, back.Equal(tup))

	arr := NewArray([]Value{Number(1), Number(2)})
	conv, err = toFfiValue(arr)
	require.NoError(t, err)
	assert.Equal(t, FfiArray, conv.Kind)
	require.Len(t, conv.Items, 2)
}

func TestToFfiValueObjectFlattensProtoAndDescriptors(t *testing.T) {
	proto := &ObjectHandle{Props: map[string]*PropertyDescriptor{
		"inherited": {Value: Number(1), Writable: true, Enumerable: true, Configurable: true},
	}}
	obj := &ObjectHandle{
		Props: map[string]*PropertyDescriptor{
			"own": {Value: AtomVal("v"), Writable: false, Enumerable: false, Configurable: false},
		},
		Proto: proto,
	}
	conv, err := toFfiValue(ObjectVal(obj))
	require.NoError(t, err)
	require.Equal(t, FfiObject, conv.Kind)
	_, hasInherited := conv.Props["inherited"]
	assert.False(t, hasInherited, "FFI conversion only sees own properties, never the prototype chain")
	require.Contains(t, conv.Props, "own")
	assert.Equal(t, FfiAtom, conv.Props["own"].Kind)
}

func TestToFfiValueRejectsNonConvertibleKinds(t *testing.T) {
	notConvertible := []Value{
		ProcessVal(newProcess(1, &Function{Kind: FuncBytecode}, nil)),
		FunctionVal(&Function{Kind: FuncBytecode}),
		ClosureVal(&Closure{Fn: &Function{Kind: FuncBytecode}}),
		TaggedEnumVal("ok", Number(1)),
	}
	for _, v := range notConvertible {
		_, err := toFfiValue(v)
		assert.ErrorIsf(t, err, ErrFfiTypeError, "%s should not be FFI-convertible", v.Kind)
	}
}

func TestFFICallDegradesToUndefinedOnTypeRejection(t *testing.T) {
	reg := &stubFfiRegistry{}
	callee := &Function{Arity: 1, Kind: FuncFFI, FFIName: "identity"}
	main := &Function{
		Arity: 0, ExtraRegs: 3, Kind: FuncBytecode,
		Instructions: []Instruction{
			{Op: OpLoadConst, A: 0, Const: FunctionVal(callee)},
			{Op: OpLoadConst, A: 1, Const: ProcessVal(newProcess(99, &Function{Kind: FuncBytecode}, nil))},
			{Op: OpCall, A: 2, B: 0, Args: []uint32{1}},
			{Op: OpReturn, A: 2},
		},
	}
	vm := NewVM(reg)
	p, err := vm.Spawn(main, nil)
	require.NoError(t, err)
	runToQuiescence(t, vm, time.Second)
	assert.True(t, p.ExitReason.Equal(UndefinedVal()), "a non-FFI-convertible argument degrades the call result, not a crash")
}

func TestFFICallInvokesRegistry(t *testing.T) {
	reg := &stubFfiRegistry{}
	callee := &Function{Arity: 2, Kind: FuncFFI, FFIName: "add"}
	main := &Function{
		Arity: 0, ExtraRegs: 4, Kind: FuncBytecode,
		Instructions: []Instruction{
			{Op: OpLoadConst, A: 0, Const: FunctionVal(callee)},
			{Op: OpLoadConst, A: 1, Const: Number(2)},
			{Op: OpLoadConst, A: 2, Const: Number(3)},
			{Op: OpCall, A: 3, B: 0, Args: []uint32{1, 2}},
			{Op: OpReturn, A: 3},
		},
	}
	vm := NewVM(reg)
	p, err := vm.Spawn(main, nil)
	require.NoError(t, err)
	runToQuiescence(t, vm, time.Second)
	assert.True(t, p.ExitReason.Equal(Number(5)))
}

// stubFfiRegistry implements a tiny fixed table for exercising the FFI
// boundary without depending on any real native function set.
type stubFfiRegistry struct{}

func (stubFfiRegistry) Call(name string, args []FfiValue) (FfiValue, error) {
	switch name {
	case "identity":
		return args[0], nil
	case "add":
		return FfiValue{Kind: FfiNumber, Num: args[0].Num + args[1].Num}, nil
	default:
		return FfiValue{}, &FfiError{Name: name, Err: ErrFfiNotFound}
	}
}
func (stubFfiRegistry) Has(name string) bool {
	return name == "identity" || name == "add"
}
func (stubFfiRegistry) Arity(name string) (int, bool) {
	switch name {
	case "identity":
		return 1, true
	case "add":
		return 2, true
	default:
		return 0, false
	}
}
