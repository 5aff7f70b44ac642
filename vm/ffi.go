package ionvm

/*
	The FFI boundary: an injectable registry the interpreter calls into
	synchronously for Function{Kind: FuncFFI} activations. Only the calling
	convention and the reduced FfiValue sum used to cross the boundary live
	here — the native function set itself is the embedder's to supply.
*/

import "errors"

// FfiError is returned by a FfiRegistry.Call that fails for a reason other
// than the core's own type-conversion rejection.
type FfiError struct {
	Name string
	Err  error
}

func (e *FfiError) Error() string {
	return "ffi call " + e.Name + ": " + e.Err.Error()
}

func (e *FfiError) Unwrap() error { return e.Err }

// ErrFfiNotFound is returned by a registry when asked to call an unknown
// native function name.
var ErrFfiNotFound = errors.New("ffi function not found")

// FfiKind tags the reduced value sum crossing the FFI boundary. Process,
// Function, Closure and TaggedEnum have no FfiKind — converting one
// fails with ErrFfiTypeError.
type FfiKind uint8

const (
	FfiNumber FfiKind = iota
	FfiBoolean
	FfiAtom
	FfiString
	FfiUnit
	FfiUndefined
	FfiArray
	FfiObject
	FfiTuple
)

// FfiValue is the structurally parallel reduced sum FFI functions operate
// on; core Values are converted to/from it at the Call boundary.
type FfiValue struct {
	Kind  FfiKind
	Num   float64
	Bool  bool
	Str   string
	Items []FfiValue
	Props map[string]FfiValue
}

// FfiRegistry is the injectable native-function table the interpreter
// calls through for Function{Kind: FuncFFI} activations.
type FfiRegistry interface {
	Call(name string, args []FfiValue) (FfiValue, error)
	Has(name string) bool
	Arity(name string) (int, bool)
}

// emptyFfiRegistry answers Has=false for everything; a VM constructed
// without an explicit registry gets this so FFI calls fail cleanly instead
// of panicking on a nil interface.
type emptyFfiRegistry struct{}

func (emptyFfiRegistry) Call(name string, _ []FfiValue) (FfiValue, error) {
	return FfiValue{}, &FfiError{Name: name, Err: ErrFfiNotFound}
}
func (emptyFfiRegistry) Has(string) bool          { return false }
func (emptyFfiRegistry) Arity(string) (int, bool) { return 0, false }

// ErrFfiTypeError is the sentinel reported when a Value has no
// FFI-convertible representation. Conversion failures degrade the call
// result to Undefined; they are not a process-fatal fault.
var ErrFfiTypeError = errors.New("value has no ffi representation")

// toFfiValue converts a core Value to the crossing representation.
// Process, Function, Closure and TaggedEnum are not convertible.
func toFfiValue(v Value) (FfiValue, error) {
	switch v.Kind {
	case KindNumber:
		return FfiValue{Kind: FfiNumber, Num: v.Num}, nil
	case KindBoolean:
		return FfiValue{Kind: FfiBoolean, Bool: v.Bool}, nil
	case KindAtom:
		return FfiValue{Kind: FfiAtom, Str: v.Atom}, nil
	case KindUnit:
		return FfiValue{Kind: FfiUnit}, nil
	case KindUndefined:
		return FfiValue{Kind: FfiUndefined}, nil
	case KindTuple:
		items := make([]FfiValue, len(v.Items))
		for i, it := range v.Items {
			conv, err := toFfiValue(it)
			if err != nil {
				return FfiValue{}, err
			}
			items[i] = conv
		}
		return FfiValue{Kind: FfiTuple, Items: items}, nil
	case KindArray:
		arr := v.Ref.(*ArrayHandle)
		arr.mu.Lock()
		snapshot := append([]Value(nil), arr.Items...)
		arr.mu.Unlock()
		items := make([]FfiValue, len(snapshot))
		for i, it := range snapshot {
			conv, err := toFfiValue(it)
			if err != nil {
				return FfiValue{}, err
			}
			items[i] = conv
		}
		return FfiValue{Kind: FfiArray, Items: items}, nil
	case KindObject:
		// Objects lose property descriptors and prototype: flattened to a
		// plain name->value map.
		obj := v.Ref.(*ObjectHandle)
		obj.mu.Lock()
		props := make(map[string]FfiValue, len(obj.Props))
		for k, desc := range obj.Props {
			conv, err := toFfiValue(desc.Value)
			if err != nil {
				obj.mu.Unlock()
				return FfiValue{}, err
			}
			props[k] = conv
		}
		obj.mu.Unlock()
		return FfiValue{Kind: FfiObject, Props: props}, nil
	default:
		return FfiValue{}, ErrFfiTypeError
	}
}

// fromFfiValue converts an FFI-domain result back into a core Value.
func fromFfiValue(v FfiValue) Value {
	switch v.Kind {
	case FfiNumber:
		return Number(v.Num)
	case FfiBoolean:
		return Boolean(v.Bool)
	case FfiAtom:
		return AtomVal(v.Str)
	case FfiString:
		return AtomVal(v.Str)
	case FfiUnit:
		return UnitVal()
	case FfiUndefined:
		return UndefinedVal()
	case FfiTuple:
		items := make([]Value, len(v.Items))
		for i, it := range v.Items {
			items[i] = fromFfiValue(it)
		}
		return TupleVal(items)
	case FfiArray:
		items := make([]Value, len(v.Items))
		for i, it := range v.Items {
			items[i] = fromFfiValue(it)
		}
		return NewArray(items)
	case FfiObject:
		obj := &ObjectHandle{Props: map[string]*PropertyDescriptor{}}
		for k, fv := range v.Props {
			obj.Props[k] = &PropertyDescriptor{Value: fromFfiValue(fv), Writable: true, Enumerable: true, Configurable: true}
		}
		return ObjectVal(obj)
	default:
		return UndefinedVal()
	}
}
