package vm

import "fmt"

// ---------------------------------------------------------------------------
// ISeqMethod: a bytecode body run by the interpreter
// ---------------------------------------------------------------------------

// ISeqMethod is an interpreted method.
type ISeqMethod struct {
	Seq *ISeq
}

// NewISeqMethod wraps an instruction sequence as a method.
func NewISeqMethod(seq *ISeq) *ISeqMethod {
	return &ISeqMethod{Seq: seq}
}

// Invoke runs the body in a fresh interpreter frame.
func (m *ISeqMethod) Invoke(vm *VM, recv Value, args []Value, blk Value) (Value, error) {
	if err := vm.CheckArity(m.Seq, args); err != nil {
		return Nil, err
	}
	return vm.Interpreter().Execute(m.Seq, recv, args, blk)
}

func (m *ISeqMethod) String() string {
	return "iseq:" + m.Seq.Name
}

// ---------------------------------------------------------------------------
// PrimitiveMethod: a Go-implemented body
// ---------------------------------------------------------------------------

// PrimitiveFunc implements a primitive member.
type PrimitiveFunc func(vm *VM, recv Value, args []Value, blk Value) (Value, error)

// PrimitiveMethod is a foreign-implemented method. Arity -1 accepts any
// argument count.
type PrimitiveMethod struct {
	Name  string
	Arity int
	Fn    PrimitiveFunc
}

// Invoke calls the Go function after checking the argument count.
func (m *PrimitiveMethod) Invoke(vm *VM, recv Value, args []Value, blk Value) (Value, error) {
	if m.Arity >= 0 && len(args) != m.Arity {
		return Nil, vm.Raise(vm.ArgumentErrorClass,
			fmt.Sprintf("wrong number of arguments (given %d, expected %d)", len(args), m.Arity))
	}
	return m.Fn(vm, recv, args, blk)
}

func (m *PrimitiveMethod) String() string {
	return "primitive:" + m.Name
}

// ---------------------------------------------------------------------------
// Attribute accessors
// ---------------------------------------------------------------------------

// AttrReader returns an instance variable.
type AttrReader struct {
	Ivar string
}

// Invoke reads the instance variable from recv.
func (m *AttrReader) Invoke(vm *VM, recv Value, args []Value, blk Value) (Value, error) {
	if len(args) != 0 {
		return Nil, vm.Raise(vm.ArgumentErrorClass,
			fmt.Sprintf("wrong number of arguments (given %d, expected 0)", len(args)))
	}
	obj, ok := Unwrap(recv).(*Object)
	if !ok {
		return Nil, nil
	}
	return obj.Ivar(m.Ivar), nil
}

// AttrWriter stores an instance variable and returns the stored value.
type AttrWriter struct {
	Ivar string
}

// Invoke writes the instance variable on recv.
func (m *AttrWriter) Invoke(vm *VM, recv Value, args []Value, blk Value) (Value, error) {
	if len(args) != 1 {
		return Nil, vm.Raise(vm.ArgumentErrorClass,
			fmt.Sprintf("wrong number of arguments (given %d, expected 1)", len(args)))
	}
	obj, ok := Unwrap(recv).(*Object)
	if !ok {
		return Nil, vm.Raise(vm.NoMethodErrorClass, "attribute writer on non-object")
	}
	obj.SetIvar(m.Ivar, args[0])
	return args[0], nil
}

// IsTrivial reports whether m is a body that gains nothing from compilation:
// primitives and attribute accessors.
func IsTrivial(m Method) bool {
	switch m.(type) {
	case *PrimitiveMethod, *AttrReader, *AttrWriter:
		return true
	}
	return false
}
