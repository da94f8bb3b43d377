package vm

import "fmt"

// ---------------------------------------------------------------------------
// Core primitives
// ---------------------------------------------------------------------------

func (vm *VM) registerPrimitives() {
	r := vm.reflection
	obj := vm.ObjectClass

	r.DefineNative(obj, "==", 1, func(_ *VM, recv Value, args []Value, _ Value) (Value, error) {
		return FromBool(Equal(recv, args[0])), nil
	})
	r.DefineNative(obj, "class", 0, func(v *VM, recv Value, _ []Value, _ Value) (Value, error) {
		c := v.ClassOf(recv)
		for c.IsSingleton() && c.Superclass != nil {
			c = c.Superclass
		}
		return c.Value(), nil
	})
	r.DefineNative(obj, "raise", -1, primitiveRaise)
	r.DefineNative(obj.Singleton(), "new", 0, func(_ *VM, recv Value, _ []Value, _ Value) (Value, error) {
		c, ok := Unwrap(recv).(*Class)
		if !ok {
			return Nil, fmt.Errorf("vm: new sent to non-class %s", recv)
		}
		return NewObject(c), nil
	})

	r.DefineNative(vm.StandardErrorClass, "message", 0, func(_ *VM, recv Value, _ []Value, _ Value) (Value, error) {
		if ex, ok := Unwrap(recv).(*Exception); ok {
			return NewString(ex.Message), nil
		}
		return Nil, nil
	})

	r.DefineNative(vm.IntegerClass, "/", 1, func(v *VM, recv Value, args []Value, _ Value) (Value, error) {
		return v.divide(recv, args[0], false)
	})
	r.DefineNative(vm.IntegerClass, "%", 1, func(v *VM, recv Value, args []Value, _ Value) (Value, error) {
		return v.divide(recv, args[0], true)
	})

	r.DefineNative(vm.StringClass, "+", 1, func(v *VM, recv Value, args []Value, _ Value) (Value, error) {
		a, _ := StringValue(recv)
		b, ok := StringValue(args[0])
		if !ok {
			return Nil, v.Raise(v.TypeErrorClass, "no implicit conversion into String")
		}
		return NewString(a + b), nil
	})
	r.DefineNative(vm.StringClass, "size", 0, func(_ *VM, recv Value, _ []Value, _ Value) (Value, error) {
		s, _ := StringValue(recv)
		return FromSmallInt(int64(len(s))), nil
	})

	r.DefineNative(vm.ProcClass, "call", -1, func(v *VM, recv Value, args []Value, _ Value) (Value, error) {
		return v.Yield(recv, args)
	})
}

// raise / raise(message) / raise(class) / raise(class, message) / raise(exception)
func primitiveRaise(v *VM, _ Value, args []Value, _ Value) (Value, error) {
	class := v.StandardErrorClass
	msg := "unhandled exception"
	switch len(args) {
	case 0:
	case 1:
		switch o := Unwrap(args[0]).(type) {
		case *Exception:
			return Nil, NewThrow(TagRaise, args[0])
		case *Class:
			class, msg = o, o.Name
		case string:
			msg = o
		default:
			return Nil, v.Raise(v.TypeErrorClass, "exception class/object expected")
		}
	case 2:
		c, ok := Unwrap(args[0]).(*Class)
		if !ok {
			return Nil, v.Raise(v.TypeErrorClass, "exception class expected")
		}
		class = c
		msg, _ = StringValue(args[1])
	default:
		return Nil, v.Raise(v.ArgumentErrorClass,
			fmt.Sprintf("wrong number of arguments (given %d, expected 0..2)", len(args)))
	}
	return Nil, v.Raise(class, msg)
}

func (vm *VM) divide(a, b Value, mod bool) (Value, error) {
	if !b.IsSmallInt() {
		return Nil, vm.Raise(vm.TypeErrorClass, fmt.Sprintf("%s can't be coerced into Integer", b))
	}
	x, y := a.SmallInt(), b.SmallInt()
	if y == 0 {
		return Nil, vm.Raise(vm.ZeroDivisionErrorClass, "divided by 0")
	}
	q, r := x/y, x%y
	// floor semantics
	if r != 0 && (r < 0) != (y < 0) {
		q--
		r += y
	}
	if mod {
		return FromSmallInt(r), nil
	}
	return FromSmallInt(q), nil
}
