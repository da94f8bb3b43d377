package vm

import "fmt"

// selectorForOp maps the optimized send opcodes to their message names.
var selectorForOp = map[Opcode]string{
	OpSendPlus:  "+",
	OpSendMinus: "-",
	OpSendTimes: "*",
	OpSendLT:    "<",
	OpSendGT:    ">",
	OpSendLE:    "<=",
	OpSendGE:    ">=",
	OpSendEQ:    "==",
}

// SelectorFor returns the message name an optimized send falls back to.
func SelectorFor(op Opcode) (string, bool) {
	s, ok := selectorForOp[op]
	return s, ok
}

// Arith evaluates an optimized binary send. Small integers and floats are
// handled inline; anything else is dispatched as a regular message.
// The interpreter and compiled code both go through here.
func (vm *VM) Arith(op Opcode, a, b Value) (Value, error) {
	if a.IsSmallInt() && b.IsSmallInt() {
		if v, ok := FoldSmallInt(op, a.SmallInt(), b.SmallInt()); ok {
			return v, nil
		}
	}
	if fa, ok := numeric(a); ok {
		if fb, ok := numeric(b); ok {
			if v, ok := foldFloat(op, fa, fb); ok {
				return v, nil
			}
		}
	}
	if op == OpSendEQ {
		if _, builtin := vm.ResolveMethod(a, "==").(*PrimitiveMethod); builtin {
			return FromBool(Equal(a, b)), nil
		}
	}
	sel, ok := selectorForOp[op]
	if !ok {
		return Nil, fmt.Errorf("vm: %s is not an arithmetic send", op)
	}
	return vm.Send(a, sel, []Value{b}, Nil)
}

// FoldSmallInt evaluates an optimized send on two small integers. It
// reports false when the result does not fit a small integer.
func FoldSmallInt(op Opcode, x, y int64) (Value, bool) {
	switch op {
	case OpSendPlus:
		return TryFromSmallInt(x + y)
	case OpSendMinus:
		return TryFromSmallInt(x - y)
	case OpSendTimes:
		if x != 0 && (x*y)/x != y {
			return Nil, false
		}
		return TryFromSmallInt(x * y)
	case OpSendLT:
		return FromBool(x < y), true
	case OpSendGT:
		return FromBool(x > y), true
	case OpSendLE:
		return FromBool(x <= y), true
	case OpSendGE:
		return FromBool(x >= y), true
	case OpSendEQ:
		return FromBool(x == y), true
	}
	return Nil, false
}

func foldFloat(op Opcode, x, y float64) (Value, bool) {
	switch op {
	case OpSendPlus:
		return FromFloat64(x + y), true
	case OpSendMinus:
		return FromFloat64(x - y), true
	case OpSendTimes:
		return FromFloat64(x * y), true
	case OpSendLT:
		return FromBool(x < y), true
	case OpSendGT:
		return FromBool(x > y), true
	case OpSendLE:
		return FromBool(x <= y), true
	case OpSendGE:
		return FromBool(x >= y), true
	case OpSendEQ:
		return FromBool(x == y), true
	}
	return Nil, false
}

func numeric(v Value) (float64, bool) {
	switch {
	case v.IsSmallInt():
		return float64(v.SmallInt()), true
	case v.IsFloat():
		return v.Float64(), true
	}
	return 0, false
}

// Equal is value equality for builtin types and identity for everything else.
func Equal(a, b Value) bool {
	if a == b {
		return true
	}
	if fa, ok := numeric(a); ok {
		if fb, ok := numeric(b); ok {
			return fa == fb
		}
		return false
	}
	sa, ok := StringValue(a)
	if !ok {
		return false
	}
	sb, ok := StringValue(b)
	return ok && sa == sb
}
