package vm

import (
	"errors"
	"fmt"
	"sync"
)

// ---------------------------------------------------------------------------
// CallFrame: execution state for one activation
// ---------------------------------------------------------------------------

// CallFrame is the state of a single method or handler activation.
type CallFrame struct {
	Seq      *ISeq
	Receiver Value
	Block    Value
	Temps    []Value
	Outer    *CallFrame // enclosing frame for handler bodies

	stack []Value
}

func newFrame(seq *ISeq, recv Value, args []Value, blk Value, outer *CallFrame) *CallFrame {
	n := seq.NumTemps
	if n < len(args) {
		n = len(args)
	}
	f := &CallFrame{
		Seq:      seq,
		Receiver: recv,
		Block:    blk,
		Temps:    make([]Value, n),
		Outer:    outer,
		stack:    make([]Value, 0, 16),
	}
	for i := range f.Temps {
		f.Temps[i] = Nil
	}
	copy(f.Temps, args)
	return f
}

func (f *CallFrame) push(v Value) {
	f.stack = append(f.stack, v)
}

func (f *CallFrame) pop() Value {
	v := f.stack[len(f.stack)-1]
	f.stack = f.stack[:len(f.stack)-1]
	return v
}

func (f *CallFrame) popN(n int) []Value {
	out := make([]Value, n)
	copy(out, f.stack[len(f.stack)-n:])
	f.stack = f.stack[:len(f.stack)-n]
	return out
}

// Depth returns the current operand stack depth.
func (f *CallFrame) Depth() int {
	return len(f.stack)
}

// ErrStackUnderflow is returned when an instruction pops more values than
// the operand stack holds.
var ErrStackUnderflow = errors.New("operand stack underflow")

// ---------------------------------------------------------------------------
// Decoded programs
// ---------------------------------------------------------------------------

type program struct {
	code  []Instruction
	index map[int]int // offset -> position in code
	catch []*CatchEntry
}

func (p *program) at(offset int) (int, error) {
	idx, ok := p.index[offset]
	if !ok {
		return 0, fmt.Errorf("offset %04d is not an instruction boundary", offset)
	}
	return idx, nil
}

// ---------------------------------------------------------------------------
// Interpreter
// ---------------------------------------------------------------------------

// Interpreter executes instruction sequences. It keeps no per-call state,
// so one interpreter serves every goroutine.
type Interpreter struct {
	vm *VM

	mu       sync.RWMutex
	programs map[*ISeq]*program
}

func newInterpreter(vm *VM) *Interpreter {
	return &Interpreter{vm: vm, programs: make(map[*ISeq]*program)}
}

func (i *Interpreter) load(seq *ISeq) (*program, error) {
	i.mu.RLock()
	p, ok := i.programs[seq]
	i.mu.RUnlock()
	if ok {
		return p, nil
	}

	code, err := seq.Instructions()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", seq.Name, err)
	}
	p = &program{
		code:  code,
		index: make(map[int]int, len(code)),
		catch: SortCatchTable(seq.Catch),
	}
	for idx, in := range code {
		p.index[in.Offset] = idx
	}
	if err := CheckNesting(p.catch); err != nil {
		return nil, fmt.Errorf("%s: %w", seq.Name, err)
	}

	i.mu.Lock()
	i.programs[seq] = p
	i.mu.Unlock()
	return p, nil
}

// Execute runs seq as a method body with the given receiver and arguments.
func (i *Interpreter) Execute(seq *ISeq, recv Value, args []Value, blk Value) (Value, error) {
	return i.run(newFrame(seq, recv, args, blk, nil))
}

func (i *Interpreter) run(f *CallFrame) (Value, error) {
	p, err := i.load(f.Seq)
	if err != nil {
		return Nil, err
	}
	idx := 0
	for idx < len(p.code) {
		in := p.code[idx]
		next, result, done, err := i.step(f, p, in)
		if err != nil {
			t, ok := AsThrow(err)
			if !ok {
				return Nil, err
			}
			cont, err := i.unwind(f, p, in.Offset, t)
			if err != nil {
				return Nil, err
			}
			if idx, err = p.at(cont); err != nil {
				return Nil, fmt.Errorf("%s: continuation: %w", f.Seq.Name, err)
			}
			continue
		}
		if done {
			return result, nil
		}
		idx = next
	}
	return Nil, nil
}

// step executes one instruction and returns the index of the next one.
func (i *Interpreter) step(f *CallFrame, p *program, in Instruction) (int, Value, bool, error) {
	vm := i.vm
	next := p.index[in.Offset] + 1

	if need := popCount(in); len(f.stack) < need {
		return 0, Nil, false, fmt.Errorf("%s: %w at %04d (%s)", f.Seq.Name, ErrStackUnderflow, in.Offset, in.Op)
	}

	switch in.Op {
	case OpNOP:
	case OpPOP:
		f.pop()
	case OpDUP:
		f.push(f.stack[len(f.stack)-1])

	case OpPushNil:
		f.push(Nil)
	case OpPushTrue:
		f.push(True)
	case OpPushFalse:
		f.push(False)
	case OpPushSelf:
		f.push(f.Receiver)
	case OpPushInt8, OpPushInt32:
		f.push(FromSmallInt(int64(in.A)))
	case OpPushFloat:
		f.push(FromFloat64(in.F))
	case OpPushLiteral:
		lit, err := f.Seq.Literal(in.A)
		if err != nil {
			return 0, Nil, false, err
		}
		f.push(lit)

	case OpPushTemp, OpStoreTemp:
		if in.A >= len(f.Temps) {
			return 0, Nil, false, fmt.Errorf("%s: temp %d out of range at %04d", f.Seq.Name, in.A, in.Offset)
		}
		if in.Op == OpPushTemp {
			f.push(f.Temps[in.A])
		} else {
			f.Temps[in.A] = f.stack[len(f.stack)-1]
		}
	case OpPushOuter, OpStoreOuter:
		if f.Outer == nil || in.A >= len(f.Outer.Temps) {
			return 0, Nil, false, fmt.Errorf("%s: outer temp %d unavailable at %04d", f.Seq.Name, in.A, in.Offset)
		}
		if in.Op == OpPushOuter {
			f.push(f.Outer.Temps[in.A])
		} else {
			f.Outer.Temps[in.A] = f.stack[len(f.stack)-1]
		}

	case OpSend:
		sel, err := f.Seq.Selector(in.A)
		if err != nil {
			return 0, Nil, false, err
		}
		args := f.popN(in.B)
		recv := f.pop()
		v, err := vm.Send(recv, sel, args, Nil)
		if err != nil {
			return 0, Nil, false, err
		}
		f.push(v)
	case OpSendPlus, OpSendMinus, OpSendTimes, OpSendLT, OpSendGT, OpSendLE, OpSendGE, OpSendEQ:
		b := f.pop()
		a := f.pop()
		v, err := vm.Arith(in.Op, a, b)
		if err != nil {
			return 0, Nil, false, err
		}
		f.push(v)
	case OpYield:
		v, err := vm.Yield(f.Block, f.popN(in.A))
		if err != nil {
			return 0, Nil, false, err
		}
		f.push(v)

	case OpJump, OpJumpTrue, OpJumpFalse:
		take := true
		if in.Op != OpJump {
			cond := f.pop().IsTruthy()
			take = cond == (in.Op == OpJumpTrue)
		}
		if take {
			target, err := p.at(in.Target())
			if err != nil {
				return 0, Nil, false, fmt.Errorf("%s: jump at %04d: %w", f.Seq.Name, in.Offset, err)
			}
			return target, Nil, false, nil
		}

	case OpReturnTop:
		return 0, f.pop(), true, nil
	case OpReturnSelf:
		return 0, f.Receiver, true, nil
	case OpReturnNil:
		return 0, Nil, true, nil
	case OpThrow:
		return 0, Nil, false, NewThrow(Tag(in.A), f.pop())

	default:
		return 0, Nil, false, fmt.Errorf("%s: %w %s at %04d", f.Seq.Name, ErrUnknownOpcode, in.Op, in.Offset)
	}
	return next, Nil, false, nil
}

// popCount is the number of operands an instruction consumes.
func popCount(in Instruction) int {
	switch in.Op {
	case OpPOP, OpDUP, OpStoreTemp, OpStoreOuter, OpJumpTrue, OpJumpFalse, OpReturnTop, OpThrow:
		return 1
	case OpSendPlus, OpSendMinus, OpSendTimes, OpSendLT, OpSendGT, OpSendLE, OpSendGE, OpSendEQ:
		return 2
	case OpSend:
		return in.B + 1
	case OpYield:
		return in.A
	}
	return 0
}

// unwind resolves a transfer raised at pc against the frame's catch table
// and returns the continuation offset. A transfer raised by a rescue
// handler is only matched against the entries enclosing that handler's
// region. Unmatched transfers are returned unchanged.
func (i *Interpreter) unwind(f *CallFrame, p *program, pc int, t *Throw) (int, error) {
	limit := len(p.catch)
	for {
		k := FindCatch(p.catch[:limit], pc, t.Tag)
		if k < 0 {
			return 0, t
		}
		e := p.catch[k]
		if len(f.stack) < e.SP {
			return 0, fmt.Errorf("%s: catch entry %s expects depth %d, have %d",
				f.Seq.Name, e, e.SP, len(f.stack))
		}
		f.stack = f.stack[:e.SP]

		switch e.Kind {
		case CatchRescue:
			if e.Handler == nil {
				return 0, fmt.Errorf("%s: rescue entry %s has no handler", f.Seq.Name, e)
			}
			v, err := i.run(newFrame(e.Handler, f.Receiver, []Value{t.Value}, f.Block, f))
			if err != nil {
				next, ok := AsThrow(err)
				if !ok {
					return 0, err
				}
				t, limit = next, k
				continue
			}
			f.push(v)
		case CatchBreak, CatchNext:
			f.push(t.Value)
		}
		return e.Cont, nil
	}
}

// FindCatch returns the index of the innermost entry in sorted that covers
// pc and intercepts tag, or -1.
func FindCatch(sorted []*CatchEntry, pc int, tag Tag) int {
	if tag == TagNone {
		return -1
	}
	for k := len(sorted) - 1; k >= 0; k-- {
		e := sorted[k]
		if e.Contains(pc) && e.Kind.Tag() == tag {
			return k
		}
	}
	return -1
}
