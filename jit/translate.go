package jit

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/chazu/tagjit/native"
	"github.com/chazu/tagjit/vm"
)

// translator walks one instruction sequence and emits it into an Env.
type translator struct {
	env *Env
	p   *prescan
	cur int // index of the next instruction to visit
}

func newTranslator(env *Env) (*translator, error) {
	p, err := scan(env.seq)
	if err != nil {
		return nil, err
	}
	env.scan = p
	return &translator{env: env, p: p}, nil
}

// Translate compiles seq into a native entry.
func Translate(seq *vm.ISeq, scope Scope, opt OptLevel) (entry *native.Entry, err error) {
	b := native.NewBuilder(funcName(scope))
	env := newEnv(b, newRuntime(), seq, scope, opt)
	defer func() {
		var ce *CompileError
		if errors.As(err, &ce) && ce.Scope == (Scope{}) {
			ce.Scope = scope
		}
	}()

	t, err := newTranslator(env)
	if err != nil {
		return nil, err
	}
	if err := t.run(); err != nil {
		return nil, err
	}
	entry, err = b.Compile()
	if err != nil {
		return nil, &CompileError{Scope: scope, Offset: -1, Err: err}
	}
	return entry, nil
}

// run emits the whole sequence. Falling off the end returns nil.
func (t *translator) run() error {
	if len(t.p.catch) == 0 {
		if err := t.linear(len(t.env.seq.Code)); err != nil {
			return err
		}
	} else if err := t.walk(t.p.catch, len(t.env.seq.Code)); err != nil {
		return err
	}
	if t.env.live {
		return t.env.leave(t.env.reg(konst(vm.Nil)))
	}
	return nil
}

// linear visits every instruction before offset limit.
func (t *translator) linear(limit int) error {
	for t.cur < len(t.p.code) && t.p.code[t.cur].Offset < limit {
		if err := t.visit(t.p.code[t.cur]); err != nil {
			return err
		}
		t.cur++
	}
	return nil
}

// visit is one atomic step: place the label, advance, emit.
func (t *translator) visit(in vm.Instruction) error {
	env := t.env
	if err := env.mark(in.Offset); err != nil {
		return t.wrap(in, err)
	}
	env.Advance(in.Width())
	if !t.p.reachable(in.Offset) {
		env.live = false
		return nil
	}
	env.b.Trace(env.base, in.Offset)
	if err := t.emit(in); err != nil {
		return t.wrap(in, err)
	}
	return nil
}

func (t *translator) wrap(in vm.Instruction, err error) error {
	var ce *CompileError
	if errors.As(err, &ce) {
		return err
	}
	return &CompileError{Scope: t.env.scope, Offset: in.Offset, Op: in.Op, Err: err}
}

func (t *translator) emit(in vm.Instruction) error {
	env := t.env
	b := env.b
	if pops, _ := stackEffect(in); env.Depth() < pops {
		return fmt.Errorf("%w: underflow", ErrStackMismatch)
	}

	switch in.Op {
	case vm.OpNOP:
	case vm.OpPOP:
		env.pop()
	case vm.OpDUP:
		env.push(env.stack[len(env.stack)-1])

	case vm.OpPushNil:
		env.push(konst(vm.Nil))
	case vm.OpPushTrue:
		env.push(konst(vm.True))
	case vm.OpPushFalse:
		env.push(konst(vm.False))
	case vm.OpPushSelf:
		env.push(inReg(b.Self()))
	case vm.OpPushInt8, vm.OpPushInt32:
		env.push(konst(vm.FromSmallInt(int64(in.A))))
	case vm.OpPushFloat:
		env.push(konst(vm.FromFloat64(in.F)))
	case vm.OpPushLiteral:
		lit, err := env.seq.Literal(in.A)
		if err != nil {
			return err
		}
		env.push(konst(lit))

	case vm.OpPushTemp, vm.OpStoreTemp:
		if in.A >= len(env.temps) {
			return fmt.Errorf("temp %d out of range", in.A)
		}
		t.variable(in.Op == vm.OpPushTemp, env.temps[in.A])
	case vm.OpPushOuter, vm.OpStoreOuter:
		if env.parent == nil || in.A >= len(env.parent.temps) {
			return fmt.Errorf("outer temp %d unavailable", in.A)
		}
		t.variable(in.Op == vm.OpPushOuter, env.parent.temps[in.A])

	case vm.OpSend:
		sel, err := env.seq.Selector(in.A)
		if err != nil {
			return err
		}
		env.call(env.rt.send(sel), in.B+1)
	case vm.OpSendPlus, vm.OpSendMinus, vm.OpSendTimes, vm.OpSendLT, vm.OpSendGT,
		vm.OpSendLE, vm.OpSendGE, vm.OpSendEQ:
		if env.opt >= OptFold && t.fold(in.Op) {
			return nil
		}
		env.call(env.rt.arith(in.Op), 2)
	case vm.OpYield:
		env.call(env.rt.yield(), in.A)

	case vm.OpJump:
		return env.Branch(in.Target())
	case vm.OpJumpTrue, vm.OpJumpFalse:
		cond := env.reg(env.pop())
		if err := env.expect(in.Target()); err != nil {
			return err
		}
		env.sync()
		if in.Op == vm.OpJumpTrue {
			b.BranchIf(cond, env.LabelAt(in.Target()))
		} else {
			b.BranchUnless(cond, env.LabelAt(in.Target()))
		}

	case vm.OpReturnTop:
		return env.leave(env.reg(env.pop()))
	case vm.OpReturnSelf:
		return env.leave(b.Self())
	case vm.OpReturnNil:
		return env.leave(env.reg(konst(vm.Nil)))
	case vm.OpThrow:
		tag := vm.Tag(in.A)
		if tag == vm.TagNone {
			return fmt.Errorf("%w: throw without a tag", ErrUnsupportedInstruction)
		}
		value := env.reg(env.pop())
		if env.guarded() {
			env.sync()
		}
		b.Raise(env.tagVar(tag), value)
		env.live = false

	default:
		return fmt.Errorf("%w %s", ErrUnsupportedInstruction, in.Op)
	}
	return nil
}

// variable emits a temp read (push) or write (store, keeping the value).
func (t *translator) variable(push bool, v native.Var) {
	env := t.env
	if push {
		s := env.slot(env.Depth())
		env.b.Move(s, v)
		env.stack = append(env.stack, inReg(s))
		return
	}
	top := env.stack[len(env.stack)-1]
	if top.konst {
		env.b.Const(v, top.val)
	} else {
		env.b.Move(v, top.v)
	}
}

// fold evaluates an optimized send on two constant small integers.
func (t *translator) fold(op vm.Opcode) bool {
	env := t.env
	n := env.Depth()
	a, b := env.stack[n-2], env.stack[n-1]
	if !a.konst || !b.konst || !a.val.IsSmallInt() || !b.val.IsSmallInt() {
		return false
	}
	v, ok := vm.FoldSmallInt(op, a.val.SmallInt(), b.val.SmallInt())
	if !ok {
		return false
	}
	env.popN(2)
	env.push(konst(v))
	return true
}

// funcName derives a Go identifier for the compiled function.
func funcName(s Scope) string {
	var sb strings.Builder
	sb.WriteString("jit")
	if s.Class != nil {
		sb.WriteByte('_')
		sb.WriteString(s.Class.Name)
	}
	sb.WriteByte('_')
	sb.WriteString(s.Name)
	return strings.Map(func(r rune) rune {
		if r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return '_'
	}, sb.String())
}
