package jit

import (
	"fmt"

	"github.com/chazu/tagjit/native"
	"github.com/chazu/tagjit/vm"
)

// operand is one entry of the modeled operand stack: either a constant not
// yet written anywhere, or a register holding the value.
type operand struct {
	konst bool
	val   vm.Value
	v     native.Var
}

func konst(v vm.Value) operand   { return operand{konst: true, val: v} }
func inReg(v native.Var) operand { return operand{v: v} }

// Env is the per-sequence compilation state: the program counter, the
// offset to label bindings and the operand stack model. One Env is created
// for the method body and one per rescue handler body.
type Env struct {
	b     *native.Builder
	rt    *runtime
	scope Scope
	opt   OptLevel
	seq   *vm.ISeq
	base  int

	pc     int
	labels map[int]native.Label
	placed map[int]bool
	scan   *prescan

	stack []operand
	slots []native.Var
	temps []native.Var
	live  bool

	parent *Env
	// exit replaces a frame exit in handler bodies: the handler result
	// flows back to the enclosing sequence.
	exit func(v native.Var) error

	scratch native.Var
}

func newEnv(b *native.Builder, rt *runtime, seq *vm.ISeq, scope Scope, opt OptLevel) *Env {
	e := &Env{
		b:       b,
		rt:      rt,
		scope:   scope,
		opt:     opt,
		seq:     seq,
		labels:  make(map[int]native.Label),
		placed:  make(map[int]bool),
		live:    true,
		scratch: native.NoVar,
	}
	n := seq.NumTemps
	if n < seq.Arity {
		n = seq.Arity
	}
	e.temps = make([]native.Var, n)
	for i := range e.temps {
		if i < seq.Arity {
			e.temps[i] = b.Arg(i)
		} else {
			e.temps[i] = b.Var()
		}
	}
	return e
}

// Child returns the environment for the handler body of entry. It shares
// the builder, scope and options of e, numbers its own offsets from zero
// and records them against the entry's start as base.
func (e *Env) Child(handler *vm.ISeq, entry *vm.CatchEntry) *Env {
	c := &Env{
		b:       e.b,
		rt:      e.rt,
		scope:   e.scope,
		opt:     e.opt,
		seq:     handler,
		base:    e.base + entry.Start,
		labels:  make(map[int]native.Label),
		placed:  make(map[int]bool),
		live:    true,
		parent:  e,
		scratch: native.NoVar,
	}
	n := handler.NumTemps
	if n < 1 {
		n = 1
	}
	c.temps = make([]native.Var, n)
	for i := range c.temps {
		c.temps[i] = e.b.Var()
	}
	return c
}

// Advance moves the program counter past an instruction of width n. It is
// called once per visited instruction, before its code is emitted.
func (e *Env) Advance(n int) {
	e.pc += n
}

// PC returns the offset following the instruction being emitted.
func (e *Env) PC() int {
	return e.pc
}

// Base is the offset of this sequence's first instruction relative to the
// method body.
func (e *Env) Base() int {
	return e.base
}

// Scope returns the class and member being compiled.
func (e *Env) Scope() Scope {
	return e.scope
}

// LabelAt returns the branch target for offset, creating it on first use.
func (e *Env) LabelAt(offset int) native.Label {
	if l, ok := e.labels[offset]; ok {
		return l
	}
	l := e.b.NewLabel()
	e.labels[offset] = l
	return l
}

// Branch transfers control to offset. The modeled stack is written back
// first and must have the depth the target expects.
func (e *Env) Branch(offset int) error {
	if err := e.expect(offset); err != nil {
		return err
	}
	e.sync()
	e.b.Jump(e.LabelAt(offset))
	e.live = false
	return nil
}

// Depth returns the modeled operand stack depth.
func (e *Env) Depth() int {
	return len(e.stack)
}

func (e *Env) expect(offset int) error {
	want, ok := e.scan.depth[offset]
	if !ok {
		return fmt.Errorf("%w: no recorded depth at %04d", ErrStackMismatch, offset)
	}
	if want != len(e.stack) {
		return fmt.Errorf("%w: %04d expects %d, have %d", ErrStackMismatch, offset, want, len(e.stack))
	}
	return nil
}

// mark places the label for offset if one is needed and not yet placed.
// Falling into it writes the stack back; afterwards the stack model is the
// canonical one for the label's depth.
func (e *Env) mark(offset int) error {
	if !e.scan.labels[offset] || e.placed[offset] {
		return nil
	}
	if e.live {
		if err := e.expect(offset); err != nil {
			return err
		}
		e.sync()
	}
	e.b.Place(e.LabelAt(offset))
	e.placed[offset] = true
	e.reset(e.scan.depth[offset])
	e.live = true
	return nil
}

func (e *Env) slot(i int) native.Var {
	for len(e.slots) <= i {
		e.slots = append(e.slots, e.b.Var())
	}
	return e.slots[i]
}

// reset makes the model the canonical stack of depth n: every entry held
// in its own slot.
func (e *Env) reset(n int) {
	e.stack = e.stack[:0]
	for i := 0; i < n; i++ {
		e.stack = append(e.stack, inReg(e.slot(i)))
	}
}

func (e *Env) materialized(i int) bool {
	o := e.stack[i]
	return !o.konst && o.v == e.slot(i)
}

// sync writes every modeled entry into its slot.
func (e *Env) sync() {
	for i := range e.stack {
		e.store(i)
	}
}

func (e *Env) store(i int) {
	if e.materialized(i) {
		return
	}
	o, s := e.stack[i], e.slot(i)
	if o.konst {
		e.b.Const(s, o.val)
	} else {
		e.b.Move(s, o.v)
	}
	e.stack[i] = inReg(s)
}

func (e *Env) push(o operand) {
	e.stack = append(e.stack, o)
	if e.opt == OptEager {
		e.store(len(e.stack) - 1)
	}
}

func (e *Env) pop() operand {
	o := e.stack[len(e.stack)-1]
	e.stack = e.stack[:len(e.stack)-1]
	return o
}

func (e *Env) popN(n int) []operand {
	out := append([]operand(nil), e.stack[len(e.stack)-n:]...)
	e.stack = e.stack[:len(e.stack)-n]
	return out
}

// reg returns a register holding o, loading constants into scratch.
func (e *Env) reg(o operand) native.Var {
	if !o.konst {
		return o.v
	}
	v := e.b.Var()
	e.b.Const(v, o.val)
	return v
}

func (e *Env) regs(args []operand) []native.Var {
	out := make([]native.Var, len(args))
	for i, o := range args {
		out[i] = e.reg(o)
	}
	return out
}

func (e *Env) guarded() bool {
	for x := e; x != nil; x = x.parent {
		if len(x.seq.Catch) > 0 {
			return true
		}
	}
	return false
}

// call emits p over the top n operands and pushes the result.
func (e *Env) call(p *native.Primitive, n int) {
	if e.guarded() {
		e.sync()
	}
	args := e.regs(e.popN(n))
	dst := e.slot(len(e.stack))
	e.b.Call(dst, p, args...)
	e.stack = append(e.stack, inReg(dst))
}

func (e *Env) tagVar(t vm.Tag) native.Var {
	if e.scratch == native.NoVar {
		e.scratch = e.b.Var()
	}
	e.b.Const(e.scratch, vm.FromSmallInt(int64(t)))
	return e.scratch
}

// leave emits a frame exit with v.
func (e *Env) leave(v native.Var) error {
	e.live = false
	if e.exit != nil {
		return e.exit(v)
	}
	e.b.Return(v)
	return nil
}
