// Package native is the code-emission backend used by the method JIT.
//
// A Builder records a flat graph of operations over virtual registers:
// moves, calls into runtime primitives, labels and branches, and tag
// frames that intercept non-local transfers. Compile turns the graph into
// an Entry, a threaded sequence of Go closures callable under a fixed
// convention. RenderGo prints the same graph as Go source.
package native

import (
	"fmt"

	"github.com/chazu/tagjit/vm"
)

// Var is a virtual register holding one object reference.
type Var int

// NoVar discards a call result.
const NoVar Var = -1

// Label is a branch target inside one Builder.
type Label int

// Frame identifies a tag frame pushed around a protected region.
type Frame int

// Primitive is a runtime helper compiled code calls into.
type Primitive struct {
	Name string
	Fn   func(ctx *Context, args []vm.Value) (vm.Value, error)
}

// Arm is one case of a Select: control goes to Target when the tested
// register holds Tag.
type Arm struct {
	Tag    vm.Tag
	Target Label
}

// Context is passed to every primitive of a running activation.
type Context struct {
	VM    *vm.VM
	Self  vm.Value
	Block vm.Value
}

type opKind uint8

const (
	opConst opKind = iota
	opMove
	opCall
	opJump
	opBranchIf
	opBranchUnless
	opSelect
	opReturn
	opPushTag
	opCheckpoint
	opPopTag
	opRaise
)

type op struct {
	kind      opKind
	dst       Var
	src       []Var
	value     vm.Value
	prim      *Primitive
	target    Label
	arms      []Arm
	frame     Frame
	stateVar  Var
	valueVar  Var
	otherwise Label
}

// TracePoint maps an operation index back to a bytecode offset.
type TracePoint struct {
	Index  int // index of the first operation emitted for the offset
	Base   int // offset base of the sequence (non-zero for handler bodies)
	Offset int
}

type frameInfo struct {
	push, pop   int // operation indices, -1 until emitted
	resume      Label
	state, val  Var
	checkpoints int
}

// Builder accumulates operations for one compiled function.
type Builder struct {
	name   string
	ops    []op
	nvars  int
	self   Var
	block  Var
	args   map[int]Var
	labels []int // label -> op index, -1 until placed
	frames []frameInfo
	traces []TracePoint
	err    error
}

// NewBuilder starts an empty function.
func NewBuilder(name string) *Builder {
	b := &Builder{name: name, args: make(map[int]Var)}
	b.self = b.Var()
	b.block = b.Var()
	return b
}

func (b *Builder) fail(format string, args ...any) {
	if b.err == nil {
		b.err = fmt.Errorf("native %s: "+format, append([]any{b.name}, args...)...)
	}
}

func (b *Builder) emit(o op) {
	b.ops = append(b.ops, o)
}

func (b *Builder) checkVar(v Var) {
	if v < 0 || int(v) >= b.nvars {
		b.fail("undeclared register v%d", v)
	}
}

func (b *Builder) checkLabel(l Label) {
	if l < 0 || int(l) >= len(b.labels) {
		b.fail("unknown label L%d", l)
	}
}

// Var declares a fresh register initialized to nil.
func (b *Builder) Var() Var {
	v := Var(b.nvars)
	b.nvars++
	return v
}

// Self is the register holding the receiver.
func (b *Builder) Self() Var {
	return b.self
}

// BlockArg is the register holding the block passed with the call.
func (b *Builder) BlockArg() Var {
	return b.block
}

// Arg returns the register holding argument i. Missing arguments read as nil.
func (b *Builder) Arg(i int) Var {
	if v, ok := b.args[i]; ok {
		return v
	}
	v := b.Var()
	b.args[i] = v
	return v
}

// Const loads a constant into dst.
func (b *Builder) Const(dst Var, v vm.Value) {
	b.checkVar(dst)
	b.emit(op{kind: opConst, dst: dst, value: v})
}

// Move copies src into dst.
func (b *Builder) Move(dst, src Var) {
	b.checkVar(dst)
	b.checkVar(src)
	b.emit(op{kind: opMove, dst: dst, src: []Var{src}})
}

// Call invokes p with the values of args and stores the result in dst.
// A *vm.Throw returned by the primitive unwinds to the innermost active
// tag frame.
func (b *Builder) Call(dst Var, p *Primitive, args ...Var) {
	if dst != NoVar {
		b.checkVar(dst)
	}
	for _, a := range args {
		b.checkVar(a)
	}
	if p == nil || p.Fn == nil {
		b.fail("call to nil primitive")
		return
	}
	b.emit(op{kind: opCall, dst: dst, src: append([]Var(nil), args...), prim: p})
}

// NewLabel creates an unplaced label.
func (b *Builder) NewLabel() Label {
	b.labels = append(b.labels, -1)
	return Label(len(b.labels) - 1)
}

// Labels returns the number of labels created.
func (b *Builder) Labels() int {
	return len(b.labels)
}

// Place binds l to the next emitted operation.
func (b *Builder) Place(l Label) {
	b.checkLabel(l)
	if b.err != nil {
		return
	}
	if b.labels[l] >= 0 {
		b.fail("label L%d placed twice", l)
		return
	}
	b.labels[l] = len(b.ops)
}

// Jump transfers control to l.
func (b *Builder) Jump(l Label) {
	b.checkLabel(l)
	b.emit(op{kind: opJump, target: l})
}

// BranchIf jumps to l when v is truthy.
func (b *Builder) BranchIf(v Var, l Label) {
	b.checkVar(v)
	b.checkLabel(l)
	b.emit(op{kind: opBranchIf, src: []Var{v}, target: l})
}

// BranchUnless jumps to l when v is falsy.
func (b *Builder) BranchUnless(v Var, l Label) {
	b.checkVar(v)
	b.checkLabel(l)
	b.emit(op{kind: opBranchUnless, src: []Var{v}, target: l})
}

// Select tests the tag held in v against each arm in order and jumps to
// the first match, or to otherwise.
func (b *Builder) Select(v Var, arms []Arm, otherwise Label) {
	b.checkVar(v)
	for _, a := range arms {
		b.checkLabel(a.Target)
	}
	b.checkLabel(otherwise)
	b.emit(op{kind: opSelect, src: []Var{v}, arms: append([]Arm(nil), arms...), otherwise: otherwise})
}

// Return leaves the function with the value of v.
func (b *Builder) Return(v Var) {
	b.checkVar(v)
	b.emit(op{kind: opReturn, src: []Var{v}})
}

// PushTag opens a tag frame. Operations emitted until the matching PopTag
// form its region.
func (b *Builder) PushTag() Frame {
	f := Frame(len(b.frames))
	b.frames = append(b.frames, frameInfo{push: len(b.ops), pop: -1, resume: -1})
	b.emit(op{kind: opPushTag, frame: f})
	return f
}

// Checkpoint arms frame f. On the first pass it sets state to zero. When a
// transfer unwinds into the frame, the frame is popped, state receives the
// transfer's tag, value its payload, and control resumes at resume.
func (b *Builder) Checkpoint(f Frame, resume Label, state, value Var) {
	if int(f) >= len(b.frames) || f < 0 {
		b.fail("checkpoint on unknown frame %d", f)
		return
	}
	b.checkLabel(resume)
	b.checkVar(state)
	b.checkVar(value)
	fi := &b.frames[f]
	fi.resume, fi.state, fi.val = resume, state, value
	fi.checkpoints++
	b.emit(op{kind: opCheckpoint, frame: f, target: resume, stateVar: state, valueVar: value})
}

// PopTag closes frame f, restoring the enclosing frame.
func (b *Builder) PopTag(f Frame) {
	if int(f) >= len(b.frames) || f < 0 {
		b.fail("pop of unknown frame %d", f)
		return
	}
	if b.frames[f].pop >= 0 {
		b.fail("frame %d popped twice", f)
		return
	}
	b.frames[f].pop = len(b.ops)
	b.emit(op{kind: opPopTag, frame: f})
}

// Raise starts a non-local transfer with the tag held in state and the
// payload in value.
func (b *Builder) Raise(state, value Var) {
	b.checkVar(state)
	b.checkVar(value)
	b.emit(op{kind: opRaise, src: []Var{state, value}})
}

// Trace records that the next operations implement the instruction at
// offset within a sequence whose offsets start at base.
func (b *Builder) Trace(base, offset int) {
	b.traces = append(b.traces, TracePoint{Index: len(b.ops), Base: base, Offset: offset})
}

// Len returns the number of operations emitted so far.
func (b *Builder) Len() int {
	return len(b.ops)
}
