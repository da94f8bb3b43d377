package native

import (
	"errors"
	"fmt"
	"sort"

	"github.com/chazu/tagjit/vm"
)

var (
	// ErrUnplacedLabel is returned by Compile when a label is referenced
	// but never placed.
	ErrUnplacedLabel = errors.New("label never placed")

	// ErrFrameStructure is returned by Compile for tag frames that are
	// unbalanced, unarmed or partially overlapping.
	ErrFrameStructure = errors.New("malformed tag frame")
)

const halt = -1

type step func(a *activation) (int, error)

type region struct {
	push, pop  int
	resume     int
	state, val Var
}

// contains reports whether operation index i runs with the frame active.
// The PushTag itself is outside; the PopTag is inside.
func (r region) contains(i int) bool {
	return i > r.push && i <= r.pop
}

type activation struct {
	ctx    *Context
	vars   []vm.Value
	frames []Frame
	result vm.Value
}

// Entry is a compiled function.
type Entry struct {
	name    string
	ops     []op
	labels  []int
	steps   []step
	nvars   int
	self    Var
	block   Var
	args    map[int]Var
	regions []region
	chains  map[int][]Frame
	traces  []TracePoint
	nlabels int
}

// Compile resolves labels and tag frames and produces a callable Entry.
// The Builder must not be used afterwards.
func (b *Builder) Compile() (*Entry, error) {
	if b.err != nil {
		return nil, b.err
	}
	for l, pos := range b.labels {
		if pos < 0 {
			return nil, fmt.Errorf("native %s: L%d: %w", b.name, l, ErrUnplacedLabel)
		}
	}

	e := &Entry{
		name:    b.name,
		ops:     b.ops,
		labels:  b.labels,
		nvars:   b.nvars,
		self:    b.self,
		block:   b.block,
		args:    b.args,
		traces:  b.traces,
		nlabels: len(b.labels),
		chains:  make(map[int][]Frame),
	}

	for f, fi := range b.frames {
		switch {
		case fi.pop < 0:
			return nil, fmt.Errorf("native %s: frame %d never popped: %w", b.name, f, ErrFrameStructure)
		case fi.checkpoints != 1:
			return nil, fmt.Errorf("native %s: frame %d has %d checkpoints: %w", b.name, f, fi.checkpoints, ErrFrameStructure)
		}
		r := region{push: fi.push, pop: fi.pop, resume: b.labels[fi.resume], state: fi.state, val: fi.val}
		if r.contains(r.resume) {
			return nil, fmt.Errorf("native %s: frame %d resumes inside itself: %w", b.name, f, ErrFrameStructure)
		}
		e.regions = append(e.regions, r)
	}
	for i, a := range e.regions {
		for _, c := range e.regions[i+1:] {
			if (a.push < c.push && c.push < a.pop && a.pop < c.pop) ||
				(c.push < a.push && a.push < c.pop && c.pop < a.pop) {
				return nil, fmt.Errorf("native %s: frames overlap: %w", b.name, ErrFrameStructure)
			}
		}
	}
	for _, pos := range e.labels {
		e.chains[pos] = e.chain(pos)
	}

	e.steps = make([]step, len(e.ops))
	for i, o := range e.ops {
		e.steps[i] = e.lower(i, o)
	}
	return e, nil
}

// chain lists the frames active at operation index i, outermost first.
func (e *Entry) chain(i int) []Frame {
	var out []Frame
	for f, r := range e.regions {
		if r.contains(i) {
			out = append(out, Frame(f))
		}
	}
	sort.Slice(out, func(x, y int) bool { return e.regions[out[x]].push < e.regions[out[y]].push })
	return out
}

// enter adjusts the active frames for a transfer of control to target:
// frames whose region does not cover target are popped, frames that cover
// it but are not active yet are pushed.
func (e *Entry) enter(a *activation, target int) {
	for len(a.frames) > 0 && !e.regions[a.frames[len(a.frames)-1]].contains(target) {
		a.frames = a.frames[:len(a.frames)-1]
	}
	if ch := e.chains[target]; len(ch) > len(a.frames) {
		a.frames = append(a.frames, ch[len(a.frames):]...)
	}
}

func (e *Entry) lower(i int, o op) step {
	next := i + 1
	switch o.kind {
	case opConst:
		dst, v := o.dst, o.value
		return func(a *activation) (int, error) {
			a.vars[dst] = v
			return next, nil
		}
	case opMove:
		dst, src := o.dst, o.src[0]
		return func(a *activation) (int, error) {
			a.vars[dst] = a.vars[src]
			return next, nil
		}
	case opCall:
		dst, src, fn := o.dst, o.src, o.prim.Fn
		return func(a *activation) (int, error) {
			args := make([]vm.Value, len(src))
			for k, s := range src {
				args[k] = a.vars[s]
			}
			v, err := fn(a.ctx, args)
			if err != nil {
				return i, err
			}
			if dst != NoVar {
				a.vars[dst] = v
			}
			return next, nil
		}
	case opJump:
		t := e.labels[o.target]
		return func(a *activation) (int, error) {
			e.enter(a, t)
			return t, nil
		}
	case opBranchIf, opBranchUnless:
		t, src, want := e.labels[o.target], o.src[0], o.kind == opBranchIf
		return func(a *activation) (int, error) {
			if a.vars[src].IsTruthy() == want {
				e.enter(a, t)
				return t, nil
			}
			return next, nil
		}
	case opSelect:
		src := o.src[0]
		tags := make([]vm.Value, len(o.arms))
		targets := make([]int, len(o.arms))
		for k, arm := range o.arms {
			tags[k] = vm.FromSmallInt(int64(arm.Tag))
			targets[k] = e.labels[arm.Target]
		}
		otherwise := e.labels[o.otherwise]
		return func(a *activation) (int, error) {
			v := a.vars[src]
			t := otherwise
			for k, tag := range tags {
				if v == tag {
					t = targets[k]
					break
				}
			}
			e.enter(a, t)
			return t, nil
		}
	case opReturn:
		src := o.src[0]
		return func(a *activation) (int, error) {
			a.result = a.vars[src]
			return halt, nil
		}
	case opPushTag:
		f := o.frame
		return func(a *activation) (int, error) {
			a.frames = append(a.frames, f)
			return next, nil
		}
	case opCheckpoint:
		state, val := o.stateVar, o.valueVar
		return func(a *activation) (int, error) {
			a.vars[state] = vm.FromSmallInt(int64(vm.TagNone))
			a.vars[val] = vm.Nil
			return next, nil
		}
	case opPopTag:
		f := o.frame
		return func(a *activation) (int, error) {
			n := len(a.frames)
			if n == 0 || a.frames[n-1] != f {
				return i, fmt.Errorf("native %s: pop of inactive frame %d", e.name, f)
			}
			a.frames = a.frames[:n-1]
			return next, nil
		}
	case opRaise:
		state, val := o.src[0], o.src[1]
		return func(a *activation) (int, error) {
			s := a.vars[state]
			if !s.IsSmallInt() || vm.Tag(s.SmallInt()) == vm.TagNone {
				return i, fmt.Errorf("native %s: raise with no tag (%s)", e.name, s)
			}
			return i, vm.NewThrow(vm.Tag(s.SmallInt()), a.vars[val])
		}
	}
	return func(a *activation) (int, error) {
		return i, fmt.Errorf("native %s: bad operation kind %d", e.name, o.kind)
	}
}

// Call runs the function under the fixed convention: receiver, argument
// count and argument vector. ctx supplies the VM and the passed block.
// A transfer no frame intercepts is returned as a *vm.Throw.
func (e *Entry) Call(ctx *Context, recv vm.Value, argc int, argv []vm.Value) (vm.Value, error) {
	if ctx == nil {
		return vm.Nil, fmt.Errorf("native %s: nil context", e.name)
	}
	if argc > len(argv) {
		return vm.Nil, fmt.Errorf("native %s: argc %d exceeds argv length %d", e.name, argc, len(argv))
	}
	c := *ctx
	c.Self = recv
	a := &activation{ctx: &c, vars: make([]vm.Value, e.nvars), result: vm.Nil}
	for k := range a.vars {
		a.vars[k] = vm.Nil
	}
	a.vars[e.self] = recv
	a.vars[e.block] = ctx.Block
	for k, v := range e.args {
		if k < argc {
			a.vars[v] = argv[k]
		}
	}

	pc := 0
	for pc >= 0 && pc < len(e.steps) {
		next, err := e.steps[pc](a)
		if err != nil {
			t, ok := vm.AsThrow(err)
			if !ok || len(a.frames) == 0 {
				return vm.Nil, err
			}
			top := e.regions[a.frames[len(a.frames)-1]]
			a.frames = a.frames[:len(a.frames)-1]
			a.vars[top.state] = vm.FromSmallInt(int64(t.Tag))
			a.vars[top.val] = t.Value
			next = top.resume
			e.enter(a, next)
		}
		pc = next
	}
	return a.result, nil
}

// Name returns the function name.
func (e *Entry) Name() string {
	return e.name
}

// Ops returns the number of operations in the function.
func (e *Entry) Ops() int {
	return len(e.ops)
}

// Labels returns the number of labels the function was built with.
func (e *Entry) Labels() int {
	return e.nlabels
}

// Frames returns the number of tag frames.
func (e *Entry) Frames() int {
	return len(e.regions)
}

// Trace returns the source map in emission order.
func (e *Entry) Trace() []TracePoint {
	return append([]TracePoint(nil), e.traces...)
}

// SourceAt returns the bytecode position that produced operation index i.
func (e *Entry) SourceAt(i int) (TracePoint, bool) {
	k := sort.Search(len(e.traces), func(k int) bool { return e.traces[k].Index > i })
	if k == 0 {
		return TracePoint{}, false
	}
	return e.traces[k-1], true
}
