package jit

import (
	"fmt"

	"github.com/chazu/tagjit/native"
	"github.com/chazu/tagjit/vm"
)

// walk emits every instruction before offset stop, opening the protected
// regions of entries as the cursor reaches them. entries must be sorted and
// properly nested.
func (t *translator) walk(entries []*vm.CatchEntry, stop int) error {
	for len(entries) > 0 {
		e := entries[0]
		n := 1
		for n < len(entries) && entries[n].Start <= e.End {
			n++
		}
		if err := t.linear(e.Start); err != nil {
			return err
		}
		if err := t.protected(e, entries[1:n]); err != nil {
			return err
		}
		entries = entries[n:]
	}
	return t.linear(stop)
}

// protected emits the region of e with its nested entries inner:
//
//	L(start): push tag frame, checkpoint
//	          body start..end inclusive
//	          pop tag frame, goto after
//	resume:   select state: e's tag -> handler, none -> after, else rethrow
//	rethrow:  raise state, value
//	handler:  kind-specific transfer to the continuation
//	after:
func (t *translator) protected(e *vm.CatchEntry, inner []*vm.CatchEntry) error {
	env, b := t.env, t.env.b
	fail := func(err error) error {
		return &CompileError{Scope: env.scope, Offset: e.Start, Op: t.p.code[t.p.index[e.Start]].Op, Err: err}
	}

	tag := e.Kind.Tag()
	switch e.Kind {
	case vm.CatchRescue:
		if e.Handler == nil {
			return fail(fmt.Errorf("%w: %s has no handler", ErrMalformedRegion, e))
		}
	case vm.CatchBreak, vm.CatchNext, vm.CatchRedo, vm.CatchRetry:
	default:
		return fail(fmt.Errorf("%w: %s", ErrUnsupportedCatchKind, e.Kind))
	}

	if err := env.mark(e.Start); err != nil {
		return fail(err)
	}
	if !env.live {
		env.reset(e.SP)
	} else if env.Depth() != e.SP {
		return fail(fmt.Errorf("%w: %s entered with depth %d", ErrStackMismatch, e, env.Depth()))
	}
	env.sync()
	entryDepth := env.Depth()

	resume, rethrow, caught, after := b.NewLabel(), b.NewLabel(), b.NewLabel(), b.NewLabel()
	state, value := b.Var(), b.Var()

	f := b.PushTag()
	b.Checkpoint(f, resume, state, value)
	if err := t.walk(inner, e.End+1); err != nil {
		return err
	}
	fellThrough := env.live
	if fellThrough {
		env.sync()
	}
	exitDepth := env.Depth()
	b.PopTag(f)
	if fellThrough {
		b.Jump(after)
	}

	b.Place(resume)
	b.Select(state, []native.Arm{{Tag: tag, Target: caught}, {Tag: vm.TagNone, Target: after}}, rethrow)
	b.Place(rethrow)
	b.Raise(state, value)
	b.Place(caught)

	env.reset(e.SP)
	env.live = true
	if err := t.handle(e, value); err != nil {
		return err
	}

	b.Place(after)
	if fellThrough {
		env.reset(exitDepth)
		env.live = true
	} else if next, ok := t.following(e.End); ok && t.p.reachable(next) {
		env.reset(t.p.depth[next])
		env.live = true
	} else {
		env.reset(entryDepth)
		env.live = false
	}
	return nil
}

// handle emits the transfer for a caught tag. The operand stack has been
// cut back to the entry's depth.
func (t *translator) handle(e *vm.CatchEntry, value native.Var) error {
	env := t.env
	switch e.Kind {
	case vm.CatchBreak, vm.CatchNext:
		s := env.slot(e.SP)
		env.b.Move(s, value)
		env.stack = append(env.stack, inReg(s))
		return env.Branch(e.Cont)
	case vm.CatchRedo, vm.CatchRetry:
		return env.Branch(e.Cont)
	}

	child := env.Child(e.Handler, e)
	child.b.Move(child.temps[0], value)
	for _, v := range child.temps[1:] {
		child.b.Const(v, vm.Nil)
	}
	child.exit = func(v native.Var) error {
		env.reset(e.SP)
		s := env.slot(e.SP)
		env.b.Move(s, v)
		env.stack = append(env.stack, inReg(s))
		return env.Branch(e.Cont)
	}
	ct, err := newTranslator(child)
	if err != nil {
		return err
	}
	if err := ct.run(); err != nil {
		return err
	}
	env.live = false
	return nil
}

// following returns the offset of the instruction after the one at offset.
func (t *translator) following(offset int) (int, bool) {
	i, ok := t.p.index[offset]
	if !ok || i+1 >= len(t.p.code) {
		return 0, false
	}
	return t.p.code[i+1].Offset, true
}
