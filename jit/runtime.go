package jit

import (
	"strings"

	"github.com/chazu/tagjit/native"
	"github.com/chazu/tagjit/vm"
)

// runtime hands out the primitives compiled code calls into. One runtime
// serves one compilation so identical sites share a primitive.
type runtime struct {
	prims map[string]*native.Primitive
}

func newRuntime() *runtime {
	return &runtime{prims: make(map[string]*native.Primitive)}
}

func (r *runtime) get(name string, fn func(ctx *native.Context, args []vm.Value) (vm.Value, error)) *native.Primitive {
	if p, ok := r.prims[name]; ok {
		return p
	}
	p := &native.Primitive{Name: name, Fn: fn}
	r.prims[name] = p
	return p
}

// send dispatches sel to args[0] with the remaining arguments. Sends from
// compiled code pass no block, as the interpreter does.
func (r *runtime) send(sel string) *native.Primitive {
	return r.get("send:"+sel, func(ctx *native.Context, args []vm.Value) (vm.Value, error) {
		return ctx.VM.Send(args[0], sel, args[1:], vm.Nil)
	})
}

func (r *runtime) arith(op vm.Opcode) *native.Primitive {
	return r.get(strings.ToLower(op.Name()), func(ctx *native.Context, args []vm.Value) (vm.Value, error) {
		return ctx.VM.Arith(op, args[0], args[1])
	})
}

func (r *runtime) yield() *native.Primitive {
	return r.get("yield", func(ctx *native.Context, args []vm.Value) (vm.Value, error) {
		return ctx.VM.Yield(ctx.Block, args)
	})
}
