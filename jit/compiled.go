package jit

import (
	"github.com/chazu/tagjit/native"
	"github.com/chazu/tagjit/vm"
)

// CompiledMethod is a method body translated to a native entry.
type CompiledMethod struct {
	Seq      *vm.ISeq
	Entry    *native.Entry
	Original vm.Method
	OptLevel OptLevel
}

// Invoke checks the argument count and runs the native entry.
func (m *CompiledMethod) Invoke(v *vm.VM, recv vm.Value, args []vm.Value, blk vm.Value) (vm.Value, error) {
	if err := v.CheckArity(m.Seq, args); err != nil {
		return vm.Nil, err
	}
	return m.Entry.Call(&native.Context{VM: v, Block: blk}, recv, len(args), args)
}

func (m *CompiledMethod) String() string {
	return "compiled:" + m.Seq.Name
}
