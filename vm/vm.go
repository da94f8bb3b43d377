package vm

import (
	"fmt"
	"sort"
	"sync"
)

// VM holds the class hierarchy, the interpreter and the reflection
// interface. Methods may be invoked from many goroutines at once; all
// shared state is guarded.
type VM struct {
	ObjectClass  *Class
	NilClass     *Class
	TrueClass    *Class
	FalseClass   *Class
	IntegerClass *Class
	FloatClass   *Class
	StringClass  *Class
	SymbolClass  *Class
	ProcClass    *Class
	ClassClass   *Class

	StandardErrorClass     *Class
	NoMethodErrorClass     *Class
	ArgumentErrorClass     *Class
	ZeroDivisionErrorClass *Class
	LocalJumpErrorClass    *Class
	TypeErrorClass         *Class

	mu      sync.RWMutex
	classes map[string]*Class

	interp     *Interpreter
	reflection *Reflection
}

// NewVM creates a VM with the core classes and primitives installed.
func NewVM() *VM {
	vm := &VM{classes: make(map[string]*Class)}
	vm.interp = newInterpreter(vm)
	vm.reflection = newReflection(vm)
	vm.bootstrap()
	return vm
}

func (vm *VM) bootstrap() {
	vm.ObjectClass = vm.DefineClass("Object", nil)
	vm.NilClass = vm.DefineClass("NilClass", vm.ObjectClass)
	vm.TrueClass = vm.DefineClass("TrueClass", vm.ObjectClass)
	vm.FalseClass = vm.DefineClass("FalseClass", vm.ObjectClass)
	vm.IntegerClass = vm.DefineClass("Integer", vm.ObjectClass)
	vm.FloatClass = vm.DefineClass("Float", vm.ObjectClass)
	vm.StringClass = vm.DefineClass("String", vm.ObjectClass)
	vm.SymbolClass = vm.DefineClass("Symbol", vm.ObjectClass)
	vm.ProcClass = vm.DefineClass("Proc", vm.ObjectClass)
	vm.ClassClass = vm.DefineClass("Class", vm.ObjectClass)

	vm.bootstrapExceptionClasses()
	vm.registerPrimitives()
}

// DefineClass creates and registers a class. Redefining a name returns the
// existing class.
func (vm *VM) DefineClass(name string, superclass *Class) *Class {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if c, ok := vm.classes[name]; ok {
		return c
	}
	if superclass == nil && vm.ObjectClass != nil {
		superclass = vm.ObjectClass
	}
	c := NewClass(name, superclass)
	vm.classes[name] = c
	return c
}

// LookupClass finds a registered class by name.
func (vm *VM) LookupClass(name string) (*Class, bool) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	c, ok := vm.classes[name]
	return c, ok
}

// Classes returns all registered classes sorted by name.
func (vm *VM) Classes() []*Class {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	out := make([]*Class, 0, len(vm.classes))
	for _, c := range vm.classes {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Interpreter returns the VM's bytecode interpreter.
func (vm *VM) Interpreter() *Interpreter {
	return vm.interp
}

// Reflection returns the reflection interface.
func (vm *VM) Reflection() *Reflection {
	return vm.reflection
}

// ClassOf returns the effective class of v: its singleton class when it
// has one, otherwise its declared class. A class object's effective class
// is its class-side singleton.
func (vm *VM) ClassOf(v Value) *Class {
	switch {
	case v == Nil:
		return vm.NilClass
	case v == True:
		return vm.TrueClass
	case v == False:
		return vm.FalseClass
	case v.IsSmallInt():
		return vm.IntegerClass
	case v.IsSymbol():
		return vm.SymbolClass
	case v.IsObject():
		switch o := Unwrap(v).(type) {
		case *Object:
			return o.effectiveClass()
		case *Class:
			return o.Singleton()
		case string:
			return vm.StringClass
		case *Exception:
			return o.Class
		case *Block:
			return vm.ProcClass
		}
		return vm.ObjectClass
	case v.IsFloat():
		return vm.FloatClass
	}
	return vm.ObjectClass
}

// ResolveMethod finds the method recv would run for name.
func (vm *VM) ResolveMethod(recv Value, name string) Method {
	m, _ := vm.ClassOf(recv).Lookup(name)
	return m
}

// Send dispatches a message.
func (vm *VM) Send(recv Value, name string, args []Value, blk Value) (Value, error) {
	m := vm.ResolveMethod(recv, name)
	if m == nil {
		return Nil, vm.Raise(vm.NoMethodErrorClass,
			fmt.Sprintf("undefined method '%s' for %s", name, vm.ClassOf(recv).Name))
	}
	return m.Invoke(vm, recv, args, blk)
}

// Yield calls the block passed to the current method.
func (vm *VM) Yield(blk Value, args []Value) (Value, error) {
	b, ok := Unwrap(blk).(*Block)
	if !ok {
		return Nil, vm.Raise(vm.LocalJumpErrorClass, "no block given (yield)")
	}
	return b.Fn(args)
}

// CheckArity raises ArgumentError unless args matches the sequence's arity.
func (vm *VM) CheckArity(seq *ISeq, args []Value) error {
	if len(args) != seq.Arity {
		return vm.Raise(vm.ArgumentErrorClass,
			fmt.Sprintf("wrong number of arguments (given %d, expected %d)", len(args), seq.Arity))
	}
	return nil
}
