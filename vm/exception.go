package vm

import "fmt"

// ---------------------------------------------------------------------------
// Exceptions
// ---------------------------------------------------------------------------

// Exception is a raised error object. It travels inside a TagRaise Throw.
type Exception struct {
	Class   *Class
	Message string
}

func (e *Exception) Error() string {
	if e.Message == "" {
		return e.Class.Name
	}
	return fmt.Sprintf("%s: %s", e.Class.Name, e.Message)
}

func (e *Exception) String() string {
	return "#<" + e.Error() + ">"
}

// NewException creates an exception value without raising it.
func NewException(class *Class, message string) Value {
	return Wrap(&Exception{Class: class, Message: message})
}

// Raise returns a TagRaise transfer carrying a new exception of class.
func (vm *VM) Raise(class *Class, message string) error {
	return NewThrow(TagRaise, NewException(class, message))
}

// ExceptionOf extracts the exception carried by a raise transfer.
func ExceptionOf(err error) (*Exception, bool) {
	t, ok := AsThrow(err)
	if !ok || t.Tag != TagRaise {
		return nil, false
	}
	ex, ok := Unwrap(t.Value).(*Exception)
	return ex, ok
}

func (vm *VM) bootstrapExceptionClasses() {
	vm.StandardErrorClass = vm.DefineClass("StandardError", vm.ObjectClass)
	vm.NoMethodErrorClass = vm.DefineClass("NoMethodError", vm.StandardErrorClass)
	vm.ArgumentErrorClass = vm.DefineClass("ArgumentError", vm.StandardErrorClass)
	vm.ZeroDivisionErrorClass = vm.DefineClass("ZeroDivisionError", vm.StandardErrorClass)
	vm.LocalJumpErrorClass = vm.DefineClass("LocalJumpError", vm.StandardErrorClass)
	vm.TypeErrorClass = vm.DefineClass("TypeError", vm.StandardErrorClass)
}
