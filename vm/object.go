package vm

import (
	"fmt"
	"sync"
)

// ---------------------------------------------------------------------------
// Method: anything installable in a method table
// ---------------------------------------------------------------------------

// Method is the interface all method implementations satisfy. Errors
// returned from Invoke are either *Throw (a non-local transfer the caller
// may intercept) or a Go error that aborts the whole call chain.
type Method interface {
	Invoke(vm *VM, recv Value, args []Value, blk Value) (Value, error)
}

// Visibility of a member.
type Visibility uint8

const (
	Public Visibility = iota
	Protected
	Private
)

func (v Visibility) String() string {
	switch v {
	case Protected:
		return "protected"
	case Private:
		return "private"
	}
	return "public"
}

// ParseVisibility resolves a visibility name; the empty string is public.
func ParseVisibility(s string) (Visibility, error) {
	switch s {
	case "", "public":
		return Public, nil
	case "protected":
		return Protected, nil
	case "private":
		return Private, nil
	}
	return Public, fmt.Errorf("unknown visibility %q", s)
}

// ---------------------------------------------------------------------------
// Object: a plain instance with named instance variables
// ---------------------------------------------------------------------------

// Object is an instance of a user class.
type Object struct {
	class *Class

	mu        sync.RWMutex
	ivars     map[string]Value
	singleton *Class
}

// NewObject creates an instance of class and returns a reference to it.
func NewObject(class *Class) Value {
	return Wrap(&Object{class: class, ivars: make(map[string]Value)})
}

// Class returns the object's declared class.
func (o *Object) Class() *Class {
	return o.class
}

// Ivar returns the named instance variable, Nil if unset.
func (o *Object) Ivar(name string) Value {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if v, ok := o.ivars[name]; ok {
		return v
	}
	return Nil
}

// SetIvar stores an instance variable.
func (o *Object) SetIvar(name string, v Value) {
	o.mu.Lock()
	o.ivars[name] = v
	o.mu.Unlock()
}

// Singleton returns the object's singleton class, creating it on demand.
func (o *Object) Singleton() *Class {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.singleton == nil {
		o.singleton = newSingletonClass(o.class)
	}
	return o.singleton
}

func (o *Object) effectiveClass() *Class {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.singleton != nil {
		return o.singleton
	}
	return o.class
}

func (o *Object) String() string {
	return "#<" + o.class.Name + ">"
}

// ---------------------------------------------------------------------------
// Block: a callable passed alongside a message send
// ---------------------------------------------------------------------------

// Block is a Go-implemented closure passed to a method and invoked by YIELD.
type Block struct {
	Fn func(args []Value) (Value, error)
}

// NewBlock wraps fn as a block value.
func NewBlock(fn func(args []Value) (Value, error)) Value {
	return Wrap(&Block{Fn: fn})
}

func (b *Block) String() string {
	return "#<Proc>"
}
