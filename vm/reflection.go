package vm

import (
	"fmt"
	"sync"
)

// DefinitionListener is notified after a member has been defined on a class.
type DefinitionListener func(class *Class, name string, m Method)

type subscription struct {
	id uint64
	fn DefinitionListener
}

// Reflection is the introspection and definition interface over classes.
// Definitions made through it notify subscribers; direct method table
// swaps (MethodTable.Replace) do not.
type Reflection struct {
	vm *VM

	mu        sync.RWMutex
	listeners map[*Class][]subscription
	nextID    uint64
}

func newReflection(vm *VM) *Reflection {
	return &Reflection{vm: vm, listeners: make(map[*Class][]subscription)}
}

// Lookup finds a member on class or its ancestors.
func (r *Reflection) Lookup(class *Class, name string) (Method, *Class, bool) {
	m, owner := class.Lookup(name)
	return m, owner, m != nil
}

// OwnMethods lists the members defined directly on class with visibility vis.
func (r *Reflection) OwnMethods(class *Class, vis Visibility) []string {
	return class.Methods().Names(vis)
}

// Rename moves a member under a new name on the same class.
func (r *Reflection) Rename(class *Class, from, to string) error {
	if !class.Methods().Rename(from, to) {
		return fmt.Errorf("%s: no member %q to rename", class.Name, from)
	}
	return nil
}

// Remove deletes a member defined directly on class.
func (r *Reflection) Remove(class *Class, name string) error {
	if !class.Methods().Remove(name) {
		return fmt.Errorf("%s: no member %q to remove", class.Name, name)
	}
	return nil
}

// Define installs m under name and notifies subscribers of class.
func (r *Reflection) Define(class *Class, name string, m Method, vis Visibility) {
	class.Methods().Set(name, m, vis)
	r.notify(class, name, m)
}

// DefineNative installs a Go-implemented member.
func (r *Reflection) DefineNative(class *Class, name string, arity int, fn PrimitiveFunc) *PrimitiveMethod {
	m := &PrimitiveMethod{Name: name, Arity: arity, Fn: fn}
	r.Define(class, name, m, Public)
	return m
}

// DefineISeq installs an interpreted member.
func (r *Reflection) DefineISeq(class *Class, seq *ISeq, vis Visibility) *ISeqMethod {
	m := NewISeqMethod(seq)
	r.Define(class, seq.Name, m, vis)
	return m
}

// Subscribe registers fn for definitions on class. The returned function
// cancels the subscription.
func (r *Reflection) Subscribe(class *Class, fn DefinitionListener) (cancel func()) {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.listeners[class] = append(r.listeners[class], subscription{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			subs := r.listeners[class]
			for i, s := range subs {
				if s.id == id {
					r.listeners[class] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
			if len(r.listeners[class]) == 0 {
				delete(r.listeners, class)
			}
		})
	}
}

// Subscribed reports whether class has any definition listeners.
func (r *Reflection) Subscribed(class *Class) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners[class]) > 0
}

func (r *Reflection) notify(class *Class, name string, m Method) {
	r.mu.RLock()
	subs := append([]subscription(nil), r.listeners[class]...)
	r.mu.RUnlock()
	for _, s := range subs {
		s.fn(class, name, m)
	}
}
