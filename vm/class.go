package vm

import "sync"

// ---------------------------------------------------------------------------
// Class
// ---------------------------------------------------------------------------

// Class is a named behavior with its own method table. Lookup walks the
// superclass chain.
type Class struct {
	Name       string
	Superclass *Class

	methods *MethodTable

	mu        sync.Mutex
	singleton *Class
	isMeta    bool
	value     Value
}

// NewClass creates a class with an empty method table.
func NewClass(name string, superclass *Class) *Class {
	c := &Class{Name: name, Superclass: superclass}
	c.methods = NewMethodTable(c)
	return c
}

func newSingletonClass(of *Class) *Class {
	c := NewClass("#<Class:"+of.Name+">", of)
	c.isMeta = true
	return c
}

// Methods returns the class's own method table.
func (c *Class) Methods() *MethodTable {
	return c.methods
}

// Lookup finds a member by name, walking the superclass chain. It returns
// the method and the class whose table holds it.
func (c *Class) Lookup(name string) (Method, *Class) {
	for cur := c; cur != nil; cur = cur.Superclass {
		if m, _, ok := cur.methods.Lookup(name); ok {
			return m, cur
		}
	}
	return nil, nil
}

// IsSubclassOf returns true if c is a subclass of other (or is the same class).
func (c *Class) IsSubclassOf(other *Class) bool {
	for current := c; current != nil; current = current.Superclass {
		if current == other {
			return true
		}
	}
	return false
}

// IsSingleton reports whether c holds per-object behavior.
func (c *Class) IsSingleton() bool {
	return c.isMeta
}

// Singleton returns the class-side behavior of c, creating it on demand.
// Class-side methods (module functions) live here. Its superclass is the
// singleton of c's superclass, so class-side lookup follows inheritance.
func (c *Class) Singleton() *Class {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.singleton == nil {
		var super *Class
		if c.Superclass != nil {
			super = c.Superclass.Singleton()
		}
		s := NewClass("#<Class:"+c.Name+">", super)
		s.isMeta = true
		c.singleton = s
	}
	return c.singleton
}

// Value returns the class as a first-class value.
func (c *Class) Value() Value {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.value == 0 {
		c.value = Wrap(c)
	}
	return c.value
}

func (c *Class) String() string {
	return c.Name
}
