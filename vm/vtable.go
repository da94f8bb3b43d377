package vm

import (
	"sort"
	"sync"
)

// MethodTable holds the members defined directly on one class.
//
// All mutation happens under the table lock, so readers never observe a
// partially updated entry. Replace is the compare-and-swap the JIT uses to
// install compiled or reverted bodies.
type MethodTable struct {
	mu      sync.RWMutex
	class   *Class
	entries map[string]methodEntry
}

type methodEntry struct {
	method Method
	vis    Visibility
	seq    uint64 // definition order
}

// NewMethodTable creates an empty table for class.
func NewMethodTable(class *Class) *MethodTable {
	return &MethodTable{
		class:   class,
		entries: make(map[string]methodEntry),
	}
}

// Lookup finds a member in this table only.
func (t *MethodTable) Lookup(name string) (Method, Visibility, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[name]
	return e.method, e.vis, ok
}

// Set adds or replaces a member, keeping its original definition position
// when it already exists.
func (t *MethodTable) Set(name string, m Method, vis Visibility) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[name]
	if !ok {
		e.seq = t.nextSeq()
	}
	e.method = m
	e.vis = vis
	t.entries[name] = e
}

// Replace swaps old for replacement if old is still installed under name.
// Visibility is preserved. Reports whether the swap happened.
func (t *MethodTable) Replace(name string, old, replacement Method) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[name]
	if !ok || e.method != old {
		return false
	}
	e.method = replacement
	t.entries[name] = e
	return true
}

// Remove deletes a member. Reports whether it existed.
func (t *MethodTable) Remove(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[name]
	delete(t.entries, name)
	return ok
}

// Rename moves a member to a new name, overwriting any member there.
func (t *MethodTable) Rename(from, to string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[from]
	if !ok {
		return false
	}
	delete(t.entries, from)
	t.entries[to] = e
	return true
}

// Names returns member names with the given visibility in definition order.
func (t *MethodTable) Names(vis Visibility) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	type named struct {
		name string
		seq  uint64
	}
	var found []named
	for name, e := range t.entries {
		if e.vis == vis {
			found = append(found, named{name, e.seq})
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].seq < found[j].seq })
	names := make([]string, len(found))
	for i, n := range found {
		names[i] = n.name
	}
	return names
}

// Len returns the number of members.
func (t *MethodTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Class returns the class this table belongs to.
func (t *MethodTable) Class() *Class {
	return t.class
}

func (t *MethodTable) nextSeq() uint64 {
	var max uint64
	for _, e := range t.entries {
		if e.seq > max {
			max = e.seq
		}
	}
	return max + 1
}
