package vm

import (
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Object space: handles for heap values
// ---------------------------------------------------------------------------

// objectSpace maps handles to Go values. Values carry only the handle so the
// Go GC keeps the referent alive through this table.
type objectSpace struct {
	mu      sync.RWMutex
	objects map[uint64]any
	nextID  atomic.Uint64
}

var objects = &objectSpace{objects: make(map[uint64]any)}

// Wrap stores obj in the object space and returns a reference to it.
func Wrap(obj any) Value {
	id := objects.nextID.Add(1)
	objects.mu.Lock()
	objects.objects[id] = obj
	objects.mu.Unlock()
	return fromHandle(id)
}

// Unwrap returns the Go value referenced by v, or nil if v is not an object
// reference.
func Unwrap(v Value) any {
	if !v.IsObject() {
		return nil
	}
	objects.mu.RLock()
	defer objects.mu.RUnlock()
	return objects.objects[v.Handle()]
}

// Release drops the object space entry for v.
func Release(v Value) {
	if !v.IsObject() {
		return
	}
	objects.mu.Lock()
	delete(objects.objects, v.Handle())
	objects.mu.Unlock()
}

// NewString wraps a Go string.
func NewString(s string) Value {
	return Wrap(s)
}

// StringValue returns the Go string referenced by v.
func StringValue(v Value) (string, bool) {
	s, ok := Unwrap(v).(string)
	return s, ok
}

// ---------------------------------------------------------------------------
// Symbols
// ---------------------------------------------------------------------------

type symbolTable struct {
	mu     sync.RWMutex
	byName map[string]uint32
	byID   []string
}

var symbols = &symbolTable{byName: make(map[string]uint32)}

// Intern returns the symbol value for name, creating it if needed.
func Intern(name string) Value {
	symbols.mu.RLock()
	if id, ok := symbols.byName[name]; ok {
		symbols.mu.RUnlock()
		return FromSymbolID(id)
	}
	symbols.mu.RUnlock()

	symbols.mu.Lock()
	defer symbols.mu.Unlock()
	if id, ok := symbols.byName[name]; ok {
		return FromSymbolID(id)
	}
	id := uint32(len(symbols.byID))
	symbols.byName[name] = id
	symbols.byID = append(symbols.byID, name)
	return FromSymbolID(id)
}

// SymbolName returns the name of a symbol value, or "" if v is not a symbol.
func SymbolName(v Value) string {
	if !v.IsSymbol() {
		return ""
	}
	id := v.SymbolID()
	symbols.mu.RLock()
	defer symbols.mu.RUnlock()
	if int(id) >= len(symbols.byID) {
		return ""
	}
	return symbols.byID[id]
}
