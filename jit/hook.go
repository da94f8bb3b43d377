package jit

import (
	"strings"

	"github.com/chazu/tagjit/vm"
)

// Reserved name prefixes. Members named this way belong to the compiler's
// own bookkeeping and are never stubbed.
const (
	OrigPrefix     = "__jit_orig_"
	InflightPrefix = "__jit_inflight_"
	DonePrefix     = "__jit_done_"
)

// IsReserved reports whether name uses a reserved prefix.
func IsReserved(name string) bool {
	return strings.HasPrefix(name, OrigPrefix) ||
		strings.HasPrefix(name, InflightPrefix) ||
		strings.HasPrefix(name, DonePrefix)
}

// EnableLazy opts class into lazy compilation: its current members are
// stubbed and every member defined on it later is stubbed as it appears.
// Enabling an already enabled class only stubs members that are new.
func (m *Manager) EnableLazy(class *vm.Class) (int, error) {
	m.mu.Lock()
	if _, ok := m.hooks[class]; !ok {
		m.hooks[class] = m.vm.Reflection().Subscribe(class, m.onDefine)
	}
	m.mu.Unlock()
	return m.InstallAll(class)
}

// DisableLazy stops stubbing new members of class. Installed stubs stay.
func (m *Manager) DisableLazy(class *vm.Class) {
	m.mu.Lock()
	cancel, ok := m.hooks[class]
	delete(m.hooks, class)
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

// LazyEnabled reports whether class has opted in.
func (m *Manager) LazyEnabled(class *vm.Class) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.hooks[class]
	return ok
}

func (m *Manager) onDefine(class *vm.Class, name string, _ vm.Method) {
	if IsReserved(name) {
		return
	}
	if _, err := m.InstallLazyStub(class, name); err != nil {
		m.log.Warningf("hook: %s", err)
	}
}
