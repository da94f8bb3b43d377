// Package jit compiles instruction-sequence methods into native entries
// lazily, on their first call.
//
// A Manager replaces method bodies with stubs. The first call through a
// stub runs the Driver, which translates the body with Translate and
// swaps the stub for the compiled body, or for the original body when
// translation fails. Protected regions of the catch table become tag
// frames in the native graph; a transfer that does not match a frame's
// kind is raised again to the enclosing frame.
package jit

import "github.com/chazu/tagjit/vm"

// New returns a manager for v with its own driver.
func New(v *vm.VM, opts Options) *Manager {
	return NewManager(v, NewDriver(opts))
}
