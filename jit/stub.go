package jit

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tliron/commonlog"

	"github.com/chazu/tagjit/vm"
)

// ErrNoMember is returned when stubbing a name the class does not define.
var ErrNoMember = errors.New("no such member")

// Status is the installation state of one member.
type Status int

const (
	StatusNone Status = iota
	StatusStubbed
	StatusCompiled
	StatusReverted
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusStubbed:
		return "stubbed"
	case StatusCompiled:
		return "compiled"
	case StatusReverted:
		return "reverted"
	case StatusSkipped:
		return "skipped"
	}
	return "none"
}

// Stats counts what a Manager has done.
type Stats struct {
	Stubbed   int64
	Compiled  int64
	Reverted  int64
	Skipped   int64
	Fallbacks int64 // calls served by the original while a compile held the gate
	Deferred  int64 // calls served by the original below the threshold
	Redirects int64 // stubs moved onto a foreign receiver's singleton
}

type memberKey struct {
	class *vm.Class
	name  string
}

type record struct {
	att    *Attempt
	status Status
	reason string
}

// owns reports whether m is one of the bodies this record accounts for.
func (r *record) owns(m vm.Method) bool {
	return m == r.att.Original || (r.att.Stub != nil && m == r.att.Stub) || (r.att.Resolved != nil && m == r.att.Resolved)
}

// Manager installs lazy compilation stubs and tracks every member it has
// seen in an explicit registry.
type Manager struct {
	vm     *vm.VM
	driver *Driver
	log    commonlog.Logger

	mu      sync.Mutex
	records map[memberKey]*record
	hooks   map[*vm.Class]func()

	stubbed, compiled, reverted, skipped atomic.Int64
	fallbacks, deferred, redirects       atomic.Int64
}

// NewManager returns a manager for v compiling through d.
func NewManager(v *vm.VM, d *Driver) *Manager {
	return &Manager{
		vm:      v,
		driver:  d,
		log:     commonlog.GetLogger("tagjit.stub"),
		records: make(map[memberKey]*record),
		hooks:   make(map[*vm.Class]func()),
	}
}

// Driver returns the driver stubs compile through.
func (m *Manager) Driver() *Driver {
	return m.driver
}

// InstallLazyStub replaces the body of class#name with a stub that
// compiles it on first use. Ineligible members are recorded as skipped
// and logged; that is not an error. Installing over a member this manager
// already handled is a no-op reporting the current status.
func (m *Manager) InstallLazyStub(class *vm.Class, name string) (Status, error) {
	m.mu.Lock()
	st, ev, err := m.install(class, name)
	m.mu.Unlock()
	m.publish(ev)
	return st, err
}

// pending is an event held back until m.mu is released, so observers may
// call into the manager.
type pending struct {
	att    *Attempt
	kind   EventKind
	reason string
}

func (m *Manager) publish(ev *pending) {
	if ev != nil {
		m.driver.emit(ev.att, ev.kind, ev.reason)
	}
}

// install does the work of InstallLazyStub. m.mu must be held.
func (m *Manager) install(class *vm.Class, name string) (Status, *pending, error) {
	if IsReserved(name) {
		m.log.Debugf("not stubbing reserved name %s#%s", class.Name, name)
		return StatusSkipped, nil, nil
	}
	cur, _, ok := class.Methods().Lookup(name)
	if !ok {
		return StatusNone, nil, fmt.Errorf("%s#%s: %w", class.Name, name, ErrNoMember)
	}
	key := memberKey{class, name}
	if rec, ok := m.records[key]; ok && rec.owns(cur) {
		return rec.status, nil, nil
	}

	switch cur.(type) {
	case *Stub:
		return StatusStubbed, nil, nil
	case *CompiledMethod:
		return StatusCompiled, nil, nil
	}

	att := NewAttempt(class, name, cur)
	pol := m.driver.opts.policy()
	reason := ""
	switch {
	case pol.ExcludesClass(class):
		reason = "class excluded by policy"
	case pol.ExcludesMethod(class, name):
		reason = "member excluded by policy"
	case vm.IsTrivial(cur):
		reason = fmt.Sprintf("trivial body %T", cur)
	default:
		if _, ok := cur.(*vm.ISeqMethod); !ok {
			reason = fmt.Sprintf("not an instruction sequence (%T)", cur)
		}
	}
	if reason != "" {
		m.records[key] = &record{att: att, status: StatusSkipped, reason: reason}
		m.skipped.Add(1)
		m.log.Infof("skipping %s#%s: %s", class.Name, name, reason)
		return StatusSkipped, &pending{att, EventSkip, reason}, nil
	}

	stub := &Stub{mgr: m, att: att, class: class, name: name, original: cur}
	att.Stub = stub
	if !class.Methods().Replace(name, cur, stub) {
		return StatusNone, nil, fmt.Errorf("%s#%s: %w", class.Name, name, ErrSuperseded)
	}
	m.records[key] = &record{att: att, status: StatusStubbed}
	m.stubbed.Add(1)
	m.log.Infof("installed lazy stub for %s#%s", class.Name, name)
	return StatusStubbed, &pending{att, EventStub, ""}, nil
}

// installOn binds original on single with visibility vis and stubs it
// there, unless single already defines name. It reports whether it
// installed anything.
func (m *Manager) installOn(single *vm.Class, name string, original vm.Method, vis vm.Visibility) (bool, error) {
	m.mu.Lock()
	if _, _, defined := single.Methods().Lookup(name); defined {
		m.mu.Unlock()
		return false, nil
	}
	single.Methods().Set(name, original, vis)
	_, ev, err := m.install(single, name)
	m.mu.Unlock()
	m.publish(ev)
	if err != nil {
		return false, err
	}
	m.redirects.Add(1)
	return true, nil
}

// InstallAll stubs every member defined directly on class and returns how
// many stubs were installed.
func (m *Manager) InstallAll(class *vm.Class) (int, error) {
	var errs []error
	n := 0
	for _, vis := range []vm.Visibility{vm.Public, vm.Protected, vm.Private} {
		for _, name := range m.vm.Reflection().OwnMethods(class, vis) {
			before, _ := m.Status(class, name)
			st, err := m.InstallLazyStub(class, name)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if st == StatusStubbed && before != StatusStubbed {
				n++
			}
		}
	}
	return n, errors.Join(errs...)
}

// Status returns the recorded state of class#name.
func (m *Manager) Status(class *vm.Class, name string) (Status, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[memberKey{class, name}]; ok {
		return rec.status, rec.reason
	}
	return StatusNone, ""
}

// Stats returns a snapshot of the counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Stubbed:   m.stubbed.Load(),
		Compiled:  m.compiled.Load(),
		Reverted:  m.reverted.Load(),
		Skipped:   m.skipped.Load(),
		Fallbacks: m.fallbacks.Load(),
		Deferred:  m.deferred.Load(),
		Redirects: m.redirects.Load(),
	}
}

// callbacks bind a driver outcome to the method table and the registry.
func (m *Manager) callbacks() Callbacks {
	return Callbacks{
		Success: func(att *Attempt, cm *CompiledMethod) bool {
			if !att.Class.Methods().Replace(att.Name, att.Stub, cm) {
				return false
			}
			m.settle(att, StatusCompiled, cm)
			m.compiled.Add(1)
			return true
		},
		Failure: func(att *Attempt) {
			if !att.Class.Methods().Replace(att.Name, att.Stub, att.Original) {
				m.log.Warningf("not reverting %s#%s: %s", att.Class.Name, att.Name, ErrSuperseded)
				return
			}
			m.settle(att, StatusReverted, att.Original)
			m.reverted.Add(1)
		},
	}
}

func (m *Manager) settle(att *Attempt, st Status, resolved vm.Method) {
	m.mu.Lock()
	defer m.mu.Unlock()
	att.Resolved = resolved
	if rec, ok := m.records[memberKey{att.Class, att.Name}]; ok && rec.att == att {
		rec.status = st
		if att.Err != nil {
			rec.reason = att.Err.Error()
		}
	}
}

// Stub stands in for a method body until its first call compiles it.
type Stub struct {
	mgr      *Manager
	att      *Attempt
	class    *vm.Class
	name     string
	original vm.Method

	gate  sync.Mutex
	done  bool
	calls atomic.Int64
}

// Original returns the body the stub replaced.
func (s *Stub) Original() vm.Method {
	return s.original
}

// Invoke compiles the member once, then forwards the call to whatever is
// installed afterwards. A call arriving while another goroutine compiles
// runs the original body instead of waiting.
func (s *Stub) Invoke(v *vm.VM, recv vm.Value, args []vm.Value, blk vm.Value) (vm.Value, error) {
	if !v.ClassOf(recv).IsSubclassOf(s.class) {
		return s.redirect(v, recv, args, blk)
	}

	if s.calls.Add(1) < s.mgr.driver.opts.threshold() {
		s.mgr.deferred.Add(1)
		return s.original.Invoke(v, recv, args, blk)
	}

	if !s.gate.TryLock() {
		s.mgr.fallbacks.Add(1)
		return s.original.Invoke(v, recv, args, blk)
	}
	if !s.done {
		s.done = true
		s.mgr.driver.Compile(s.att, s.mgr.callbacks())
	}
	s.gate.Unlock()

	m, _, ok := v.Reflection().Lookup(v.ClassOf(recv), s.name)
	if !ok || m == vm.Method(s) {
		return s.original.Invoke(v, recv, args, blk)
	}
	return m.Invoke(v, recv, args, blk)
}

// redirect handles a receiver outside the declaring class: the original
// body is bound on the receiver's singleton behavior and stubbed there.
func (s *Stub) redirect(v *vm.VM, recv vm.Value, args []vm.Value, blk vm.Value) (vm.Value, error) {
	var single *vm.Class
	switch o := vm.Unwrap(recv).(type) {
	case *vm.Object:
		single = o.Singleton()
	case *vm.Class:
		single = o.Singleton()
	}
	if single == nil {
		return s.original.Invoke(v, recv, args, blk)
	}
	vis := vm.Public
	if _, declared, ok := s.class.Methods().Lookup(s.name); ok {
		vis = declared
	}
	installed, err := s.mgr.installOn(single, s.name, s.original, vis)
	if err != nil {
		return vm.Nil, err
	}
	if installed {
		s.mgr.log.Infof("redirected %s#%s to the singleton of %s", s.class.Name, s.name, v.ClassOf(recv).Name)
	}
	body, _, _ := single.Methods().Lookup(s.name)
	if !derivedFrom(body, s.original) {
		return s.original.Invoke(v, recv, args, blk)
	}
	return body.Invoke(v, recv, args, blk)
}

// derivedFrom reports whether body is original or a stub or compiled
// form of it.
func derivedFrom(body, original vm.Method) bool {
	switch b := body.(type) {
	case *Stub:
		return b.original == original
	case *CompiledMethod:
		return b.Original == original
	}
	return body == original
}

func (s *Stub) String() string {
	return "stub:" + s.class.Name + "#" + s.name
}
