package jit

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/tagjit/vm"
)

// fixture is a VM with one class carrying a few interpreted members.
type fixture struct {
	v     *vm.VM
	class *vm.Class
	mgr   *Manager

	mu     sync.Mutex
	events []Event
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	v := vm.NewVM()
	f := &fixture{v: v, class: v.DefineClass("Counter", nil)}
	f.mgr = New(v, opts)
	f.mgr.Driver().Observe(func(ev Event) {
		f.mu.Lock()
		f.events = append(f.events, ev)
		f.mu.Unlock()
	})

	r := v.Reflection()
	r.DefineISeq(f.class, vm.MustAssemble("seven", 0, 0, "PUSH_INT 7\nRETURN_TOP"), vm.Public)
	r.DefineISeq(f.class, vm.MustAssemble("add", 2, 2, "PUSH_TEMP 0\nPUSH_TEMP 1\nSEND_PLUS\nRETURN_TOP"), vm.Public)
	r.DefineISeq(f.class, vm.MustAssemble("helper", 0, 0, "PUSH_INT 1\nRETURN_TOP"), vm.Private)
	r.Define(f.class, "x", &vm.AttrReader{Ivar: "x"}, vm.Public)
	return f
}

func (f *fixture) body(name string) vm.Method {
	m, _, _ := f.class.Methods().Lookup(name)
	return m
}

func (f *fixture) count(kind EventKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func TestInstallIsIdempotent(t *testing.T) {
	f := newFixture(t, DefaultOptions())

	st, err := f.mgr.InstallLazyStub(f.class, "seven")
	require.NoError(t, err)
	assert.Equal(t, StatusStubbed, st)
	stub := f.body("seven")
	require.IsType(t, &Stub{}, stub)

	st, err = f.mgr.InstallLazyStub(f.class, "seven")
	require.NoError(t, err)
	assert.Equal(t, StatusStubbed, st)
	assert.Same(t, stub, f.body("seven"))
	assert.Equal(t, int64(1), f.mgr.Stats().Stubbed)
	assert.Equal(t, 1, f.count(EventStub))
}

func TestInstallMissingMember(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	_, err := f.mgr.InstallLazyStub(f.class, "absent")
	assert.ErrorIs(t, err, ErrNoMember)
}

func TestInstallAllSkipsTrivialBodies(t *testing.T) {
	f := newFixture(t, DefaultOptions())

	n, err := f.mgr.InstallAll(f.class)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	st, reason := f.mgr.Status(f.class, "x")
	assert.Equal(t, StatusSkipped, st)
	assert.Contains(t, reason, "trivial")
	assert.IsType(t, &vm.AttrReader{}, f.body("x"))
	assert.IsType(t, &Stub{}, f.body("helper"))

	n, err = f.mgr.InstallAll(f.class)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFirstCallCompiles(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	_, err := f.mgr.InstallLazyStub(f.class, "add")
	require.NoError(t, err)
	obj := vm.NewObject(f.class)

	got, err := f.v.Send(obj, "add", []vm.Value{vm.FromSmallInt(2), vm.FromSmallInt(3)}, vm.Nil)
	require.NoError(t, err)
	assert.Equal(t, vm.FromSmallInt(5), got)

	cm, ok := f.body("add").(*CompiledMethod)
	require.True(t, ok, "body is %T", f.body("add"))
	assert.Equal(t, OptLazy, cm.OptLevel)
	st, _ := f.mgr.Status(f.class, "add")
	assert.Equal(t, StatusCompiled, st)

	st, err = f.mgr.InstallLazyStub(f.class, "add")
	require.NoError(t, err)
	assert.Equal(t, StatusCompiled, st)
	assert.Same(t, cm, f.body("add"))

	_, err = f.v.Send(obj, "add", []vm.Value{vm.FromSmallInt(2)}, vm.Nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wrong number of arguments")
}

func TestAtMostOneCompile(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	_, err := f.mgr.InstallLazyStub(f.class, "add")
	require.NoError(t, err)
	obj := vm.NewObject(f.class)

	var wrong atomic.Int64
	var g errgroup.Group
	for i := 0; i < 32; i++ {
		i := int64(i)
		g.Go(func() error {
			got, err := f.v.Send(obj, "add", []vm.Value{vm.FromSmallInt(i), vm.FromSmallInt(1)}, vm.Nil)
			if err != nil {
				return err
			}
			if got != vm.FromSmallInt(i+1) {
				wrong.Add(1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Zero(t, wrong.Load())
	assert.Equal(t, 1, f.count(EventStart))
	assert.Equal(t, 1, f.count(EventSuccess))
	assert.Equal(t, int64(1), f.mgr.Stats().Compiled)
	assert.IsType(t, &CompiledMethod{}, f.body("add"))
}

func TestFailedCompileReverts(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	seq := assemble(t, "guarded", 0, 0, `
	s:
		PUSH_INT 5
	e:
		RETURN_TOP
	c:
		RETURN_NIL
	`, func(l map[string]int) []vm.CatchEntry {
		return []vm.CatchEntry{{Kind: vm.CatchEnsure, Start: l["s"], End: l["e"], Cont: l["c"]}}
	})
	orig := f.v.Reflection().DefineISeq(f.class, seq, vm.Public)
	_, err := f.mgr.InstallLazyStub(f.class, "guarded")
	require.NoError(t, err)

	got, err := f.v.Send(vm.NewObject(f.class), "guarded", nil, vm.Nil)
	require.NoError(t, err)
	assert.Equal(t, vm.FromSmallInt(5), got)

	assert.Same(t, orig, f.body("guarded"))
	st, reason := f.mgr.Status(f.class, "guarded")
	assert.Equal(t, StatusReverted, st)
	assert.Contains(t, reason, "unsupported catch kind")
	assert.Equal(t, 1, f.count(EventFailure))

	// A reverted member is not stubbed again.
	st, err = f.mgr.InstallLazyStub(f.class, "guarded")
	require.NoError(t, err)
	assert.Equal(t, StatusReverted, st)
	assert.Same(t, orig, f.body("guarded"))
}

func TestThresholdDefersCompile(t *testing.T) {
	f := newFixture(t, Options{Threshold: 3})
	_, err := f.mgr.InstallLazyStub(f.class, "seven")
	require.NoError(t, err)
	obj := vm.NewObject(f.class)

	for i := 0; i < 2; i++ {
		got, err := f.v.Send(obj, "seven", nil, vm.Nil)
		require.NoError(t, err)
		assert.Equal(t, vm.FromSmallInt(7), got)
		assert.IsType(t, &Stub{}, f.body("seven"))
	}
	_, err = f.v.Send(obj, "seven", nil, vm.Nil)
	require.NoError(t, err)
	assert.IsType(t, &CompiledMethod{}, f.body("seven"))
	assert.Equal(t, int64(2), f.mgr.Stats().Deferred)
}

func TestForeignReceiverRedirects(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	_, err := f.mgr.InstallLazyStub(f.class, "seven")
	require.NoError(t, err)
	stub := f.body("seven").(*Stub)

	other := vm.NewObject(f.v.DefineClass("Other", nil))
	got, err := stub.Invoke(f.v, other, nil, vm.Nil)
	require.NoError(t, err)
	assert.Equal(t, vm.FromSmallInt(7), got)

	assert.Same(t, stub, f.body("seven"), "the declaring class keeps its stub")
	single := vm.Unwrap(other).(*vm.Object).Singleton()
	body, _, ok := single.Methods().Lookup("seven")
	require.True(t, ok)
	assert.IsType(t, &CompiledMethod{}, body)

	stats := f.mgr.Stats()
	assert.Equal(t, int64(1), stats.Redirects)
	assert.Equal(t, int64(2), stats.Stubbed)

	_, err = stub.Invoke(f.v, other, nil, vm.Nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.mgr.Stats().Redirects)
}

func TestLazyHook(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	r := f.v.Reflection()

	n, err := f.mgr.EnableLazy(f.class)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.True(t, f.mgr.LazyEnabled(f.class))

	r.DefineISeq(f.class, vm.MustAssemble("later", 0, 0, "PUSH_INT 2\nRETURN_TOP"), vm.Public)
	assert.IsType(t, &Stub{}, f.body("later"))

	r.DefineISeq(f.class, vm.MustAssemble(OrigPrefix+"later", 0, 0, "RETURN_NIL"), vm.Private)
	assert.IsType(t, &vm.ISeqMethod{}, f.body(OrigPrefix+"later"))
	st, _ := f.mgr.Status(f.class, OrigPrefix+"later")
	assert.Equal(t, StatusNone, st)

	r.DefineNative(f.class, "native", 0, func(*vm.VM, vm.Value, []vm.Value, vm.Value) (vm.Value, error) {
		return vm.Nil, nil
	})
	st, _ = f.mgr.Status(f.class, "native")
	assert.Equal(t, StatusSkipped, st)

	// Redefining a stubbed member stubs the new body.
	r.DefineISeq(f.class, vm.MustAssemble("later", 0, 0, "PUSH_INT 3\nRETURN_TOP"), vm.Public)
	got, err := f.v.Send(vm.NewObject(f.class), "later", nil, vm.Nil)
	require.NoError(t, err)
	assert.Equal(t, vm.FromSmallInt(3), got)

	f.mgr.DisableLazy(f.class)
	assert.False(t, f.mgr.LazyEnabled(f.class))
	r.DefineISeq(f.class, vm.MustAssemble("after", 0, 0, "RETURN_NIL"), vm.Public)
	assert.IsType(t, &vm.ISeqMethod{}, f.body("after"))
}

func TestPolicyExclusionSkips(t *testing.T) {
	f := newFixture(t, Options{Policy: testPolicy{methods: map[string]bool{"seven": true}}})

	st, err := f.mgr.InstallLazyStub(f.class, "seven")
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, st)
	_, reason := f.mgr.Status(f.class, "seven")
	assert.Equal(t, "member excluded by policy", reason)
	assert.IsType(t, &vm.ISeqMethod{}, f.body("seven"))
	assert.Equal(t, 1, f.count(EventSkip))
	assert.Equal(t, int64(1), f.mgr.Stats().Skipped)
}

func TestInstallDuringFirstCall(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t, DefaultOptions())
		_, err := f.mgr.InstallLazyStub(f.class, "seven")
		require.NoError(t, err)
		stub := f.body("seven").(*Stub)

		var g errgroup.Group
		g.Go(func() error {
			_, err := f.v.Send(vm.NewObject(f.class), "seven", nil, vm.Nil)
			return err
		})
		g.Go(func() error {
			for j := 0; j < 50; j++ {
				st, err := f.mgr.InstallLazyStub(f.class, "seven")
				if err != nil {
					return err
				}
				if st != StatusStubbed && st != StatusCompiled {
					return fmt.Errorf("unexpected status %s", st)
				}
			}
			return nil
		})
		require.NoError(t, g.Wait())

		assert.IsType(t, &CompiledMethod{}, f.body("seven"))
		assert.Same(t, f.body("seven"), stub.att.Resolved)
		st, _ := f.mgr.Status(f.class, "seven")
		assert.Equal(t, StatusCompiled, st)
	}
}

func TestConcurrentRedirectInstallsOnce(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	_, err := f.mgr.InstallLazyStub(f.class, "seven")
	require.NoError(t, err)
	stub := f.body("seven").(*Stub)
	other := vm.NewObject(f.v.DefineClass("Other", nil))

	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			got, err := stub.Invoke(f.v, other, nil, vm.Nil)
			if err != nil {
				return err
			}
			if got != vm.FromSmallInt(7) {
				return fmt.Errorf("got %v", got)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	stats := f.mgr.Stats()
	assert.Equal(t, int64(1), stats.Redirects)
	assert.Equal(t, int64(2), stats.Stubbed)

	single := vm.Unwrap(other).(*vm.Object).Singleton()
	body, _, ok := single.Methods().Lookup("seven")
	require.True(t, ok)
	assert.True(t, derivedFrom(body, stub.Original()), "singleton holds %T", body)
	assert.NotSame(t, stub.Original(), body)
}

func TestRedirectKeepsVisibility(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	_, err := f.mgr.InstallLazyStub(f.class, "helper")
	require.NoError(t, err)
	stub := f.body("helper").(*Stub)

	other := vm.NewObject(f.v.DefineClass("Other", nil))
	got, err := stub.Invoke(f.v, other, nil, vm.Nil)
	require.NoError(t, err)
	assert.Equal(t, vm.FromSmallInt(1), got)

	single := vm.Unwrap(other).(*vm.Object).Singleton()
	_, vis, ok := single.Methods().Lookup("helper")
	require.True(t, ok)
	assert.Equal(t, vm.Private, vis)
}

func TestObserversMayCallManager(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	var seen []Status
	f.mgr.Driver().Observe(func(ev Event) {
		if ev.Kind != EventStub && ev.Kind != EventSkip {
			return
		}
		st, _ := f.mgr.Status(f.class, ev.Name)
		seen = append(seen, st)
	})

	_, err := f.mgr.InstallLazyStub(f.class, "seven")
	require.NoError(t, err)
	_, err = f.mgr.InstallLazyStub(f.class, "x")
	require.NoError(t, err)
	assert.Equal(t, []Status{StatusStubbed, StatusSkipped}, seen)
}
