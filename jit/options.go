package jit

import (
	"fmt"

	"github.com/chazu/tagjit/vm"
)

// OptLevel selects how aggressively the translator works.
type OptLevel int

const (
	// OptEager materializes every operand stack value as soon as it is pushed.
	OptEager OptLevel = 0
	// OptLazy keeps constants symbolic until a merge point needs them.
	OptLazy OptLevel = 1
	// OptFold additionally folds small-integer arithmetic and comparisons
	// on constant operands.
	OptFold OptLevel = 2

	DefaultOptLevel = OptLazy
)

func (l OptLevel) String() string {
	switch l {
	case OptEager:
		return "eager"
	case OptLazy:
		return "lazy"
	case OptFold:
		return "fold"
	}
	return fmt.Sprintf("opt(%d)", int(l))
}

// Valid reports whether l is a known level.
func (l OptLevel) Valid() bool {
	return l >= OptEager && l <= OptFold
}

// Policy decides which members may be compiled and how.
type Policy interface {
	ExcludesClass(class *vm.Class) bool
	ExcludesMethod(class *vm.Class, name string) bool
	// OptLevel returns a per-class override, if one is declared.
	OptLevel(class *vm.Class) (OptLevel, bool)
}

// AllowAll compiles everything at the default level.
type AllowAll struct{}

func (AllowAll) ExcludesClass(*vm.Class) bool          { return false }
func (AllowAll) ExcludesMethod(*vm.Class, string) bool { return false }
func (AllowAll) OptLevel(*vm.Class) (OptLevel, bool)   { return 0, false }

// Options configure a Driver and a Manager.
type Options struct {
	// Policy gates compilation. Nil means AllowAll.
	Policy Policy
	// OptLevel is used when the policy declares no override.
	OptLevel OptLevel
	// Threshold is the call count on which a stub compiles. Values below
	// one mean the first call.
	Threshold int
}

// DefaultOptions compiles everything lazily on first call.
func DefaultOptions() Options {
	return Options{Policy: AllowAll{}, OptLevel: DefaultOptLevel, Threshold: 1}
}

func (o Options) policy() Policy {
	if o.Policy == nil {
		return AllowAll{}
	}
	return o.Policy
}

func (o Options) threshold() int64 {
	if o.Threshold < 1 {
		return 1
	}
	return int64(o.Threshold)
}

// Scope is the lexical context a compilation runs in.
type Scope struct {
	Class *vm.Class
	Name  string
}

func (s Scope) String() string {
	if s.Class == nil {
		return s.Name
	}
	return s.Class.Name + "#" + s.Name
}
