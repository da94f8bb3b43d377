package jit

import (
	"errors"
	"fmt"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/tagjit/vm"
)

// Attempt is the ownership record of one compilation: the body that was
// installed before the stub, the stub itself and the body that finally
// replaced the stub.
type Attempt struct {
	ID       uuid.UUID
	Class    *vm.Class
	Name     string
	Original vm.Method
	Stub     vm.Method
	Resolved vm.Method

	OptLevel OptLevel
	Err      error
	Offset   int
	Duration time.Duration
}

// NewAttempt starts a record for the member currently bound to original.
func NewAttempt(class *vm.Class, name string, original vm.Method) *Attempt {
	return &Attempt{ID: uuid.New(), Class: class, Name: name, Original: original, Offset: -1}
}

// Callbacks connect a driver to whoever owns the method table entry.
// Success receives the compiled body and reports whether it was installed.
type Callbacks struct {
	Success func(att *Attempt, m *CompiledMethod) bool
	Failure func(att *Attempt)
}

// Driver runs single compilation attempts.
type Driver struct {
	opts Options
	log  commonlog.Logger

	mu        sync.RWMutex
	observers []Observer
}

// NewDriver returns a driver using opts.
func NewDriver(opts Options) *Driver {
	return &Driver{opts: opts, log: commonlog.GetLogger("tagjit.driver")}
}

// Options returns the driver's options.
func (d *Driver) Options() Options {
	return d.opts
}

// Observe registers o for every event the driver emits.
func (d *Driver) Observe(o Observer) {
	d.mu.Lock()
	d.observers = append(d.observers, o)
	d.mu.Unlock()
}

func (d *Driver) emit(att *Attempt, kind EventKind, reason string) {
	ev := Event{
		Attempt:  att.ID,
		Kind:     kind,
		Name:     att.Name,
		OptLevel: att.OptLevel,
		Reason:   reason,
		Err:      att.Err,
		Offset:   att.Offset,
		Duration: att.Duration,
		At:       time.Now(),
	}
	if att.Class != nil {
		ev.Class = att.Class.Name
	}
	d.mu.RLock()
	obs := append([]Observer(nil), d.observers...)
	d.mu.RUnlock()
	for _, o := range obs {
		o(ev)
	}
}

// OptLevelFor returns the level class compiles at.
func (d *Driver) OptLevelFor(class *vm.Class) OptLevel {
	if l, ok := d.opts.policy().OptLevel(class); ok && l.Valid() {
		return l
	}
	return d.opts.OptLevel
}

// Compile translates att.Original and hands the outcome to cb. It reports
// whether the compiled body was installed. Translation errors and panics
// never reach the caller; they are logged and resolved through
// cb.Failure.
func (d *Driver) Compile(att *Attempt, cb Callbacks) bool {
	pol := d.opts.policy()
	if pol.ExcludesClass(att.Class) || pol.ExcludesMethod(att.Class, att.Name) {
		d.log.Infof("skipping %s#%s: excluded by policy", att.Class.Name, att.Name)
		d.emit(att, EventSkip, "excluded by policy")
		cb.Failure(att)
		return false
	}

	att.OptLevel = d.OptLevelFor(att.Class)
	d.log.Infof("compiling %s#%s at %s", att.Class.Name, att.Name, att.OptLevel)
	d.emit(att, EventStart, "")

	start := time.Now()
	compiled, err := d.translate(att)
	att.Duration = time.Since(start)

	if err != nil {
		att.Err = err
		var ce *CompileError
		if errors.As(err, &ce) {
			att.Offset = ce.Offset
		}
		d.log.Errorf("compile %s#%s failed: %T: %s (at %04d)", att.Class.Name, att.Name, cause(err), err, att.Offset)
		d.emit(att, EventFailure, "")
		cb.Failure(att)
		return false
	}

	if !cb.Success(att, compiled) {
		att.Err = ErrSuperseded
		d.log.Warningf("compiled %s#%s was not installed: %s", att.Class.Name, att.Name, ErrSuperseded)
		d.emit(att, EventFailure, "superseded")
		return false
	}
	d.emit(att, EventSuccess, "")
	return true
}

func (d *Driver) translate(att *Attempt) (m *CompiledMethod, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &CompileError{Scope: Scope{Class: att.Class, Name: att.Name}, Offset: -1, Err: &PanicError{Value: r, Frame: panicFrame()}}
		}
	}()
	im, ok := att.Original.(*vm.ISeqMethod)
	if !ok {
		return nil, &CompileError{Scope: Scope{Class: att.Class, Name: att.Name}, Offset: -1,
			Err: fmt.Errorf("%w: %T", ErrNotCompilable, att.Original)}
	}
	entry, err := Translate(im.Seq, Scope{Class: att.Class, Name: att.Name}, att.OptLevel)
	if err != nil {
		return nil, err
	}
	return &CompiledMethod{Seq: im.Seq, Entry: entry, Original: att.Original, OptLevel: att.OptLevel}, nil
}

// panicFrame describes the function that panicked. It must be called
// from the deferred function that recovered.
func panicFrame() string {
	pcs := make([]uintptr, 32)
	n := goruntime.Callers(2, pcs)
	frames := goruntime.CallersFrames(pcs[:n])
	for {
		f, more := frames.Next()
		own := strings.HasSuffix(f.Function, ".panicFrame") || strings.Contains(f.Function, "(*Driver).translate.")
		if f.Function != "" && !own && !strings.HasPrefix(f.Function, "runtime.") {
			return fmt.Sprintf("%s (%s:%d)", f.Function, filepath.Base(f.File), f.Line)
		}
		if !more {
			return ""
		}
	}
}

// cause returns the innermost wrapped error.
func cause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}
