package image

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/chazu/tagjit/jit"
	"github.com/chazu/tagjit/vm"
)

// ErrNoEntry is returned when running an image whose entry is missing.
var ErrNoEntry = errors.New("image has no entry point")

// Program is an image installed into a VM.
type Program struct {
	VM      *vm.VM
	Image   *Image
	Classes []*vm.Class // in image order
	Lazy    []*vm.Class // classes that opted into lazy compilation
}

// Install defines every class and method of img in v. Classes may only
// name superclasses that already exist or appear earlier in the image.
func Install(v *vm.VM, img *Image) (*Program, error) {
	p := &Program{VM: v, Image: img}

	for _, c := range img.Classes {
		if c.Name == "" {
			return nil, fmt.Errorf("image %s: class without a name", img.Name)
		}
		class, ok := v.LookupClass(c.Name)
		if !ok {
			super := v.ObjectClass
			if c.Super != "" {
				if super, ok = v.LookupClass(c.Super); !ok {
					return nil, fmt.Errorf("class %s: unknown superclass %s", c.Name, c.Super)
				}
			}
			class = v.DefineClass(c.Name, super)
		}
		p.Classes = append(p.Classes, class)
		if c.Lazy {
			p.Lazy = append(p.Lazy, class)
		}
	}

	// Methods go in after every class exists so @Name literals resolve.
	for i, c := range img.Classes {
		class := p.Classes[i]
		if err := p.define(class, c.Methods); err != nil {
			return nil, err
		}
		if err := p.define(class.Singleton(), c.ClassMethods); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Program) define(class *vm.Class, methods []Method) error {
	for _, m := range methods {
		vis, err := vm.ParseVisibility(m.Visibility)
		if err != nil {
			return fmt.Errorf("%s#%s: %w", class.Name, m.Name, err)
		}
		seq, err := p.Assemble(m)
		if err != nil {
			return fmt.Errorf("%s#%s: %w", class.Name, m.Name, err)
		}
		p.VM.Reflection().DefineISeq(class, seq, vis)
	}
	return nil
}

// Assemble builds the instruction sequence for m, including handler
// bodies.
func (p *Program) Assemble(m Method) (*vm.ISeq, error) {
	temps := m.Temps
	if temps < m.Arity {
		temps = m.Arity
	}
	b := vm.NewISeqBuilder(m.Name, m.Arity, temps)
	labels, err := vm.Assemble(b, m.Asm, p.resolve)
	if err != nil {
		return nil, err
	}

	for i, c := range m.Catch {
		kind, err := vm.ParseCatchKind(c.Kind)
		if err != nil {
			return nil, fmt.Errorf("catch %d: %w", i, err)
		}
		e := vm.CatchEntry{Kind: kind, SP: c.SP}
		for _, f := range []struct {
			label string
			dst   *int
		}{{c.Start, &e.Start}, {c.End, &e.End}, {c.Cont, &e.Cont}} {
			off, ok := labels[f.label]
			if !ok {
				return nil, fmt.Errorf("catch %d: unknown label %q", i, f.label)
			}
			*f.dst = off
		}
		if c.Handler != nil {
			h := *c.Handler
			if h.Name == "" {
				h.Name = fmt.Sprintf("%s/%s%d", m.Name, kind, i)
			}
			if h.Arity == 0 {
				h.Arity = 1
			}
			if e.Handler, err = p.Assemble(h); err != nil {
				return nil, fmt.Errorf("catch %d handler: %w", i, err)
			}
		}
		b.Catch(e)
	}
	return b.Build(), nil
}

// resolve turns @Name literals into class values.
func (p *Program) resolve(name string) (vm.Value, error) {
	if c, ok := p.VM.LookupClass(name); ok {
		return c.Value(), nil
	}
	return vm.Nil, fmt.Errorf("unknown class %s", name)
}

// Receiver returns the entry point's receiver.
func (p *Program) Receiver() (vm.Value, error) {
	e := p.Image.Entry
	if e.Class == "" || e.Method == "" {
		return vm.Nil, ErrNoEntry
	}
	class, ok := p.VM.LookupClass(e.Class)
	if !ok {
		return vm.Nil, fmt.Errorf("entry: unknown class %s", e.Class)
	}
	if e.ClassSide {
		return class.Value(), nil
	}
	return vm.NewObject(class), nil
}

// Args converts the entry point's arguments to values.
func (p *Program) Args() ([]vm.Value, error) {
	out := make([]vm.Value, len(p.Image.Entry.Args))
	for i, a := range p.Image.Entry.Args {
		v, err := value(a)
		if err != nil {
			return nil, fmt.Errorf("entry argument %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// Run sends the entry message to recv.
func (p *Program) Run(recv vm.Value) (vm.Value, error) {
	args, err := p.Args()
	if err != nil {
		return vm.Nil, err
	}
	return p.VM.Send(recv, p.Image.Entry.Method, args, vm.Nil)
}

// Method returns the source sequence of class#name, looking at the class
// side when name starts with "self.". Stubs and compiled bodies resolve to
// the sequence they were built from.
func (p *Program) Method(class, name string) (*vm.ISeq, *vm.Class, error) {
	c, ok := p.VM.LookupClass(class)
	if !ok {
		return nil, nil, fmt.Errorf("unknown class %s", class)
	}
	if rest, ok := strings.CutPrefix(name, "self."); ok {
		c, name = c.Singleton(), rest
	}
	m, _, ok := c.Methods().Lookup(name)
	if !ok {
		return nil, nil, fmt.Errorf("%s has no member %s", c.Name, name)
	}
	switch b := m.(type) {
	case *jit.Stub:
		m = b.Original()
	case *jit.CompiledMethod:
		m = b.Original
	}
	im, ok := m.(*vm.ISeqMethod)
	if !ok {
		return nil, nil, fmt.Errorf("%s#%s is %T, not an instruction sequence", c.Name, name, m)
	}
	return im.Seq, c, nil
}

func value(a any) (vm.Value, error) {
	switch x := a.(type) {
	case nil:
		return vm.Nil, nil
	case bool:
		return vm.FromBool(x), nil
	case int:
		return smallInt(int64(x))
	case int64:
		return smallInt(x)
	case uint64:
		if x > math.MaxInt64 {
			return vm.Nil, fmt.Errorf("integer %d out of range", x)
		}
		return smallInt(int64(x))
	case float64:
		return vm.FromFloat64(x), nil
	case string:
		if sym, ok := strings.CutPrefix(x, ":"); ok && sym != "" {
			return vm.Intern(sym), nil
		}
		return vm.NewString(x), nil
	}
	return vm.Nil, fmt.Errorf("unsupported argument %v (%T)", a, a)
}

func smallInt(n int64) (vm.Value, error) {
	v, ok := vm.TryFromSmallInt(n)
	if !ok {
		return vm.Nil, fmt.Errorf("integer %d out of range", n)
	}
	return v, nil
}
