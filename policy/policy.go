// Package policy loads tagjit.toml (or tagjit.yaml) compile policies.
package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/chazu/tagjit/jit"
	"github.com/chazu/tagjit/vm"
)

// FileNames are searched, in order, in each directory.
var FileNames = []string{"tagjit.toml", "tagjit.yaml", "tagjit.yml"}

// Policy is a compile policy read from a config file.
type Policy struct {
	Compile Compile          `toml:"compile" yaml:"compile"`
	Exclude Exclude          `toml:"exclude" yaml:"exclude"`
	Classes map[string]Class `toml:"classes" yaml:"classes"`

	// Path is the file the policy was loaded from (set at load time).
	Path string `toml:"-" yaml:"-"`

	classes map[string]bool
	methods map[string]bool
}

// Compile holds the global settings.
type Compile struct {
	OptLevel  *int `toml:"opt-level" yaml:"opt-level"`
	Threshold int  `toml:"threshold" yaml:"threshold"`
}

// Exclude lists classes and members that are never compiled. A member is
// written "Class#name", or "name" to match it on every class.
type Exclude struct {
	Classes []string `toml:"classes" yaml:"classes"`
	Methods []string `toml:"methods" yaml:"methods"`
}

// Class holds per-class overrides.
type Class struct {
	OptLevel *int `toml:"opt-level" yaml:"opt-level"`
	Exclude  bool `toml:"exclude" yaml:"exclude"`
}

// Load parses the policy file at path. The format follows the extension.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var p Policy
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &p)
	default:
		err = toml.Unmarshal(data, &p)
	}
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if p.Path, err = filepath.Abs(path); err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	if err := p.init(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &p, nil
}

// FindAndLoad walks up from startDir to find a policy file and loads it.
// Returns nil if there is none.
func FindAndLoad(startDir string) (*Policy, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		for _, name := range FileNames {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return Load(path)
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

func (p *Policy) init() error {
	if p.Compile.OptLevel != nil && !jit.OptLevel(*p.Compile.OptLevel).Valid() {
		return fmt.Errorf("compile.opt-level %d out of range", *p.Compile.OptLevel)
	}
	if p.Compile.Threshold < 0 {
		return fmt.Errorf("compile.threshold %d is negative", p.Compile.Threshold)
	}
	p.classes = make(map[string]bool)
	p.methods = make(map[string]bool)
	for _, c := range p.Exclude.Classes {
		p.classes[c] = true
	}
	for _, m := range p.Exclude.Methods {
		if m == "" || strings.HasSuffix(m, "#") {
			return fmt.Errorf("bad member pattern %q", m)
		}
		p.methods[m] = true
	}
	for name, c := range p.Classes {
		if c.OptLevel != nil && !jit.OptLevel(*c.OptLevel).Valid() {
			return fmt.Errorf("classes.%s.opt-level %d out of range", name, *c.OptLevel)
		}
		if c.Exclude {
			p.classes[name] = true
		}
	}
	return nil
}

// ExcludesClass implements jit.Policy.
func (p *Policy) ExcludesClass(class *vm.Class) bool {
	return p.classes[class.Name]
}

// ExcludesMethod implements jit.Policy.
func (p *Policy) ExcludesMethod(class *vm.Class, name string) bool {
	return p.methods[name] || p.methods[class.Name+"#"+name]
}

// OptLevel implements jit.Policy.
func (p *Policy) OptLevel(class *vm.Class) (jit.OptLevel, bool) {
	if c, ok := p.Classes[class.Name]; ok && c.OptLevel != nil {
		return jit.OptLevel(*c.OptLevel), true
	}
	return 0, false
}

// Options returns jit options driven by p.
func (p *Policy) Options() jit.Options {
	opts := jit.DefaultOptions()
	opts.Policy = p
	if p.Compile.OptLevel != nil {
		opts.OptLevel = jit.OptLevel(*p.Compile.OptLevel)
	}
	if p.Compile.Threshold > 0 {
		opts.Threshold = p.Compile.Threshold
	}
	return opts
}
