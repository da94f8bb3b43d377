package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/tliron/commonlog"
	"github.com/urfave/cli"

	"github.com/chazu/tagjit/image"
	"github.com/chazu/tagjit/jit"
	"github.com/chazu/tagjit/journal"
	"github.com/chazu/tagjit/policy"
	"github.com/chazu/tagjit/vm"
)

var log = commonlog.GetLogger("tagjit.cmd")

// session is an installed image with a JIT attached.
type session struct {
	program *image.Program
	manager *jit.Manager
	journal *journal.Journal
}

func loadImage(c *cli.Context) (*image.Program, error) {
	path := c.Args().First()
	if path == "" {
		return nil, errors.New("missing IMAGE argument")
	}
	img, err := image.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return image.Install(vm.NewVM(), img)
}

func options() (jit.Options, error) {
	var pol *policy.Policy
	var err error
	if policyPath != "" {
		pol, err = policy.Load(policyPath)
	} else {
		pol, err = policy.FindAndLoad(".")
	}
	if err != nil {
		return jit.Options{}, err
	}

	opts := jit.DefaultOptions()
	if pol != nil {
		log.Infof("using policy %s", pol.Path)
		opts = pol.Options()
	}
	if optLevel >= 0 {
		if !jit.OptLevel(optLevel).Valid() {
			return opts, fmt.Errorf("optimization level %d out of range", optLevel)
		}
		opts.OptLevel = jit.OptLevel(optLevel)
	}
	if threshold > 0 {
		opts.Threshold = threshold
	}
	return opts, nil
}

func newSession(ctx context.Context, c *cli.Context) (*session, error) {
	p, err := loadImage(c)
	if err != nil {
		return nil, err
	}
	opts, err := options()
	if err != nil {
		return nil, err
	}

	s := &session{program: p, manager: jit.New(p.VM, opts)}
	if journalDB != "" {
		if s.journal, err = journal.Open(journalDB); err != nil {
			return nil, err
		}
		s.manager.Driver().Observe(s.journal.Observer(ctx))
	}

	for _, class := range p.Lazy {
		n, err := s.manager.EnableLazy(class)
		if err != nil {
			s.close()
			return nil, err
		}
		log.Debugf("stubbed %d members of %s", n, class.Name)
	}
	return s, nil
}

func (s *session) close() {
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			log.Errorf("closing journal: %s", err)
		}
	}
}

func format(v vm.Value) string {
	if str, ok := vm.StringValue(v); ok {
		return fmt.Sprintf("%q", str)
	}
	return v.String()
}
