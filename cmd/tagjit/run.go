package main

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/fatih/color"
	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/tagjit/jit"
	"github.com/chazu/tagjit/vm"
)

func runCommand(c *cli.Context) error {
	ctx := context.Background()
	s, err := newSession(ctx, c)
	if err != nil {
		return err
	}
	defer s.close()

	recv, err := s.program.Receiver()
	if err != nil {
		return err
	}
	result, err := s.program.Run(recv)
	if err != nil {
		return err
	}
	fmt.Println(format(result))
	printStats(s.manager.Stats())
	return nil
}

func stressCommand(c *cli.Context) error {
	ctx := context.Background()
	s, err := newSession(ctx, c)
	if err != nil {
		return err
	}
	defer s.close()

	var starts atomic.Int64
	s.manager.Driver().Observe(func(ev jit.Event) {
		if ev.Kind == jit.EventStart {
			starts.Add(1)
		}
	})

	recv, err := s.program.Receiver()
	if err != nil {
		return err
	}
	n := c.Int("n")
	if n < 1 {
		return fmt.Errorf("-n must be positive, got %d", n)
	}
	results := make([]vm.Value, n)
	g, _ := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			v, err := s.program.Run(recv)
			results[i] = v
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	differ := 0
	for _, v := range results[1:] {
		if !vm.Equal(v, results[0]) {
			differ++
		}
	}
	fmt.Printf("%d callers, result %s", n, format(results[0]))
	if differ > 0 {
		fmt.Print(color.RedString(" (%d differing results)", differ))
	}
	fmt.Println()
	fmt.Printf("compiles started: %d\n", starts.Load())
	printStats(s.manager.Stats())
	return nil
}

func printStats(st jit.Stats) {
	label := color.New(color.FgCyan).SprintFunc()
	fmt.Printf("%s stubbed=%d compiled=%d reverted=%d skipped=%d\n",
		label("jit:"), st.Stubbed, st.Compiled, st.Reverted, st.Skipped)
	fmt.Printf("%s fallbacks=%d deferred=%d redirects=%d\n",
		label("calls:"), st.Fallbacks, st.Deferred, st.Redirects)
}
