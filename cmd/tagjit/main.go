// Command tagjit runs program images with lazy method compilation.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
	"github.com/urfave/cli"
)

var (
	verbosity  int
	noColor    bool
	policyPath string
	journalDB  string
	optLevel   = -1
	threshold  int
)

func main() {
	app := cli.NewApp()
	app.Name = "tagjit"
	app.Usage = "run program images with a lazy method JIT"

	app.Flags = []cli.Flag{
		cli.IntFlag{
			Name:        "verbose, v",
			Usage:       "log verbosity (0 quiet, 1 info, 2 debug)",
			Destination: &verbosity,
		},
		cli.BoolFlag{
			Name:        "no-color",
			Usage:       "never color output",
			Destination: &noColor,
		},
	}

	compileFlags := []cli.Flag{
		cli.StringFlag{
			Name:        "policy",
			Usage:       "policy file (default: nearest tagjit.toml or tagjit.yaml)",
			Destination: &policyPath,
		},
		cli.StringFlag{
			Name:        "journal",
			Usage:       "record compile events in this SQLite database",
			Destination: &journalDB,
		},
		cli.IntFlag{
			Name:        "O",
			Usage:       "optimization level 0-2, overriding the policy (-1 keeps it)",
			Value:       -1,
			Destination: &optLevel,
		},
		cli.IntFlag{
			Name:        "threshold",
			Usage:       "compile on the Nth call, overriding the policy (0 keeps it)",
			Destination: &threshold,
		},
	}

	app.Commands = []cli.Command{
		{
			Name:      "run",
			Aliases:   []string{"r"},
			Usage:     "Install an image, enable lazy compilation and call its entry",
			ArgsUsage: "IMAGE",
			Flags:     compileFlags,
			Action:    runCommand,
		},
		{
			Name:      "stress",
			Usage:     "Call an image's entry from many goroutines at once",
			ArgsUsage: "IMAGE",
			Flags: append([]cli.Flag{
				cli.IntFlag{Name: "n", Usage: "concurrent callers", Value: 32},
			}, compileFlags...),
			Action: stressCommand,
		},
		{
			Name:      "dis",
			Usage:     "Disassemble every method of an image",
			ArgsUsage: "IMAGE",
			Action:    disCommand,
		},
		{
			Name:      "dump",
			Usage:     "Print the compiled form of one method as Go source",
			ArgsUsage: "IMAGE CLASS METHOD",
			Flags: []cli.Flag{
				cli.IntFlag{Name: "O", Usage: "optimization level 0-2", Value: 1},
				cli.StringFlag{Name: "package", Usage: "package clause of the output", Value: "compiled"},
			},
			Action: dumpCommand,
		},
	}

	app.Before = func(c *cli.Context) error {
		commonlog.Configure(verbosity, nil)
		if noColor || !(isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())) {
			color.NoColor = true
		}
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}
