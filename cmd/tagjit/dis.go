package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/urfave/cli"

	"github.com/chazu/tagjit/image"
	"github.com/chazu/tagjit/jit"
)

var (
	headerColor = color.New(color.FgGreen, color.Bold)
	offsetColor = color.New(color.FgYellow)
	catchColor  = color.New(color.FgRed)
	nestedColor = color.New(color.Faint)
)

func disCommand(c *cli.Context) error {
	p, err := loadImage(c)
	if err != nil {
		return err
	}
	for i, class := range p.Classes {
		decl := p.Image.Classes[i]
		if err := disassembleAll(p, class.Name, "", decl.Methods); err != nil {
			return err
		}
		if err := disassembleAll(p, class.Name, "self.", decl.ClassMethods); err != nil {
			return err
		}
	}
	return nil
}

func disassembleAll(p *image.Program, class, prefix string, methods []image.Method) error {
	for _, m := range methods {
		seq, _, err := p.Method(class, prefix+m.Name)
		if err != nil {
			return err
		}
		fmt.Print(headerColor.Sprintf("%s>>%s%s", class, prefix, m.Name), "\n")
		for _, line := range strings.Split(strings.TrimRight(seq.Disassemble(), "\n"), "\n") {
			fmt.Println(colorize(line))
		}
		fmt.Println()
	}
	return nil
}

func colorize(line string) string {
	switch {
	case strings.HasPrefix(line, "=="):
		return headerColor.Sprint(line)
	case strings.HasPrefix(line, "catch "):
		return catchColor.Sprint(line)
	case strings.HasPrefix(line, "  |"):
		return nestedColor.Sprint(line)
	case len(line) > 4 && line[4] == ' ':
		return offsetColor.Sprint(line[:4]) + line[4:]
	}
	return line
}

func dumpCommand(c *cli.Context) error {
	if c.NArg() != 3 {
		return fmt.Errorf("usage: %s dump IMAGE CLASS METHOD", c.App.Name)
	}
	p, err := loadImage(c)
	if err != nil {
		return err
	}
	seq, class, err := p.Method(c.Args().Get(1), c.Args().Get(2))
	if err != nil {
		return err
	}
	level := jit.OptLevel(c.Int("O"))
	if !level.Valid() {
		return fmt.Errorf("optimization level %d out of range", level)
	}

	entry, err := jit.Translate(seq, jit.Scope{Class: class, Name: seq.Name}, level)
	if err != nil {
		return err
	}
	src, err := entry.RenderGo(c.String("package"))
	if err != nil {
		return err
	}
	fmt.Print(src)
	fmt.Printf("// %s: %d ops, %d labels, %d frames at %s\n", entry.Name(), entry.Ops(), entry.Labels(), entry.Frames(), level)
	return nil
}
