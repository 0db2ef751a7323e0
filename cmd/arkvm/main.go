// Command arkvm runs and disassembles Ark bytecode files.
package main

import (
	"fmt"
	"os"

	cli "gopkg.in/urfave/cli.v1"

	"github.com/kristofer/arkvm/pkg/ark"
	"github.com/kristofer/arkvm/pkg/debug"
	"github.com/kristofer/arkvm/pkg/natives"
	"github.com/kristofer/arkvm/pkg/value"
	"github.com/kristofer/arkvm/pkg/vm"
)

const version = "0.1.0"

func main() {
	app := cli.NewApp()
	app.Name = "arkvm"
	app.Usage = "run and inspect Ark bytecode files"
	app.Version = version

	app.Commands = []cli.Command{
		{
			Name:      "run",
			Usage:     "run an Ark file",
			ArgsUsage: "<file.ark>",
			Flags: []cli.Flag{
				cli.BoolFlag{Name: "print-ret", Usage: "print the returned value's string rendering"},
				cli.BoolFlag{Name: "debug", Usage: "install the interactive debugger"},
			},
			Action: runCommand,
		},
		{
			Name:      "disassemble",
			Aliases:   []string{"disasm"},
			Usage:     "disassemble an Ark file's code section",
			ArgsUsage: "<file.ark>",
			Action:    disassembleCommand,
		},
	}

	app.Action = func(c *cli.Context) error {
		if c.NArg() == 0 {
			return cli.ShowAppHelp(c)
		}
		return runCommand(c)
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadArk(path string) (*ark.Ark, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	a, err := ark.Load(data)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return a, nil
}

func runCommand(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return cli.NewExitError("no Ark file specified", 1)
	}

	a, err := loadArk(path)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}

	config := vm.Config{
		StackCapacity:     1 << 16,
		CallStackCapacity: 1 << 12,
		HeapCapacity:      1 << 20,
		Input:             vm.NewLineInput(os.Stdin),
		Output:            os.Stdout,
	}

	if c.Bool("debug") {
		dbg := debug.New(os.Stdout)
		dbg.Enable()
		config.Debugger = dbg
	}

	machine := vm.New(a, natives.Registry(), config)

	result, exc := machine.CallRun(value.Closure{Function: a.Main}, nil)
	if exc != nil {
		fmt.Fprintln(os.Stderr, exc.Error())
		return cli.NewExitError("", 1)
	}

	if c.Bool("print-ret") {
		s, exc := machine.ToString(result)
		if exc != nil {
			fmt.Fprintln(os.Stderr, exc.Error())
			return cli.NewExitError("", 1)
		}
		fmt.Println(s)
	}

	return nil
}

func disassembleCommand(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return cli.NewExitError("no Ark file specified", 1)
	}

	a, err := loadArk(path)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}

	fmt.Println(Disassemble(a))
	return nil
}
