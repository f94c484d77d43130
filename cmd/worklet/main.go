package main

import (
	"flag"
	"fmt"
	"os"
)

type cli struct {
	args []string
}

type command interface {
	Name() string
	Help() string
	Run() error
	Register(*flag.FlagSet)
}

func (c *cli) run() int {
	cmdName, args := parseArgs(c.args)
	if cmdName == "" {
		printUsage()
		return errorExitCode
	}

	for _, cmd := range commands {
		if cmd.Name() != cmdName {
			continue
		}
		flags := flag.NewFlagSet(cmdName, flag.ContinueOnError)
		cmd.Register(flags)
		if err := flags.Parse(args); err != nil {
			return errorExitCode
		}
		if err := cmd.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Command failed: %v\n", err)
			return errorExitCode
		}
		return successExitCode
	}

	printUsage()
	return errorExitCode
}

var (
	successExitCode = 0
	errorExitCode   = 1
	commands        = []command{&renderCommand{}, &playCommand{}}
)

func main() {
	c := cli{
		args: os.Args,
	}
	os.Exit(c.run())
}

func parseArgs(args []string) (string, []string) {
	if len(args) < 2 {
		return "", nil
	}
	return args[1], args[2:]
}

func printUsage() {
	fmt.Println("Worklet renders a patch of processing nodes")
	fmt.Println()
	fmt.Println("Usage: worklet <command>")
	fmt.Println()
	fmt.Println("Commands:")
	for _, cmd := range commands {
		fmt.Printf("\t%s\t%s\n", cmd.Name(), cmd.Help())
	}
}
