package main

import (
	"fmt"
	"os"

	"github.com/sheerbytes/shareio/internal/cli/history"
	"github.com/sheerbytes/shareio/internal/cli/receiver"
	"github.com/sheerbytes/shareio/internal/cli/sender"
	"github.com/sheerbytes/shareio/internal/termio"
)

const version = "v0.1.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	termio.Init()
	defer termio.Flush()

	if len(args) == 0 {
		printUsage()
		return 2
	}
	if hasVersionFlag(args[:1]) {
		fmt.Fprintf(termio.Stdout(), "shareio %s\n", version)
		return 0
	}

	cmdName := args[0]
	switch cmdName {
	case "host", "receive":
		return receiver.Run(args[1:])
	case "send":
		return sender.Run(args[1:])
	case "history":
		return history.Run(args[1:])
	case "version":
		fmt.Fprintf(termio.Stdout(), "shareio %s\n", version)
		return 0
	default:
		if hasHelpFlag(args) || cmdName == "help" {
			printUsage()
			return 0
		}
		fmt.Fprintf(termio.Stderr(), "unknown command: %s\n", cmdName)
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Fprintln(termio.Stderr(), "usage: shareio <command> [args]")
	fmt.Fprintln(termio.Stderr(), "commands:")
	fmt.Fprintln(termio.Stderr(), "  host     receive files into a folder")
	fmt.Fprintln(termio.Stderr(), "  send     push files to a host")
	fmt.Fprintln(termio.Stderr(), "  history  list finished transfers")
	fmt.Fprintln(termio.Stderr(), "quick examples:")
	fmt.Fprintln(termio.Stderr(), "  shareio host -folder ./inbox -password s3cret")
	fmt.Fprintln(termio.Stderr(), "  shareio send -host http://10.0.0.5:5523/ -password s3cret a.txt b.txt")
	fmt.Fprintln(termio.Stderr(), "  shareio send -discover report.pdf")
	fmt.Fprintln(termio.Stderr(), "to learn detailed usage:")
	fmt.Fprintln(termio.Stderr(), "  shareio host --help")
	fmt.Fprintln(termio.Stderr(), "  shareio send --help")
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}
