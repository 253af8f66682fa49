package main

import (
	"fmt"
	"io"
	"os"
)

const (
	exitOK      = 0
	exitFailed  = 1
	exitUsage   = 2
	confirmEnv  = "MERKLEDROP_CONFIRM"
	serviceName = "merkledrop"
)

type command struct {
	name    string
	summary string
	run     func(args []string, stdout, stderr io.Writer) int
}

var commands = []command{
	{"build", "build, validate and persist distributors for an epoch", runBuild},
	{"validate", "validate a distributor file and report every violation", runValidate},
	{"verify", "verify one address's proof against a distributor", runVerify},
	{"publish", "upload an existing distributor to IPFS", runPublish},
	{"export", "export a distributor as CSV or JSONL", runExport},
	{"show", "show the cumulative claims of an address", runShow},
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		usage(stderr)
		return exitUsage
	}
	for _, cmd := range commands {
		if cmd.name == args[0] {
			return cmd.run(args[1:], stdout, stderr)
		}
	}
	if args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		usage(stdout)
		return exitOK
	}
	fmt.Fprintf(stderr, "unknown command %q\n", args[0])
	usage(stderr)
	return exitUsage
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: merkledrop <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	for _, cmd := range commands {
		fmt.Fprintf(w, "  %-9s %s\n", cmd.name, cmd.summary)
	}
}
