// Command agora hosts a simulation world: run drives demo agents
// against a fresh world, check audits recorded runs and checkpoints,
// inspect queries the latest checkpointed state.
package main

import (
	"fmt"
	"io"
	"os"
)

// Exit codes: 0 clean, 1 violation or runtime failure, 2 usage/config
// error.
const (
	exitOK        = 0
	exitViolation = 1
	exitConfig    = 2
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches a CLI invocation. Split from main for tests.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return exitConfig
	}
	switch args[1] {
	case "run":
		return runCmd(args[2:], stdout, stderr)
	case "check":
		return checkCmd(args[2:], stdout, stderr)
	case "inspect":
		return inspectCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return exitOK
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return exitConfig
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: agora <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  run      [--config FILE] [--duration SECONDS]   drive demo agents against a fresh world")
	fmt.Fprintln(w, "  check    [--config FILE] [--staged|--all] [--strict]  audit event logs and checkpoints")
	fmt.Fprintln(w, "  inspect  [--config FILE] [--query TYPE] [--params JSON]")
	fmt.Fprintln(w, "                                                  query the latest checkpointed state")
}
