// Command bldrd runs the bldr processes: routers, the session service, the
// HTTP gateway, and admin queries against a running cluster.
package main

import (
	"fmt"
	"io"
	"os"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

type command struct {
	name    string
	summary string
	run     func(args []string)
}

var commands = []command{
	{"router", "Start a routing broker", runRouter},
	{"sessionsrv", "Start the session service", runSessionSrv},
	{"gateway", "Start the HTTP gateway", runGateway},
	{"admin", "Query a running cluster (status, routers)", runAdmin},
	{"version", "Print version information", func([]string) { printVersion(os.Stdout) }},
}

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(1)
	}

	name := os.Args[1]
	switch name {
	case "-version", "--version":
		printVersion(os.Stdout)
		return
	case "help", "-h", "--help":
		printUsage(os.Stdout)
		return
	}
	for _, c := range commands {
		if c.name == name {
			c.run(os.Args[2:])
			return
		}
	}
	fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", name)
	printUsage(os.Stderr)
	os.Exit(1)
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "bldrd version %s (built %s, commit %s)\n", version, buildTime, gitCommit)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: bldrd <command> [options]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-11s %s\n", c.name, c.summary)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Run 'bldrd <command> --help' for more information on a command.")
}
