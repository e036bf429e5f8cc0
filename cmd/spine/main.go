package main

import (
	"fmt"
	"io"
	"os"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// serveCmd and mcpCmd are variables so tests can dispatch without binding
// a port or stdio.
var (
	serveCmd = runServe
	mcpCmd   = runMCP
)

// Run is the testable entrypoint.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return serveCmd(nil, stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return serveCmd(args[2:], stdout, stderr)
	case "mcp":
		return mcpCmd(args[2:], stdout, stderr)
	case "validate":
		return runValidate(args[2:], stdout, stderr)
	case "scopes":
		return runScopes(args[2:], stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "spine %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return serveCmd(args[1:], stdout, stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "\nspine %s\n", version)
	fmt.Fprintln(w, "Proposal validation and canon gate for the narrative engine.")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  spine <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	printCommand(w, "serve", "Run the HTTP API (default)")
	printCommand(w, "mcp", "Serve the MCP tools and resources over stdio")
	printCommand(w, "validate", "Validate a proposal file offline (-f, -remote)")
	printCommand(w, "scopes", "Show scope tables or a caller's effective scopes (-role, -model)")
	printCommand(w, "version", "Print the build version")
	printCommand(w, "help", "Show this message")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Configuration is read from the environment; see SERVICE_ENV, MCP_SPINE_PORT,")
	fmt.Fprintln(w, "SPINE_STORE, NAOS_WEB_API_BASE and MCP_RATE_LIMIT_PER_MINUTE.")
	fmt.Fprintln(w, "")
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %-10s %s\n", name, desc)
}
