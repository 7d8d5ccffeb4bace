package main

import (
	"fmt"
	"os"
	"path/filepath"
)

// Version is set via -ldflags at build time.
var Version = "dev"

// isTerminal returns true if stdin is a terminal (not piped).
func isTerminal() bool {
	stat, _ := os.Stdin.Stat()
	return (stat.Mode() & os.ModeCharDevice) != 0
}

// printBanner displays a friendly banner when run interactively without args.
func printBanner() {
	fmt.Println(`
        _           _
    ___| |__   __ _| |_ _ __ ___| | __ _ _   _
   / __| '_ \ / _' | __| '__/ _ \ |/ _' | | | |
  | (__| | | | (_| | |_| | |  __/ | (_| | |_| |
   \___|_| |_|\__,_|\__|_|  \___|_|\__,_|\__, |
                                         |___/
  Rate-limited chat relay

  Usage: chatrelay <command> [options]
         chatrelay --help

  MCP server mode requires piped input.`)
}

// resolveArgs maps a bare invocation with piped stdin to the mcp command, so
// MCP clients can launch the binary without arguments.
func resolveArgs(args []string, terminal bool) []string {
	if len(args) < 2 && !terminal {
		return append(args[:len(args):len(args)], "mcp")
	}
	return args
}

// defaultBaseDir returns ~/.chatrelay, or "" if the home directory is unknown.
func defaultBaseDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".chatrelay")
}

func main() {
	terminal := isTerminal()

	// No args + interactive terminal → show banner and exit
	if len(os.Args) < 2 && terminal {
		printBanner()
		return
	}

	app := newCLIApp(defaultBaseDir())
	if err := app.Run(resolveArgs(os.Args, terminal)); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
