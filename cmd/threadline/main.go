// Command threadline runs chat threads against a tool-calling backend, from
// the terminal or as an HTTP API.
package main

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
)

// Version information, set via ldflags during build.
var (
	version   = "0.1.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var (
	configPath string

	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
	stdin  io.Reader = os.Stdin
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	args, err := parseGlobalFlags(args)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	if len(args) == 0 {
		printHelp()
		return exitOK
	}
	return dispatchSubcommand(args)
}

// parseGlobalFlags consumes flags that precede the command.
func parseGlobalFlags(args []string) ([]string, error) {
	configPath = ""
	for len(args) > 0 {
		arg := args[0]
		switch {
		case arg == "--config" || arg == "-c":
			if len(args) < 2 {
				return nil, fmt.Errorf("%s requires a path", arg)
			}
			configPath = args[1]
			args = args[2:]
		case strings.HasPrefix(arg, "--config="):
			configPath = strings.TrimPrefix(arg, "--config=")
			args = args[1:]
		default:
			return args, nil
		}
	}
	return args, nil
}

func dispatchSubcommand(args []string) int {
	switch args[0] {
	case "--version", "-v", "version":
		printVersion()
		return exitOK
	case "--help", "-h", "help":
		printHelp()
		return exitOK
	case "serve":
		return runCommand(runServeCommand, args[1:])
	case "ask":
		return runCommand(runAskCommand, args[1:])
	case "history":
		return runCommand(runHistoryCommand, args[1:])
	case "export":
		return runCommand(runExportCommand, args[1:])
	default:
		if strings.HasPrefix(args[0], "-") {
			fmt.Fprintf(stderr, "Error: unknown flag: %s\n", args[0])
		} else {
			fmt.Fprintf(stderr, "Error: unknown command: %s\n", args[0])
		}
		fmt.Fprintln(stderr, "Run 'threadline --help' for usage.")
		return exitFailure
	}
}

func runCommand(handler func([]string) error, args []string) int {
	if err := handler(args); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitCodeForError(err)
	}
	return exitOK
}

func printVersion() {
	fmt.Fprintf(stdout, "threadline %s\n", version)
	if commit != "unknown" {
		fmt.Fprintf(stdout, "  Commit:     %s\n", commit)
	}
	if buildDate != "unknown" {
		fmt.Fprintf(stdout, "  Built:      %s\n", buildDate)
	}
	fmt.Fprintf(stdout, "  Go version: %s\n", runtime.Version())
}

func printHelp() {
	fmt.Fprint(stdout, `threadline - streaming chat threads with tool execution

USAGE:
  threadline [--config path] <command> [flags]

COMMANDS:
  ask [flags] <prompt>             Send one prompt and stream the reply
  serve [--addr host:port]         Serve the HTTP API, SSE and WebSocket events
  history list                     List saved threads
  history show <id>                Print a saved thread as markdown
  history delete <id>              Delete a saved thread
  history import <file>            Import a thread exported as JSON
  export <id> [--format md|json]   Export a saved thread
  version                          Print version information

ENVIRONMENT:
  THREADLINE_HOME                  Data directory (default ~/.threadline)
  THREADLINE_BASE_URL              Chat backend base URL
  THREADLINE_API_KEY               Backend API key
  THREADLINE_MODEL                 Default model
  THREADLINE_TOOL_USE              quick, explore or agent
  THREADLINE_BUS_URL               Use NATS at this URL for thread events
`)
}
