// Package main provides the stepwise CLI entrypoint.
//
// Usage:
//
//	stepwise <command> [options]
//
// serve runs the HTTP control server. world hosts a simulated world that
// control servers dial. The remaining commands are clients of a running
// control server.
//
// Exit codes:
//   - 0: success
//   - 1: script error, or an internal failure
//   - 2: control server or world unreachable
//   - 3: invalid input
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/stepwise/cli/cmd"
	"github.com/pithecene-io/stepwise/types"
)

// Commit is set via ldflags at build time.
var commit = "unknown"

func main() {
	app := &cli.App{
		Name:           "stepwise",
		Usage:          "Tick-synchronized agent step control",
		Version:        fmt.Sprintf("%s (commit: %s)", types.Version, commit),
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			cmd.ServeCommand(),
			cmd.WorldCommand(),
			cmd.StartCommand(),
			cmd.StepCommand(),
			cmd.StopCommand(),
			cmd.PauseCommand(),
			cmd.StatusCommand(),
			cmd.WatchCommand(),
			cmd.VersionCommand(commit),
		},
	}

	if err := app.Run(os.Args); err != nil {
		// ExitErrHandler already handled the exit for cli.ExitCoder errors.
		os.Exit(1)
	}
}

// exitErrHandler preserves exit codes from cli.Exit().
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		if msg := exitMessage(exitCoder); msg != "" {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

// exitMessage returns the text worth printing for an exit error.
// cli.Exit("", N).Error() is "exit status N", which is suppressed.
func exitMessage(e cli.ExitCoder) string {
	msg := e.Error()
	if msg == fmt.Sprintf("exit status %d", e.ExitCode()) {
		return ""
	}
	return msg
}
