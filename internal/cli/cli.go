// Package cli implements the daedalus command line: run, worker, merge and chunks.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

// Exit codes beyond 0, 1 and 2.
const (
	// ExitIncomplete is returned by run when some chunk was abandoned or cancelled.
	ExitIncomplete = 3
)

// ExitError is an error carrying the process exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

func usageError(format string, args ...any) error {
	return &ExitError{Code: 2, Message: fmt.Sprintf(format, args...)}
}

const usage = `Daedalus - resilient chunked trait computation.

Usage:
  daedalus <command> [options]

Commands:
  run      compute a kind over all chunks with a pool of worker processes
  worker   compute one chunk of a kind (started by run)
  merge    fold partial results into the canonical store
  chunks   print the entities of each chunk

Run "daedalus <command> -h" for the options of a command.
`

// Main runs the command line and returns the process exit code.
func Main(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx, args, stdout, stderr); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			if exitErr.Message != "" {
				fmt.Fprintln(stderr, exitErr.Message)
			}
			return exitErr.Code
		}
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

// Run dispatches args to a command.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return &ExitError{Code: 2}
	}

	var cmd func(context.Context, []string, io.Writer, io.Writer) error
	switch args[0] {
	case "run":
		cmd = runCommand
	case "worker":
		cmd = workerCommand
	case "merge":
		cmd = mergeCommand
	case "chunks":
		cmd = chunksCommand
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		fmt.Fprint(stderr, usage)
		return usageError("unknown command %q", args[0])
	}
	return cmd(ctx, args[1:], stdout, stderr)
}

// commonFlags are accepted by every command.
type commonFlags struct {
	config   string
	logLevel string
}

func newFlagSet(name string, stderr io.Writer, common *commonFlags) *flag.FlagSet {
	fs := flag.NewFlagSet("daedalus "+name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&common.config, "config", "", "Path to daedalus.yaml (default $DAEDALUS_CONFIG or ./daedalus.yaml).")
	fs.StringVar(&common.logLevel, "log-level", "", "Override the log level: debug, info, warn or error.")
	return fs
}

// parse parses args and reports whether the command should stop (help was shown).
func parse(fs *flag.FlagSet, args []string) (bool, error) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return true, nil
		}
		return false, &ExitError{Code: 2, Message: err.Error()}
	}
	if fs.NArg() > 0 {
		return false, usageError("unexpected arguments: %v", fs.Args())
	}
	return false, nil
}
