package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-multierror"

	"github.com/mirajehossain/mongomigratex/internal/migrator"
)

const (
	exitOK            = 0
	exitError         = 1
	exitDrift         = 2
	exitLocked        = 3
	exitPartial       = 4
	exitMalformed     = 5
	exitDuplicate     = 6
	exitNoSuchVersion = 7
	exitInconsistent  = 8
	exitTimeout       = 9
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a := newApp(stdout, stderr)
	cmd := a.rootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if merr := a.writeMetrics(); merr != nil {
		fmt.Fprintf(stderr, "Error: write metrics: %v\n", merr)
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return exitCode(err)
}

// exitCode maps err to the process exit status. When several namespaces
// failed, the lowest specific code wins.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var merr *multierror.Error
	if errors.As(err, &merr) && len(merr.Errors) > 1 {
		best := exitError
		for _, e := range merr.Errors {
			if c := exitCode(e); c != exitError && (best == exitError || c < best) {
				best = c
			}
		}
		return best
	}
	switch migrator.CodeOf(err) {
	case migrator.CodeChecksumMismatch:
		return exitDrift
	case migrator.CodeLockHeld:
		return exitLocked
	case migrator.CodePartialApplication:
		return exitPartial
	case migrator.CodeMalformedUnit:
		return exitMalformed
	case migrator.CodeDuplicateVersion:
		return exitDuplicate
	case migrator.CodeNoSuchVersion:
		return exitNoSuchVersion
	case migrator.CodeInconsistentHistory:
		return exitInconsistent
	case migrator.CodeTimeout:
		return exitTimeout
	default:
		return exitError
	}
}
