// Command etcmeisai downloads ETC usage statements (meisai) as CSV.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/tomyan/etcmeisai/internal/observability"
	"github.com/tomyan/etcmeisai/internal/scraper"
)

// Exit codes
const (
	ExitSuccess    = 0
	ExitError      = 1
	ExitConnFailed = 2
	ExitTimeout    = 3
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr, defaultProvider{})
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer, provider scraperProvider) int {
	a := &app{stdout: stdout, stderr: stderr, provider: provider, readPassword: promptPassword(os.Stdin, stderr)}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	observability.Sync()
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitCode(err)
	}
	return ExitSuccess
}

// promptPassword reads a password from a terminal without echo. When in is
// not a terminal there is nobody to ask.
func promptPassword(in *os.File, out io.Writer) func(userID string) (string, error) {
	return func(userID string) (string, error) {
		fd := int(in.Fd())
		if !term.IsTerminal(fd) {
			return "", errNoCredentials
		}
		fmt.Fprintf(out, "Password for %s: ", userID)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return string(b), nil
	}
}

// isTerminal reports whether w is a terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// exitCode maps an error to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, scraper.ErrConnection):
		return ExitConnFailed
	case errors.Is(err, scraper.ErrTimeout), errors.Is(err, scraper.ErrDownloadTimeout):
		return ExitTimeout
	default:
		return ExitError
	}
}
