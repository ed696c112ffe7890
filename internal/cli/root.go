// Package cli implements the onyphe command-line front-end.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/Sternrassler/onyphe-client/pkg/onyphe"
	"github.com/Sternrassler/onyphe-client/pkg/transport"
	"github.com/spf13/cobra"
)

// Exit codes.
const (
	ExitOK        = 0
	ExitFailure   = 1
	ExitAPI       = 2
	ExitTransport = 3
	ExitDecode    = 4
)

var (
	version   = transport.Version
	buildTime = "unknown"
)

// SetVersion sets the version info shown by --version.
func SetVersion(v, bt string) {
	if v != "" {
		version = v
	}
	buildTime = bt
}

// Options carries the process environment; zero fields use the real one.
type Options struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// LookupEnv reads environment variables (default os.LookupEnv).
	LookupEnv func(string) (string, bool)

	// Prompt asks for a secret (default: hidden terminal input).
	Prompt func(label string) (string, error)
}

func (o Options) withDefaults() Options {
	if o.Stdin == nil {
		o.Stdin = os.Stdin
	}
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	if o.LookupEnv == nil {
		o.LookupEnv = os.LookupEnv
	}
	if o.Prompt == nil {
		o.Prompt = terminalPrompt
	}
	return o
}

type app struct {
	opts  Options
	flags globalFlags
}

// NewRootCommand builds the command tree.
func NewRootCommand(opts Options) *cobra.Command {
	a := &app{opts: opts.withDefaults()}

	root := &cobra.Command{
		Use:   "onyphe",
		Short: "Query the Onyphe threat-intelligence API",
		Long: `onyphe queries the Onyphe API and writes every result record to stdout
as one JSON object per line. Logs go to stderr.

Get started:
  onyphe user                                Show account information
  onyphe search 'category:synscan ip:8.8.8.8'
  onyphe export 'category:datascan product:Nginx'
  onyphe batch queries.txt --concurrency 2`,
		Version:       fmt.Sprintf("%s (built %s)", version, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetIn(a.opts.Stdin)
	root.SetOut(a.opts.Stdout)
	root.SetErr(a.opts.Stderr)

	a.flags.register(root.PersistentFlags())

	root.AddCommand(
		a.userCmd(),
		a.myIPCmd(),
		a.searchCmd(),
		a.exportCmd(),
		a.summaryCmd(),
		a.bestCmd(),
		a.alertCmd(),
		a.bulkCmd(),
		a.batchCmd(),
	)
	return root
}

// Execute runs the CLI against the process environment and returns the exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return Run(ctx, os.Args[1:], Options{})
}

// Run executes args and returns the exit code. Errors are reported on opts.Stderr.
func Run(ctx context.Context, args []string, opts Options) int {
	opts = opts.withDefaults()
	root := NewRootCommand(opts)
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return ExitOK
	}

	if kind := onyphe.Kind(err); kind != onyphe.KindUnknown {
		fmt.Fprintf(opts.Stderr, "onyphe: %s error: %v\n", kind, err)
	} else {
		fmt.Fprintf(opts.Stderr, "onyphe: %v\n", err)
	}
	return ExitCode(err)
}

// ExitCode maps an error to the process exit code.
func ExitCode(err error) int {
	switch onyphe.Kind(err) {
	case "":
		return ExitOK
	case onyphe.KindAPI:
		return ExitAPI
	case onyphe.KindTransport:
		return ExitTransport
	case onyphe.KindDecode:
		return ExitDecode
	default:
		return ExitFailure
	}
}
