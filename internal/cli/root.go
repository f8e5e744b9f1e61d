package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

// Process exit codes.
const (
	ExitOK      = 0
	ExitFailure = 1 // setup or run failure
	ExitConfig  = 2 // invalid configuration or usage
)

// exitError carries the exit code for a failed command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func configError(err error) error  { return &exitError{code: ExitConfig, err: err} }
func failureError(err error) error { return &exitError{code: ExitFailure, err: err} }

// NewRootCmd builds the command tree writing to stdout and stderr.
func NewRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:     "volley",
		Short:   "A rate-governed HTTP load generator",
		Version: version,
		Long: `Volley sends HTTP requests to one endpoint at a precisely governed rate
from a pool of concurrent workers over reused connections, and reports
latency percentiles, throughput and failures.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, args []string) {
			// If no subcommand is provided, print help
			_ = cmd.Help()
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.AddCommand(newRunCmd())
	root.AddCommand(newVersionCmd())

	return root
}

// Execute runs the command line and returns the process exit code.
// This is called by main.main().
func Execute() int {
	return ExecuteArgs(os.Args[1:], os.Stdout, os.Stderr)
}

// ExecuteArgs runs the command line with explicit arguments and streams.
func ExecuteArgs(args []string, stdout, stderr io.Writer) int {
	cmd := NewRootCmd(stdout, stderr)
	cmd.SetArgs(args)
	return exitCode(cmd.Execute(), stderr)
}

// exitCode reports err on stderr and maps it to an exit code. Errors that
// are not tagged come from cobra's argument and flag parsing.
func exitCode(err error, stderr io.Writer) int {
	if err == nil {
		return ExitOK
	}

	fmt.Fprintf(stderr, "Error: %v\n", err)

	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return ExitConfig
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "volley version %s\n", version)
		},
	}
}
