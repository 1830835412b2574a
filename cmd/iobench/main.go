// Command iobench runs parallel storage I/O benchmarks described by a
// workload configuration file.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

// exit is replaced in tests.
var exit = os.Exit

func main() {
	root := newRootCmd(os.Stdout, os.Stderr)
	if err := root.Execute(); err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) && ee.ExitCode() > 0 {
			exit(ee.ExitCode())
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		exit(1)
	}
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "iobench",
		Short: "Parallel storage I/O benchmark harness",
		Long: `iobench drives pluggable storage backends through one uniform
lifecycle, writing and reading back deterministic chunked data from every
rank of a process group, and reports per-phase timings.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.AddCommand(newRunCmd(stdout, stderr))
	root.AddCommand(newLaunchCmd(stdout, stderr))
	root.AddCommand(newCheckCmd(stdout))
	root.AddCommand(newBackendsCmd(stdout))
	root.AddCommand(newVersionCmd(stdout))
	return root
}

func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

func newVersionCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(stdout, "iobench version %s (commit: %s)\n", version, commit)
		},
	}
}
