// main.go - sdpabench, a small CLI that exercises the attention engine end
// to end for manual verification and benchmark runs. Structured the way the
// teacher builds its own cobra-based command tree (cmd_serve.go's
// newServeCmd/RunE split), trimmed to a single root command with two
// subcommands instead of the teacher's full model-lifecycle surface.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/7blacky7/attnengine/envconfig"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: envconfig.LogLevel()})))

	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sdpabench",
		Short:         "Exercise the CPU attention engine for verification and benchmarking",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newBenchCmd())
	root.AddCommand(newVerifyCmd())
	return root
}
