// Command gpaplan compiles declarative aggregation queries, written as YAML,
// into the statement or pipeline a backend would run.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Config  string
}

// NewRootCommand creates the gpaplan root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "gpaplan",
		Short: "Inspect compiled aggregation plans",
		Long: `gpaplan compiles an aggregation query file for one backend dialect
and prints the resulting SQL statement and parameters, or the
aggregation pipeline stages as extended JSON.`,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log compiler decisions to stderr")
	cmd.PersistentFlags().StringVar(&opts.Config, "config", "", "settings file supplying the default dialect")

	cmd.AddCommand(NewCompileCommand(opts))

	return cmd
}

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
