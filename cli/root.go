// Package cli implements the codegrep command line.
package cli

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/yoanbernabeu/codegrep/config"
	"github.com/yoanbernabeu/codegrep/engine"
	"github.com/yoanbernabeu/codegrep/git"
)

// Version is set at build time.
var Version = "dev"

var (
	dataDir string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "codegrep",
	Short: "Fast local code search for exact literals",
	Long: `codegrep indexes the text files of a project and answers ranked queries
optimized for code fragments: operators, sigils and punctuation such as
'$user_id', '->get(' or '@Override' are matched literally.

Indexes live under a per-user data directory, one per workspace, so any
directory can be searched without adding files to it.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if !verbose {
			log.SetOutput(io.Discard)
		}
	},
}

func init() {
	rootCmd.Version = Version
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Directory holding the indexes (default: $"+config.DataDirEnv+" or OS-specific)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log warnings and progress to stderr")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// resolveWorkspace returns the directory a command operates on: the
// explicit argument, else the git top-level of the current directory,
// else the current directory.
func resolveWorkspace(args []string) (string, error) {
	if len(args) > 0 && args[0] != "" {
		return args[0], nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}
	if root, err := git.Root(cwd); err == nil {
		return root, nil
	}
	return cwd, nil
}

// newEngine opens an engine over the configured data directory. Project
// configuration is read per workspace by the engine itself.
func newEngine() (*engine.Engine, error) {
	var opts []engine.Option
	if dataDir != "" {
		opts = append(opts, engine.WithDataDir(dataDir))
	}
	eng, err := engine.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open index store: %w", err)
	}
	return eng, nil
}

// isInteractiveTerminal reports whether stdout is a terminal.
func isInteractiveTerminal() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
