package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yoanbernabeu/codegrep/config"
)

var (
	initProvider string
	initModel    string
	initForce    bool
)

var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a project configuration file",
	Long: `Write .codegrep.yaml with the default settings to the workspace root.

The file holds per-project overrides of the user configuration
(indexer, search, embedder, vector and watch sections). It is optional:
every command works without it.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVarP(&initProvider, "provider", "p", "", "Embedding provider (ollama or hash)")
	initCmd.Flags().StringVarP(&initModel, "model", "m", "", "Embedding model")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing configuration file")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	root, err := resolveWorkspace(args)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if config.Exists(root) && !initForce {
		fmt.Fprintln(out, "codegrep is already initialized in this directory.")
		fmt.Fprintf(out, "Configuration: %s\n", config.ProjectConfigPath(root))
		return nil
	}

	cfg := config.DefaultConfig()
	if initProvider != "" {
		cfg.Embedder.Provider = initProvider
	}
	if initModel != "" {
		cfg.Embedder.Model = initModel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.Save(root); err != nil {
		return err
	}

	fmt.Fprintf(out, "Created %s\n", config.ProjectConfigPath(root))
	fmt.Fprintln(out, "Run 'codegrep index' to build the index.")
	return nil
}
